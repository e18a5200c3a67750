package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/fusedlayer"
)

func newTrainCommand() *cobra.Command {
	var (
		configPath string
		tcfg       = fusedlayer.DefaultTrainingConfig()
		seed       uint64
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a stack of fused blocks on a synthetic regression task",
		Example: `  fusedlayer train --steps 100 --optimizer adam --lr 1e-3
  fusedlayer train --config model.json --checkpoint-every 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tcfg.Steps <= 0 {
				return fmt.Errorf("--steps must be positive, got %d", tcfg.Steps)
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			backend := fusedlayer.NewCPUBackend()
			defer backend.Close()

			stack, err := fusedlayer.NewStack(fusedlayer.NewFactory(backend), cfg)
			if err != nil {
				return err
			}
			trainer, err := fusedlayer.NewTrainer(stack, tcfg)
			if err != nil {
				return err
			}
			task := fusedlayer.NewRegressionTask(cfg, cfg.MaxSeqLength, seed)
			before, err := trainer.Evaluate(task)
			if err != nil {
				return err
			}
			losses, err := trainer.Train(task)
			if err != nil {
				return err
			}
			after, err := trainer.Evaluate(task)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "layers=%d dispatch=%s flags=[%s] checkpoint_every=%d\n",
				cfg.NumHiddenLayers, fusedlayer.DispatchFor(cfg), cfg.Flags(), tcfg.CheckpointEvery)
			fmt.Fprintf(out, "steps=%d first_loss=%.6f last_loss=%.6f\n", len(losses), losses[0], losses[len(losses)-1])
			fmt.Fprintf(out, "eval_loss before=%.6f after=%.6f\n", before, after)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "JSON layer configuration (default: a small preset)")
	cmd.Flags().IntVar(&tcfg.Steps, "steps", tcfg.Steps, "optimization steps")
	cmd.Flags().Float64Var(&tcfg.LearningRate, "lr", tcfg.LearningRate, "learning rate")
	cmd.Flags().StringVar(&tcfg.Optimizer, "optimizer", tcfg.Optimizer, "optimizer (sgd, adam)")
	cmd.Flags().Float64Var(&tcfg.GradientClipValue, "clip", tcfg.GradientClipValue, "global gradient norm clip (0 disables)")
	cmd.Flags().IntVar(&tcfg.CheckpointEvery, "checkpoint-every", 0, "group blocks into checkpoint segments of this size")
	cmd.Flags().IntVar(&tcfg.LogInterval, "log-every", tcfg.LogInterval, "log loss every N steps")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "synthetic task seed")
	return cmd
}
