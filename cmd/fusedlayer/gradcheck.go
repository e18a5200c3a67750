package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/fusedlayer"
)

func newGradCheckCommand() *cobra.Command {
	var (
		configPath string
		kindName   string
		opts       = fusedlayer.DefaultGradCheckOptions()
	)
	cmd := &cobra.Command{
		Use:   "gradcheck",
		Short: "Compare a sublayer's gradients against finite differences",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := fusedlayer.ParseKind(kindName)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			backend := fusedlayer.NewCPUBackend()
			defer backend.Close()

			results, err := fusedlayer.GradCheck(fusedlayer.NewFactory(backend), kind, cfg, opts)
			if err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if !r.OK {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d gradients outside %s tolerance", failed, len(results), fusedlayer.DispatchFor(cfg).Precision())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "JSON layer configuration (default: a small preset)")
	cmd.Flags().StringVar(&kindName, "kind", "transformer", "sublayer kind")
	cmd.Flags().IntVar(&opts.Samples, "samples", opts.Samples, "elements probed per tensor")
	cmd.Flags().Float64Var(&opts.Epsilon, "eps", opts.Epsilon, "finite-difference step")
	cmd.Flags().IntVar(&opts.Batch, "batch", 2, "batch used for the check")
	cmd.Flags().IntVar(&opts.Seq, "seq", 4, "sequence length used for the check")
	return cmd
}
