package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/fusedlayer"
)

func newPlanCommand() *cobra.Command {
	var (
		kindName   string
		configPath string
		flags      fusedlayer.Flags
		all        bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print what a sublayer retains for backward under a flag tuple",
		Example: `  fusedlayer plan --kind transformer --pre-ln --invertible
  fusedlayer plan --kind mlp --all`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := fusedlayer.ParseKind(kindName)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			tuples := []fusedlayer.Flags{flags}
			if all {
				tuples = fusedlayer.AllFlags()
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, f := range tuples {
				printPlan(w, kind, cfg.WithFlags(f))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "transformer", "sublayer kind (transformer, self_attention, mlp, bias_residual_dropout, layer_norm)")
	cmd.Flags().StringVar(&configPath, "config", "", "JSON configuration used for the memory estimate")
	cmd.Flags().BoolVar(&flags.PreLayerNorm, "pre-ln", true, "pre-normalization architecture")
	cmd.Flags().BoolVar(&flags.NormalizeInvertible, "invertible", false, "normalize_invertible")
	cmd.Flags().BoolVar(&flags.AttnDropoutCheckpoint, "attn-ckpt", false, "attn_dropout_checkpoint")
	cmd.Flags().BoolVar(&flags.GeluCheckpoint, "gelu-ckpt", false, "gelu_checkpoint")
	cmd.Flags().BoolVar(&all, "all", false, "print every flag tuple")
	return cmd
}

func printPlan(w io.Writer, kind fusedlayer.Kind, cfg fusedlayer.Config) {
	plan := fusedlayer.PlanFor(kind, cfg.Flags())
	fmt.Fprintf(w, "%s\t[%s]\n", kind, plan.Flags)
	fmt.Fprintf(w, "  retained\t%s\t(%d buffers)\n", plan.Retained, plan.Retained.Len())
	for _, slot := range plan.Slots() {
		if plan.Reconstructed(slot) {
			fmt.Fprintf(w, "  slot %s\t<- %s\n", slot, plan.Source(slot))
		}
	}
	saving := fusedlayer.CompareRetention(kind, cfg, cfg.BatchSize, cfg.MaxSeqLength)
	fmt.Fprintf(w, "  memory\t%s\n\n", saving)
}
