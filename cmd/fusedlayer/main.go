// Command fusedlayer inspects retention plans, trains small stacks of fused
// transformer blocks and checks their gradients on the CPU backend.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/fusedlayer"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "fusedlayer",
		Short:         "Fused transformer sublayers with selective activation retention",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			fusedlayer.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log layer creation and backend events")
	root.AddCommand(
		newPlanCommand(),
		newTrainCommand(),
		newGradCheckCommand(),
		newDeviceCommand(),
	)
	return root
}

// smallConfig is the configuration used when no --config file is given:
// small enough for the pure-Go kernels to train in seconds.
func smallConfig() fusedlayer.Config {
	cfg := fusedlayer.DefaultConfig()
	cfg.BatchSize = 4
	cfg.MaxSeqLength = 16
	cfg.HiddenSize = 32
	cfg.Heads = 4
	cfg.NumHiddenLayers = 2
	cfg.InitializerRange = 0.1
	return cfg
}

func loadConfig(path string) (fusedlayer.Config, error) {
	if path == "" {
		return smallConfig(), nil
	}
	return fusedlayer.LoadConfig(path)
}
