package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/fusedlayer"
)

func newDeviceCommand() *cobra.Command {
	var (
		rank   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Print the compute device selected for a local rank",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := fusedlayer.SelectDevice(rank)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(d)
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			fmt.Fprintf(cmd.OutOrStdout(), "os=%s arch=%s features=%v\n", d.OS, d.Arch, d.Features)
			return nil
		},
	}
	cmd.Flags().IntVar(&rank, "rank", -1, "local rank (negative selects the default device)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
