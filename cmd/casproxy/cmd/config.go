package cmd

import (
	"github.com/spf13/cobra"
)

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Commands to inspect the configuration",
		Long: `Commands to inspect the casproxy configuration.

Settings are read from the configuration file, then overridden by CASPROXY_* environment
variables, e.g. CASPROXY_READONLY=true or CASPROXY_BACKEND_BUCKET=images.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration, secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.cfg.Dump(c.stdout)
		},
	})
	return cmd
}
