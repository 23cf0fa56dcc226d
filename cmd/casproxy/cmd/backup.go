package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/oneconcern/casproxy/pkg/dedup"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (c *cli) backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy new objects to the backup backend",
		Long: `Copy the objects stored since the last sweep to the backup backend.

Objects which could not be copied are retried by the next sweep. Objects left behind by a
failed removal are removed first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			appCtx, closer, err := c.openOperator()
			if err != nil {
				return err
			}

			report, err := dedup.New(appCtx).RunBackupSweep(ctx)
			if report.Collected > 0 {
				fmt.Fprintf(c.stdout, "collected: %d\n", report.Collected)
			}
			fmt.Fprintf(c.stdout, "pending: %d, copied: %d, skipped: %d, failed: %d\n",
				report.Pending, report.Copied, report.Skipped, report.Failed)
			return multierr.Append(err, closer())
		},
	}
	return cmd
}
