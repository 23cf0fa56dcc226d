package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/oneconcern/casproxy/pkg/reprocess"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (c *cli) reprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess IN [OUT]",
		Short: "Canonicalize a local file",
		Long: `Canonicalize a local file, the way uploads are before being stored.

The result is written to OUT, or to the standard output. Use "-" to read the standard input.
Files which are not images are copied as they are.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			in := c.stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			out := bufio.NewWriter(c.stdout)
			if len(args) > 1 {
				f, cerr := os.Create(args[1])
				if cerr != nil {
					return cerr
				}
				defer func() { err = multierr.Append(err, f.Close()) }()
				out = bufio.NewWriter(f)
			}

			r := reprocess.New(c.logger, reprocess.WithTextLimit(c.flags.reprocess.textLimit))
			report, err := r.Reprocess(in, out)
			if err != nil {
				return err
			}
			if err := out.Flush(); err != nil {
				return err
			}

			if c.flags.reprocess.verbose {
				fmt.Fprintf(c.stderr, "chunks: %d, dropped chunks: %d, dropped text entries: %d, checksum mismatches: %d\n",
					report.Chunks, report.DroppedChunks, report.DroppedEntries, report.ChecksumMismatch)
				if report.PassThroughReason != "" {
					fmt.Fprintf(c.stderr, "passed through as is (%s): %d bytes\n", report.PassThroughReason, report.RawBytes)
				}
			}
			return nil
		},
	}
	addTextLimitFlag(cmd, &c.flags)
	addVerboseFlag(cmd, &c.flags)
	return cmd
}
