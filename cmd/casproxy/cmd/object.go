// Copyright © 2018 One Concern

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/oneconcern/casproxy/pkg/dedup"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func (c *cli) putCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put NAME [FILE]",
		Short: "Upload an object",
		Long: `Upload an object under NAME, reading its content from FILE or from the standard input.

Images are canonicalized first: the stored content, and its etag, may be shared with
identical uploads.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := c.stdin
			if len(args) > 1 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return c.store(func(s dedup.ObjectStore, container string) error {
				etag, err := s.Put(context.Background(), container, args[0], in, c.flags.object.contentType)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.stdout, etag)
				return err
			})
		},
	}
	addIdentityFlags(cmd, &c.flags)
	addContainerFlag(cmd, &c.flags)
	addContentTypeFlag(cmd, &c.flags)
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Download an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.store(func(s dedup.ObjectStore, container string) (err error) {
				rdr, err := s.Get(context.Background(), container, args[0])
				if err != nil {
					return err
				}
				defer func() { err = multierr.Append(err, rdr.Close()) }()

				out := c.stdout
				if c.flags.object.output != "" {
					f, cerr := os.Create(c.flags.object.output)
					if cerr != nil {
						return cerr
					}
					defer func() { err = multierr.Append(err, f.Close()) }()
					out = f
				}
				_, err = io.Copy(out, rdr)
				return err
			})
		},
	}
	addIdentityFlags(cmd, &c.flags)
	addContainerFlag(cmd, &c.flags)
	addOutputFlag(cmd, &c.flags)
	return cmd
}

func (c *cli) statCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat NAME",
		Short: "Show the description of an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.store(func(s dedup.ObjectStore, container string) error {
				meta, err := s.Metadata(context.Background(), container, args[0])
				if err != nil {
					return err
				}
				printMetadata(c.stdout, meta)
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &c.flags)
	addContainerFlag(cmd, &c.flags)
	return cmd
}

func printMetadata(w io.Writer, meta dedup.Metadata) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "name\t%s\n", meta.Name)
	fmt.Fprintf(tw, "size\t%s (%d bytes)\n", units.BytesSize(float64(meta.Size)), meta.Size)
	fmt.Fprintf(tw, "etag\t%s\n", meta.ETag)
	if meta.ContentType != "" {
		fmt.Fprintf(tw, "content-type\t%s\n", meta.ContentType)
	}
	if !meta.Created.IsZero() {
		fmt.Fprintf(tw, "created\t%s\n", meta.Created.Format("2006-01-02 15:04:05 MST"))
	}
	if meta.Hash != "" {
		fmt.Fprintf(tw, "hash\t%s\n", color.HiBlackString(meta.Hash))
	}
	_ = tw.Flush()
}

func (c *cli) rmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rm NAME...",
		Short:   "Delete objects",
		Aliases: []string{"delete"},
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.store(func(s dedup.ObjectStore, container string) error {
				for _, name := range args {
					if err := s.Delete(context.Background(), container, name); err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
				}
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &c.flags)
	addContainerFlag(cmd, &c.flags)
	return cmd
}

func (c *cli) lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls [PREFIX]",
		Short:   "List objects",
		Aliases: []string{"list"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix string
			if len(args) > 0 {
				prefix = args[0]
			}
			return c.store(func(s dedup.ObjectStore, container string) error {
				ctx := context.Background()
				names, err := s.List(ctx, container, prefix)
				if err != nil {
					return err
				}
				if !c.flags.object.long {
					for _, name := range names {
						fmt.Fprintln(c.stdout, name)
					}
					return nil
				}

				tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
				for _, name := range names {
					meta, err := s.Metadata(ctx, container, name)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, units.HumanSize(float64(meta.Size)), color.HiBlackString(meta.ETag))
				}
				return tw.Flush()
			})
		},
	}
	addIdentityFlags(cmd, &c.flags)
	addContainerFlag(cmd, &c.flags)
	addLongFlag(cmd, &c.flags)
	return cmd
}
