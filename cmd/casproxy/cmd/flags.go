// Copyright © 2018 One Concern

package cmd

import (
	"os"

	"github.com/oneconcern/casproxy/pkg/config"
	"github.com/oneconcern/casproxy/pkg/reprocess"
	"github.com/spf13/cobra"
)

type flagsT struct {
	root struct {
		configFile string
		logLevel   string
		identity   string
		secret     string
	}
	object struct {
		container   string
		contentType string
		output      string
		long        bool
	}
	reprocess struct {
		textLimit uint32
		verbose   bool
	}
}

func addConfigFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "config"
	cmd.PersistentFlags().StringVar(&flags.root.configFile, c, os.Getenv(config.EnvPrefix+"_CONFIG"),
		`Configuration file. Defaults to casproxy.yaml in the current directory, $HOME/.casproxy or /etc/casproxy`)
	return c
}

func addLogLevelFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "loglevel"
	cmd.PersistentFlags().StringVar(&flags.root.logLevel, c, "", `Log level (debug, info, warn, error or none). Overrides the configured level`)
	return c
}

// addIdentityFlags declares the credentials of the caller, defaulting to CASPROXY_IDENTITY and CASPROXY_SECRET
func addIdentityFlags(cmd *cobra.Command, flags *flagsT) {
	cmd.Flags().StringVar(&flags.root.identity, "identity", os.Getenv(config.EnvPrefix+"_IDENTITY"), `Access identity, also the default container`)
	cmd.Flags().StringVar(&flags.root.secret, "secret", os.Getenv(config.EnvPrefix+"_SECRET"), `Secret of the access identity`)
}

func addContainerFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "container"
	cmd.Flags().StringVar(&flags.object.container, c, "", `Container (bucket) to operate on. Defaults to the identity`)
	return c
}

func addContentTypeFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "content-type"
	cmd.Flags().StringVar(&flags.object.contentType, c, "application/octet-stream", `Content type recorded with the object`)
	return c
}

func addOutputFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "output"
	cmd.Flags().StringVarP(&flags.object.output, c, "o", "", `Write to this file instead of the standard output`)
	return c
}

func addLongFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "long"
	cmd.Flags().BoolVarP(&flags.object.long, c, "l", false, `Show object details`)
	return c
}

func addTextLimitFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "text-limit"
	cmd.Flags().Uint32Var(&flags.reprocess.textLimit, c, reprocess.DefaultTextLimit, `Text chunks of this size or larger are copied without inspection`)
	return c
}

func addVerboseFlag(cmd *cobra.Command, flags *flagsT) string {
	c := "verbose"
	cmd.Flags().BoolVarP(&flags.reprocess.verbose, c, "v", false, `Print what was changed to the standard error`)
	return c
}
