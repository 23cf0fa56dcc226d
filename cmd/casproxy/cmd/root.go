// Copyright © 2018 One Concern

package cmd

import (
	"crypto/subtle"
	"io"
	"os"

	"github.com/oneconcern/casproxy/pkg/app"
	"github.com/oneconcern/casproxy/pkg/config"
	"github.com/oneconcern/casproxy/pkg/dedup"
	"github.com/oneconcern/casproxy/pkg/dlogger"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrUnauthorized is returned when the identity is unknown or the secret does not match
var ErrUnauthorized = errors.New("unknown identity or wrong secret")

// cli holds the state shared by the commands of one invocation
type cli struct {
	flags  flagsT
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *zap.Logger
}

// Execute runs the command line. This is called by main.main().
func Execute() {
	c := &cli{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	wrapFatal(c.stderr, c.rootCmd().Execute())
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "casproxy",
		Short: "casproxy operates a deduplicating object store",
		Long: `casproxy operates a deduplicating, content-addressed object store.

Uploaded images are canonicalized before being hashed, so that uploads differing only by
their volatile metadata are stored once. Names are mapped to content per tenant, and a
physical object is removed once no name references it anymore.

Archives uploaded under backups/dumps are stored as they are, by name.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	addConfigFlag(root, &c.flags)
	addLogLevelFlag(root, &c.flags)

	root.AddCommand(
		c.putCmd(),
		c.getCmd(),
		c.statCmd(),
		c.rmCmd(),
		c.lsCmd(),
		c.reprocessCmd(),
		c.backupCmd(),
		c.configCmd(),
	)
	return root
}

// init loads the configuration and the logger
func (c *cli) init() error {
	cfg, err := config.Load(c.flags.root.configFile)
	if err != nil {
		return err
	}
	level := cfg.Log
	if c.flags.root.logLevel != "" {
		level = c.flags.root.logLevel
	}
	logger, err := dlogger.GetLogger(level)
	if err != nil {
		return config.ErrInvalidConfig.Wrap(err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// openOperator opens the application context, without any identity. The returned function closes it.
func (c *cli) openOperator() (*app.Context, func() error, error) {
	if err := metrics.Register(); err != nil {
		c.logger.Warn("metrics are not collected", zap.Error(err))
	}
	appCtx, err := app.FromConfig(c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() error {
		// syncing a logger on a terminal fails on some platforms
		_ = c.logger.Sync()
		return appCtx.Close()
	}
	return appCtx, closer, nil
}

// open the store for the authenticated identity. The returned function closes it.
func (c *cli) open() (*dedup.Pool, func() error, error) {
	appCtx, closer, err := c.openOperator()
	if err != nil {
		return nil, nil, err
	}
	if err := authenticate(appCtx, c.flags.root.identity, c.flags.root.secret); err != nil {
		_ = closer()
		return nil, nil, err
	}
	return dedup.New(appCtx), closer, nil
}

func authenticate(appCtx *app.Context, identity, secret string) error {
	expected, ok := appCtx.Secret(identity)
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		return ErrUnauthorized.WrapMessage("identity %q", identity)
	}
	return nil
}

// store opens the object store seen by the identity, and runs fn on it
func (c *cli) store(fn func(dedup.ObjectStore, string) error) error {
	pool, closer, err := c.open()
	if err != nil {
		return err
	}
	container := c.flags.object.container
	if container == "" {
		container = c.flags.root.identity
	}
	return multierr.Append(fn(pool.As(c.flags.root.identity), container), closer())
}
