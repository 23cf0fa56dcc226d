// Package app holds the application context: the backends, catalog and settings shared by
// every request, built once at startup.
package app

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/oneconcern/casproxy/pkg/catalog"
	"github.com/oneconcern/casproxy/pkg/config"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/oneconcern/casproxy/pkg/scratch"
	"github.com/oneconcern/casproxy/pkg/storage"
	"github.com/oneconcern/casproxy/pkg/storage/gcs"
	"github.com/oneconcern/casproxy/pkg/storage/localfs"
	"github.com/oneconcern/casproxy/pkg/storage/sthree"
	opentracing "github.com/opentracing/opentracing-go"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrInit is returned when the application context cannot be built
var ErrInit = errors.New("cannot initialize application")

// Context shared by all operations. It is safe for concurrent use.
type Context struct {
	Blobs   storage.Store
	Backup  storage.Store // nil when no backup backend is configured
	Dumps   storage.Store
	Catalog *catalog.Catalog
	Scratch *scratch.Space
	Logger  *zap.Logger

	BackupParallelism int

	users    map[string]string
	readOnly *atomic.Bool
}

// Option to build a context
type Option func(*Context)

// WithBlobs sets the primary blob backend
func WithBlobs(s storage.Store) Option {
	return func(c *Context) { c.Blobs = s }
}

// WithBackup sets the backup blob backend
func WithBackup(s storage.Store) Option {
	return func(c *Context) { c.Backup = s }
}

// WithDumps sets the archive store
func WithDumps(s storage.Store) Option {
	return func(c *Context) { c.Dumps = s }
}

// WithCatalog sets the name mapping catalog
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *Context) { c.Catalog = cat }
}

// WithScratch sets the scratch space used to spool uploads
func WithScratch(s *scratch.Space) Option {
	return func(c *Context) { c.Scratch = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) { c.Logger = l }
}

// WithUsers sets the known identities and their secrets
func WithUsers(users map[string]string) Option {
	return func(c *Context) {
		c.users = make(map[string]string, len(users))
		for k, v := range users {
			c.users[k] = v
		}
	}
}

// WithReadOnly starts the context in read-only mode
func WithReadOnly(enabled bool) Option {
	return func(c *Context) { c.readOnly.Store(enabled) }
}

// WithBackupParallelism sets the number of concurrent copies during a backup sweep
func WithBackupParallelism(n int) Option {
	return func(c *Context) { c.BackupParallelism = n }
}

// New application context
func New(opts ...Option) *Context {
	c := &Context{
		users:             make(map[string]string),
		readOnly:          atomic.NewBool(false),
		BackupParallelism: 1,
	}
	for _, apply := range opts {
		apply(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Scratch == nil {
		c.Scratch = scratch.New(nil, "", scratch.DefaultMemoryThreshold)
	}
	if c.BackupParallelism < 1 {
		c.BackupParallelism = 1
	}
	return c
}

// FromConfig builds the application context: backends, archive store and catalog.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Context, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold, err := cfg.MemoryThreshold()
	if err != nil {
		return nil, err
	}

	blobs, err := NewBackend(cfg.Backend, logger)
	if err != nil {
		return nil, ErrInit.Wrap(err)
	}

	var backup storage.Store
	if cfg.BackupBackend != nil {
		if backup, err = NewBackend(*cfg.BackupBackend, logger); err != nil {
			return nil, ErrInit.Wrap(err)
		}
	}

	dumps, err := localfs.NewAt(cfg.Dumps)
	if err != nil {
		return nil, ErrInit.Wrap(err)
	}

	cat, err := catalog.Open(cfg.Catalog, logger)
	if err != nil {
		return nil, ErrInit.Wrap(err)
	}

	return New(
		WithBlobs(blobs),
		WithBackup(backup),
		WithDumps(storage.Instrument(nil, logger, dumps)),
		WithCatalog(cat),
		WithScratch(scratch.New(afero.NewOsFs(), cfg.Scratch.Dir, threshold)),
		WithLogger(logger),
		WithUsers(cfg.UserSecrets()),
		WithReadOnly(cfg.ReadOnly),
		WithBackupParallelism(cfg.Backup.Parallelism),
	), nil
}

// NewBackend builds an instrumented blob store from its configuration
func NewBackend(b config.Backend, logger *zap.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch b.Protocol {
	case config.ProtocolS3:
		awsConfig := aws.NewConfig()
		if b.Region != "" {
			awsConfig = awsConfig.WithRegion(b.Region)
		}
		if b.Endpoint != "" {
			awsConfig = awsConfig.WithEndpoint(b.Endpoint).WithS3ForcePathStyle(true)
		}
		if b.AccessKeyID != "" {
			awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(b.AccessKeyID, b.SecretAccessKey, ""))
		}
		store, err = sthree.New(sthree.Bucket(b.Bucket), sthree.AWSConfig(awsConfig))
	case config.ProtocolGCS:
		store, err = gcs.New(context.Background(), b.Bucket, b.Credential)
	case config.ProtocolFilesystem:
		store, err = localfs.NewAt(b.Path)
	default:
		err = config.ErrInvalidConfig.WrapMessage("unsupported protocol %q", b.Protocol)
	}
	if err != nil {
		return nil, err
	}
	return storage.Instrument(opentracing.GlobalTracer(), logger, store), nil
}

// Secret of a known identity
func (c *Context) Secret(identity string) (string, bool) {
	secret, ok := c.users[identity]
	return secret, ok
}

// Identities known to the proxy, sorted
func (c *Context) Identities() []string {
	ids := make([]string, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadOnly tells if mutations are currently rejected
func (c *Context) ReadOnly() bool {
	return c.readOnly.Load()
}

// SetReadOnly toggles maintenance mode at runtime
func (c *Context) SetReadOnly(enabled bool) {
	if c.readOnly.Swap(enabled) != enabled {
		c.Logger.Info("read-only mode changed", zap.Bool("readOnly", enabled))
	}
}

// Close releases the catalog
func (c *Context) Close() error {
	var err error
	if c.Catalog != nil {
		err = multierr.Append(err, c.Catalog.Close())
	}
	return err
}
