// Copyright © 2018 One Concern

// Package config loads the settings of the proxy from a YAML file and the environment.
package config

import (
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/oneconcern/casproxy/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Supported backend protocols
const (
	ProtocolS3         = "s3"
	ProtocolGCS        = "gcs"
	ProtocolFilesystem = "filesystem"
)

// EnvPrefix is the prefix of environment variables overriding settings, e.g. CASPROXY_READONLY
const EnvPrefix = "CASPROXY"

const redacted = "********"

// ErrInvalidConfig is returned when the configuration cannot be loaded or is inconsistent
var ErrInvalidConfig = errors.New("invalid configuration")

// Backend describes a physical blob backend
type Backend struct {
	Protocol        string `mapstructure:"protocol" yaml:"protocol"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	AccessKeyID     string `mapstructure:"accessKeyId" yaml:"accessKeyId,omitempty"`
	SecretAccessKey string `mapstructure:"secretAccessKey" yaml:"secretAccessKey,omitempty"`
	Path            string `mapstructure:"path" yaml:"path,omitempty"`
	PublicHost      string `mapstructure:"publicHost" yaml:"publicHost,omitempty"`

	// Credential is a service account file for gcs. Application default credentials are used when empty.
	Credential string `mapstructure:"credential" yaml:"credential,omitempty"`
}

// User is a caller identity and its secret. The identity doubles as the tenant name.
type User struct {
	Identity string `mapstructure:"identity" yaml:"identity"`
	Secret   string `mapstructure:"secret" yaml:"secret"`
}

// Scratch settings for spooling uploads
type Scratch struct {
	Dir             string `mapstructure:"dir" yaml:"dir,omitempty"`
	MemoryThreshold string `mapstructure:"memoryThreshold" yaml:"memoryThreshold"`
}

// Backup sweep settings
type Backup struct {
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

// Config of the proxy
type Config struct {
	Backend       Backend  `mapstructure:"backend" yaml:"backend"`
	BackupBackend *Backend `mapstructure:"backupBackend" yaml:"backupBackend,omitempty"`
	Dumps         string   `mapstructure:"dumps" yaml:"dumps"`
	Catalog       string   `mapstructure:"catalog" yaml:"catalog"`
	Users         []User   `mapstructure:"users" yaml:"users,omitempty"`
	ReadOnly      bool     `mapstructure:"readOnly" yaml:"readOnly"`
	Scratch       Scratch  `mapstructure:"scratch" yaml:"scratch"`
	Backup        Backup   `mapstructure:"backup" yaml:"backup"`
	Log           string   `mapstructure:"log" yaml:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.protocol", ProtocolFilesystem)
	v.SetDefault("backend.path", "casproxy-data/blobs")
	v.SetDefault("dumps", "casproxy-data/dumps")
	v.SetDefault("catalog", "casproxy-data/catalog")
	v.SetDefault("readOnly", false)
	v.SetDefault("scratch.dir", "")
	v.SetDefault("scratch.memoryThreshold", "4MiB")
	v.SetDefault("backup.parallelism", 4)
	v.SetDefault("log", "info")
}

// Load the configuration from file, or from the default locations when file is empty.
//
// Settings may be overridden by CASPROXY_* environment variables, with dots replaced by
// underscores (e.g. CASPROXY_BACKEND_BUCKET).
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.casproxy")
		v.AddConfigPath("/etc/casproxy")
		v.SetConfigName("casproxy")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, ErrInvalidConfig.Wrap(err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, ErrInvalidConfig.Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate the consistency of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.validate("backend"); err != nil {
		return err
	}
	if c.BackupBackend != nil {
		if err := c.BackupBackend.validate("backupBackend"); err != nil {
			return err
		}
	}
	if c.Dumps == "" {
		return ErrInvalidConfig.WrapMessage("dumps directory is required")
	}
	if c.Catalog == "" {
		return ErrInvalidConfig.WrapMessage("catalog directory is required")
	}

	seen := make(map[string]struct{}, len(c.Users))
	for _, u := range c.Users {
		if u.Identity == "" || strings.ContainsAny(u.Identity, "\x00/") {
			return ErrInvalidConfig.WrapMessage("invalid user identity %q", u.Identity)
		}
		if _, dup := seen[u.Identity]; dup {
			return ErrInvalidConfig.WrapMessage("duplicate user identity %q", u.Identity)
		}
		seen[u.Identity] = struct{}{}
	}

	if c.Backup.Parallelism < 1 {
		return ErrInvalidConfig.WrapMessage("backup parallelism must be at least 1, got %d", c.Backup.Parallelism)
	}
	if _, err := c.MemoryThreshold(); err != nil {
		return err
	}
	return nil
}

func (b Backend) validate(key string) error {
	switch b.Protocol {
	case ProtocolS3, ProtocolGCS:
		if b.Bucket == "" {
			return ErrInvalidConfig.WrapMessage("%s: a bucket is required for the %s protocol", key, b.Protocol)
		}
	case ProtocolFilesystem:
		if b.Path == "" {
			return ErrInvalidConfig.WrapMessage("%s: a path is required for the filesystem protocol", key)
		}
	default:
		return ErrInvalidConfig.WrapMessage("%s: unsupported protocol %q", key, b.Protocol)
	}
	return nil
}

// MemoryThreshold is the scratch memory threshold, in bytes. Human-readable sizes such as "4MiB" or "512k" are accepted.
func (c *Config) MemoryThreshold() (int64, error) {
	if c.Scratch.MemoryThreshold == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(c.Scratch.MemoryThreshold)
	if err != nil {
		return 0, ErrInvalidConfig.Wrap(err)
	}
	return size, nil
}

// UserSecrets maps identities to their secret
func (c *Config) UserSecrets() map[string]string {
	users := make(map[string]string, len(c.Users))
	for _, u := range c.Users {
		users[u.Identity] = u.Secret
	}
	return users
}

// Dump writes the configuration as YAML, with secrets redacted
func (c Config) Dump(w io.Writer) error {
	redact := func(b Backend) Backend {
		if b.SecretAccessKey != "" {
			b.SecretAccessKey = redacted
		}
		return b
	}
	c.Backend = redact(c.Backend)
	if c.BackupBackend != nil {
		backup := redact(*c.BackupBackend)
		c.BackupBackend = &backup
	}
	users := make([]User, len(c.Users))
	for i, u := range c.Users {
		users[i] = User{Identity: u.Identity, Secret: redacted}
	}
	c.Users = users

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
