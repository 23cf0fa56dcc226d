package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
backend:
  protocol: s3
  endpoint: http://localhost:9000
  region: us-west-2
  bucket: blobs
  accessKeyId: AKIA
  secretAccessKey: very-secret
backupBackend:
  protocol: filesystem
  path: /var/backup
dumps: /var/dumps
catalog: /var/catalog
users:
  - identity: Alice
    secret: alice-secret
  - identity: bob
    secret: bob-secret
scratch:
  dir: /tmp
  memoryThreshold: 512KiB
backup:
  parallelism: 8
log: debug
`

func writeConfig(t *testing.T, content string) string {
	file := filepath.Join(t.TempDir(), "casproxy.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ProtocolS3, cfg.Backend.Protocol)
	assert.Equal(t, "blobs", cfg.Backend.Bucket)
	assert.Equal(t, "AKIA", cfg.Backend.AccessKeyID)
	assert.Equal(t, "very-secret", cfg.Backend.SecretAccessKey)
	require.NotNil(t, cfg.BackupBackend)
	assert.Equal(t, "/var/backup", cfg.BackupBackend.Path)
	assert.Equal(t, "/var/dumps", cfg.Dumps)
	assert.Equal(t, "/var/catalog", cfg.Catalog)
	assert.Equal(t, map[string]string{"Alice": "alice-secret", "bob": "bob-secret"}, cfg.UserSecrets(), "identities keep their case")
	assert.False(t, cfg.ReadOnly)
	assert.Equal(t, 8, cfg.Backup.Parallelism)
	assert.Equal(t, "debug", cfg.Log)

	threshold, err := cfg.MemoryThreshold()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024), threshold)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, ProtocolFilesystem, cfg.Backend.Protocol)
	assert.NotEmpty(t, cfg.Backend.Path)
	assert.Nil(t, cfg.BackupBackend)
	assert.Equal(t, 4, cfg.Backup.Parallelism)
	assert.Equal(t, "warn", cfg.Log)

	threshold, err := cfg.MemoryThreshold()
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), threshold)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("CASPROXY_READONLY", "true")
	t.Setenv("CASPROXY_BACKEND_BUCKET", "other-bucket")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, "other-bucket", cfg.Backend.Bucket)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(writeConfig(t, "backend: [not, a, map\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backend: Backend{Protocol: ProtocolFilesystem, Path: "/blobs"},
			Dumps:   "/dumps",
			Catalog: "/catalog",
			Users:   []User{{Identity: "alice", Secret: "x"}},
			Scratch: Scratch{MemoryThreshold: "1MiB"},
			Backup:  Backup{Parallelism: 1},
		}
	}
	require.NoError(t, valid().Validate())

	for name, mutate := range map[string]func(*Config){
		"unknown protocol":     func(c *Config) { c.Backend.Protocol = "ftp" },
		"s3 without bucket":    func(c *Config) { c.Backend = Backend{Protocol: ProtocolS3} },
		"gcs without bucket":   func(c *Config) { c.Backend = Backend{Protocol: ProtocolGCS} },
		"filesystem no path":   func(c *Config) { c.Backend.Path = "" },
		"invalid backup":       func(c *Config) { c.BackupBackend = &Backend{Protocol: ProtocolS3} },
		"no dumps":             func(c *Config) { c.Dumps = "" },
		"no catalog":           func(c *Config) { c.Catalog = "" },
		"empty identity":       func(c *Config) { c.Users = append(c.Users, User{}) },
		"identity with slash":  func(c *Config) { c.Users = append(c.Users, User{Identity: "a/b"}) },
		"duplicate identity":   func(c *Config) { c.Users = append(c.Users, User{Identity: "alice"}) },
		"zero parallelism":     func(c *Config) { c.Backup.Parallelism = 0 },
		"unparsable threshold": func(c *Config) { c.Scratch.MemoryThreshold = "lots" },
	} {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDump(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	out := buf.String()
	assert.NotContains(t, out, "very-secret")
	assert.NotContains(t, out, "alice-secret")
	assert.Contains(t, out, "bucket: blobs")
	assert.Contains(t, out, "identity: Alice")
	assert.Equal(t, "very-secret", cfg.Backend.SecretAccessKey, "dumping leaves the configuration untouched")
	assert.Equal(t, "alice-secret", cfg.Users[0].Secret)
}
