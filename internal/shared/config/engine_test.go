package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadEngine_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadEngine("", nil)
	require.NoError(t, err)

	require.Equal(t, 10*time.Minute, cfg.Job.Timeout)
	require.Equal(t, 5*time.Minute, cfg.Job.TaskExpiry)
	require.Equal(t, 10*time.Second, cfg.Job.PollInterval)
	require.Equal(t, "local", cfg.Storage.Type)
	require.Equal(t, "**/*.blk", cfg.Storage.Pattern)
	require.Equal(t, 30*time.Second, cfg.Storage.CacheTTL)
	require.GreaterOrEqual(t, cfg.Pool.Workers, 2)
	require.GreaterOrEqual(t, cfg.Pool.MaxWorkers, cfg.Pool.Workers)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEngine_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := []byte(`
job:
  timeout: 30s
  poll_interval: 2s
pool:
  workers: 3
  max_workers: 6
storage:
  root: /data/views
logging:
  format: text
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("MVEXEC_JOB_TASK_EXPIRY", "7s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("pool.workers", 0, "")
	require.NoError(t, flags.Parse([]string{"--pool.workers=4"}))

	cfg, err := LoadEngine(path, flags)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Job.Timeout)
	require.Equal(t, 2*time.Second, cfg.Job.PollInterval)
	require.Equal(t, 7*time.Second, cfg.Job.TaskExpiry)
	require.Equal(t, 4, cfg.Pool.Workers)
	require.Equal(t, 6, cfg.Pool.MaxWorkers)
	require.Equal(t, "/data/views", cfg.Storage.Root)
	require.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadEngine_MissingExplicitFile(t *testing.T) {
	_, err := LoadEngine(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestEngineConfig_Validate(t *testing.T) {
	valid := func() EngineConfig {
		return EngineConfig{
			Job: JobConfig{
				Timeout:        time.Minute,
				TaskExpiry:     time.Minute,
				PollInterval:   time.Second,
				UpdateInterval: time.Second,
			},
			Pool:    PoolConfig{Workers: 2, MaxWorkers: 4},
			Storage: StorageConfig{Type: "local"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *EngineConfig)
		wantErr bool
	}{
		{"valid", func(c *EngineConfig) {}, false},
		{"no workers", func(c *EngineConfig) { c.Pool.Workers = 0 }, true},
		{"max below workers", func(c *EngineConfig) { c.Pool.MaxWorkers = 1 }, true},
		{"zero timeout", func(c *EngineConfig) { c.Job.Timeout = 0 }, true},
		{"unknown storage", func(c *EngineConfig) { c.Storage.Type = "ftp" }, true},
		{"s3 without bucket", func(c *EngineConfig) { c.Storage.Type = "s3" }, true},
		{"s3 with bucket", func(c *EngineConfig) {
			c.Storage.Type = "s3"
			c.Storage.S3.Bucket = "views"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
