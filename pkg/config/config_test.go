package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"noderepl/pkg/errs"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
logger:
  level: debug
  json: true
log:
  size_bytes: 1048576
  logs: 4
replica:
  replicas: 3
  max_threads: 16
  max_pending_ops: 4
  max_batch: 64
  sync_interval: 5ms
http-server:
  tokens_per_replica: 8
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, 1<<20, cfg.Log.SizeBytes)
	require.Equal(t, 4, cfg.Log.Logs)
	require.Equal(t, 3, cfg.Replica.Replicas)
	require.Equal(t, 4, cfg.Replica.MaxPendingOps)
	require.Equal(t, 5*time.Millisecond, cfg.Replica.SyncInterval)
	require.Equal(t, 8, cfg.Server.TokensPerReplica)
	// untouched fields and sections keep their defaults
	require.Equal(t, Default().Server.Port, cfg.Server.Port)
	require.Equal(t, Default().Metrics, cfg.Metrics)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero log size":       func(c *Config) { c.Log.SizeBytes = 0 },
		"too many logs":       func(c *Config) { c.Log.Logs = MaxLogs + 1 },
		"no replicas":         func(c *Config) { c.Replica.Replicas = 0 },
		"threads over limit":  func(c *Config) { c.Replica.MaxThreads = MaxThreadsPerReplica + 1 },
		"pending not pow2":    func(c *Config) { c.Replica.MaxPendingOps = 3 },
		"zero batch":          func(c *Config) { c.Replica.MaxBatch = 0 },
		"bad level":           func(c *Config) { c.Logger.Level = "trace" },
		"tokens above thread": func(c *Config) { c.Server.TokensPerReplica = c.Replica.MaxThreads },
		"negative entry size": func(c *Config) { c.Memtable.MaxEntryBytes = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), errs.ErrInvalidArgument)
		})
	}
}
