package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"noderepl/pkg/errs"
)

// Config - root configuration of a replicated structure and its server.
// yaml and validate tags are used for parsing and validation.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger" validate:"required"`
	Log      LogConfig      `yaml:"log" validate:"required"`
	Replica  ReplicaConfig  `yaml:"replica" validate:"required"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Memtable MemtableConfig `yaml:"memtable"`
	Server   ServerConfig   `yaml:"http-server" validate:"required"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// LogConfig describes the shared operation logs.
type LogConfig struct {
	SizeBytes int `yaml:"size_bytes" validate:"required,min=1"`
	// Logs > 1 enables commutativity based routing; operations are spread
	// over the logs by their LogMapper hash.
	Logs int `yaml:"logs" validate:"required,min=1,max=64"`
}

type ReplicaConfig struct {
	Replicas      int `yaml:"replicas" validate:"required,min=1"`
	MaxThreads    int `yaml:"max_threads" validate:"required,min=1,max=256"`
	MaxPendingOps int `yaml:"max_pending_ops" validate:"required,min=1,max=256"`
	MaxBatch      int `yaml:"max_batch" validate:"required,min=1"`
	// SerializeDispatch forces the replica read/write lock even with several
	// logs, for structures that are not safe for concurrent mutation.
	SerializeDispatch bool          `yaml:"serialize_dispatch"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
}

type BackoffConfig struct {
	SpinIterations int           `yaml:"spin_iterations" validate:"min=0"`
	YieldAfter     int           `yaml:"yield_after" validate:"min=0"`
	MaxSleep       time.Duration `yaml:"max_sleep"`
}

type MemtableConfig struct {
	// MaxEntryBytes bounds key+value size; 0 disables the check.
	MaxEntryBytes int `yaml:"max_entry_bytes" validate:"min=0"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	// TokensPerReplica is the number of request slots registered with every
	// replica. One more thread per replica is used by its syncer.
	TokensPerReplica int `yaml:"tokens_per_replica" validate:"required,min=1"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

const (
	DefaultLogBytes      = 32 * 1024 * 1024
	MaxThreadsPerReplica = 256
	MaxLogs              = 64
)

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Log: LogConfig{
			SizeBytes: DefaultLogBytes,
			Logs:      1,
		},
		Replica: ReplicaConfig{
			Replicas:      2,
			MaxThreads:    MaxThreadsPerReplica,
			MaxPendingOps: 32,
			MaxBatch:      MaxThreadsPerReplica * 32,
			SyncInterval:  10 * time.Millisecond,
		},
		Backoff: BackoffConfig{
			SpinIterations: 16,
			YieldAfter:     1 << 12,
			MaxSleep:       50 * time.Microsecond,
		},
		Memtable: MemtableConfig{
			MaxEntryBytes: 1 << 20,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			TokensPerReplica:  64,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "noderepl",
		},
	}
}

// Load reads a YAML config from path on top of Default. A missing file is not
// an error: the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Logger.Level {
	case "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error":
	default:
		return invalid("logger.level %q", c.Logger.Level)
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Replica.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("http-server.port %d", c.Server.Port)
	}
	if c.Memtable.MaxEntryBytes < 0 {
		return invalid("memtable.max_entry_bytes %d", c.Memtable.MaxEntryBytes)
	}
	if c.Server.TokensPerReplica < 1 || c.Server.TokensPerReplica >= c.Replica.MaxThreads {
		return invalid("http-server.tokens_per_replica %d", c.Server.TokensPerReplica)
	}
	return nil
}

func (c *LogConfig) Validate() error {
	if c.SizeBytes <= 0 {
		return invalid("log.size_bytes %d", c.SizeBytes)
	}
	if c.Logs < 1 || c.Logs > MaxLogs {
		return invalid("log.logs %d", c.Logs)
	}
	return nil
}

func (c *ReplicaConfig) Validate() error {
	if c.Replicas < 1 {
		return invalid("replica.replicas %d", c.Replicas)
	}
	if c.MaxThreads < 1 || c.MaxThreads > MaxThreadsPerReplica {
		return invalid("replica.max_threads %d", c.MaxThreads)
	}
	if c.MaxPendingOps < 1 || c.MaxPendingOps > 256 || c.MaxPendingOps&(c.MaxPendingOps-1) != 0 {
		return invalid("replica.max_pending_ops %d (power of two in [1, 256])", c.MaxPendingOps)
	}
	if c.MaxBatch < 1 {
		return invalid("replica.max_batch %d", c.MaxBatch)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidArgument}, args...)...)
}
