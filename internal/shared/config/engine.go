package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EngineConfig contains all configuration for the view execution engine.
type EngineConfig struct {
	Job     JobConfig     `mapstructure:"job"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Storage StorageConfig `mapstructure:"storage"`
	REST    RESTConfig    `mapstructure:"rest"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// JobConfig contains job timing configuration.
type JobConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	TaskExpiry     time.Duration `mapstructure:"task_expiry"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	Retention      time.Duration `mapstructure:"retention"`
}

// PoolConfig sizes the worker pool. Workers is the number of resident
// workers, MaxWorkers caps resident plus overflow workers.
type PoolConfig struct {
	Workers    int `mapstructure:"workers"`
	MaxWorkers int `mapstructure:"max_workers"`
	QueueSize  int `mapstructure:"queue_size"`
}

// StorageConfig selects and configures the block storage backend.
type StorageConfig struct {
	Type      string        `mapstructure:"type"`
	Root      string        `mapstructure:"root"`
	Pattern   string        `mapstructure:"pattern"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	S3        S3Config      `mapstructure:"s3"`
}

// S3Config contains the object store location of views.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// GRPCConfig contains gRPC health server configuration.
type GRPCConfig struct {
	Addr             string        `mapstructure:"addr"`
	EnableReflection bool          `mapstructure:"enable_reflection"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

// LoadEngine loads the engine configuration from the given path.
// If configPath is empty, it looks for engine.yaml in the config/ directory.
// Environment variables with MVEXEC_ prefix override config file values and
// flags, when given, override both.
func LoadEngine(configPath string, flags *pflag.FlagSet) (*EngineConfig, error) {
	v := viper.New()

	v.SetDefault("job.timeout", 10*time.Minute)
	v.SetDefault("job.task_expiry", 5*time.Minute)
	v.SetDefault("job.poll_interval", 10*time.Second)
	v.SetDefault("job.update_interval", time.Second)
	v.SetDefault("job.retention", 10*time.Minute)
	v.SetDefault("pool.workers", 2*runtime.NumCPU())
	v.SetDefault("pool.max_workers", 4*runtime.NumCPU())
	v.SetDefault("pool.queue_size", 256)
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.root", "./views")
	v.SetDefault("storage.pattern", "**/*.blk")
	v.SetDefault("storage.cache_size", 128)
	v.SetDefault("storage.cache_ttl", "30s")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.enable_reflection", true)
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("engine")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MVEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("error binding flags: %w", err)
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values that the engine cannot run without.
func (c *EngineConfig) Validate() error {
	if c.Pool.Workers < 1 {
		return errors.New("pool.workers must be at least 1")
	}
	if c.Pool.MaxWorkers < c.Pool.Workers {
		return fmt.Errorf("pool.max_workers (%d) must not be lower than pool.workers (%d)", c.Pool.MaxWorkers, c.Pool.Workers)
	}
	if c.Pool.QueueSize < 0 {
		return errors.New("pool.queue_size must not be negative")
	}
	durations := map[string]time.Duration{
		"job.timeout":         c.Job.Timeout,
		"job.task_expiry":     c.Job.TaskExpiry,
		"job.poll_interval":   c.Job.PollInterval,
		"job.update_interval": c.Job.UpdateInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}
