package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Library   LibraryConfig   `mapstructure:"library"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Origin    OriginConfig    `mapstructure:"origin"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LibraryConfig describes the local mirror tree.
type LibraryConfig struct {
	CacheRoot string `mapstructure:"cache_root"`
	HashCheck bool   `mapstructure:"hash_check"`
}

// QueueConfig holds download queue settings.
type QueueConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	WorkerPath   string `mapstructure:"worker_path"`
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// OriginConfig points at the remote archive.
type OriginConfig struct {
	MetadataURL string        `mapstructure:"metadata_url"`
	DownloadURL string        `mapstructure:"download_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// RetryConfig configures exponential backoff for network calls.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// CacheConfig configures the two-tier metadata cache.
type CacheConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	MaxItems  int           `mapstructure:"max_items"`
	BucketURL string        `mapstructure:"bucket_url"`
}

// WorkerConfig holds settings read by the worker binary.
type WorkerConfig struct {
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// SchedulerConfig holds cron expressions for background tasks.
type SchedulerConfig struct {
	ReconcileCron string `mapstructure:"reconcile_cron"`
	VerifyCron    string `mapstructure:"verify_cron"`
	RefreshCron   string `mapstructure:"refresh_cron"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Database: DatabaseConfig{
			Path: "./data/arcmirror.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Library: LibraryConfig{
			CacheRoot: "./library",
			HashCheck: true,
		},
		Queue: QueueConfig{
			Concurrency: 3,
			WorkerPath:  "arcmirror-worker",
		},
		Origin: OriginConfig{
			MetadataURL: "https://archive.org/metadata",
			DownloadURL: "https://archive.org/download",
			Timeout:     30 * time.Second,
			UserAgent:   "arcmirror/" + Version,
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		},
		Cache: CacheConfig{
			TTL:       time.Hour,
			MaxItems:  1000,
			BucketURL: "file://./data/cache",
		},
		Worker: WorkerConfig{
			StallTimeout:     60 * time.Second,
			ProgressInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			ReconcileCron: "* * * * *",
			VerifyCron:    "0 3 * * *",
			RefreshCron:   "30 4 * * 0",
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > .env file > config file > defaults
func Load(configPath string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.arcmirror")
	}

	v.SetEnvPrefix("ARCMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults mirrors Default() into viper so env-only keys resolve.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("library.cache_root", d.Library.CacheRoot)
	v.SetDefault("library.hash_check", d.Library.HashCheck)

	v.SetDefault("queue.concurrency", d.Queue.Concurrency)
	v.SetDefault("queue.worker_path", d.Queue.WorkerPath)
	v.SetDefault("queue.snapshot_path", d.Queue.SnapshotPath)

	v.SetDefault("origin.metadata_url", d.Origin.MetadataURL)
	v.SetDefault("origin.download_url", d.Origin.DownloadURL)
	v.SetDefault("origin.timeout", d.Origin.Timeout)
	v.SetDefault("origin.user_agent", d.Origin.UserAgent)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)

	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.max_items", d.Cache.MaxItems)
	v.SetDefault("cache.bucket_url", d.Cache.BucketURL)

	v.SetDefault("worker.stall_timeout", d.Worker.StallTimeout)
	v.SetDefault("worker.progress_interval", d.Worker.ProgressInterval)

	v.SetDefault("scheduler.reconcile_cron", d.Scheduler.ReconcileCron)
	v.SetDefault("scheduler.verify_cron", d.Scheduler.VerifyCron)
	v.SetDefault("scheduler.refresh_cron", d.Scheduler.RefreshCron)
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Library.CacheRoot == "" {
		return fmt.Errorf("library.cache_root must be set")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Origin.MetadataURL == "" || c.Origin.DownloadURL == "" {
		return fmt.Errorf("origin.metadata_url and origin.download_url must be set")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
