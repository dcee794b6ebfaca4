package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Resolver   ResolverConfig   `yaml:"resolver" mapstructure:"resolver"`
	Retention  RetentionConfig  `yaml:"retention" mapstructure:"retention"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig configures export staging and the canonical merge.
type IngestConfig struct {
	// BatchSize caps the number of staged records merged per outer transaction.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// Columns names the export headers holding the three extracted keys.
	Columns ColumnsConfig `yaml:"columns" mapstructure:"columns"`
}

// ColumnsConfig maps export headers onto the staged record keys.
type ColumnsConfig struct {
	LotID           string `yaml:"lot_id" mapstructure:"lot_id"`
	VehicleID       string `yaml:"vehicle_id" mapstructure:"vehicle_id"`
	SourceTimestamp string `yaml:"source_timestamp" mapstructure:"source_timestamp"`
}

// ResolverConfig configures outcome inference.
type ResolverConfig struct {
	GracePeriodHours    int `yaml:"grace_period_hours" mapstructure:"grace_period_hours"`
	ApprovalWindowHours int `yaml:"approval_window_hours" mapstructure:"approval_window_hours"`
	BatchSize           int `yaml:"batch_size" mapstructure:"batch_size"`
}

// GracePeriod returns the grace period as a duration.
func (r ResolverConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodHours) * time.Hour
}

// ApprovalWindow returns the on-approval waiting window as a duration.
func (r ResolverConfig) ApprovalWindow() time.Duration {
	return time.Duration(r.ApprovalWindowHours) * time.Hour
}

// RetentionConfig configures pruning of snapshots and staged rows.
type RetentionConfig struct {
	SnapshotDays int `yaml:"snapshot_days" mapstructure:"snapshot_days"`
	KeepMin      int `yaml:"keep_min" mapstructure:"keep_min"`
}

// MonitoringConfig configures health summaries and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	AlertsPerMinute     int     `yaml:"alerts_per_minute" mapstructure:"alerts_per_minute"`
}

// ServerConfig configures the read-only HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// RetryConfig configures store connection retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.columns.lot_id", "lot_number")
	v.SetDefault("ingest.columns.vehicle_id", "vin")
	v.SetDefault("ingest.columns.source_timestamp", "last_updated")
	v.SetDefault("resolver.grace_period_hours", 24)
	v.SetDefault("resolver.approval_window_hours", 168)
	v.SetDefault("resolver.batch_size", 1000)
	v.SetDefault("retention.snapshot_days", 30)
	v.SetDefault("retention.keep_min", 2)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("monitoring.alerts_per_minute", 6)
	v.SetDefault("server.port", 8080)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 500)
}

// Validate rejects settings the batch jobs cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Ingest.BatchSize <= 0:
		return eris.New("config: ingest.batch_size must be positive")
	case c.Resolver.BatchSize <= 0:
		return eris.New("config: resolver.batch_size must be positive")
	case c.Resolver.GracePeriodHours < 0:
		return eris.New("config: resolver.grace_period_hours must not be negative")
	case c.Resolver.ApprovalWindowHours < c.Resolver.GracePeriodHours:
		return eris.New("config: resolver.approval_window_hours must be at least the grace period")
	case c.Retention.KeepMin < 2:
		return eris.New("config: retention.keep_min must keep at least two snapshots for diffing")
	case c.Ingest.Columns.LotID == "" || c.Ingest.Columns.SourceTimestamp == "":
		return eris.New("config: ingest.columns.lot_id and ingest.columns.source_timestamp are required")
	}
	return nil
}

// WriteExample writes the effective configuration as YAML to path.
func WriteExample(cfg *Config, path string) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "config: marshal example")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return eris.Wrapf(err, "config: write %s", path)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
