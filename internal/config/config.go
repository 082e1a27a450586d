// Package config loads engine settings from a YAML file, BOUNCEBACK_* environment
// variables and built-in defaults, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
	"github.com/kimhsiao/bounceback/backend/internal/sync/quota"
	"github.com/kimhsiao/bounceback/backend/internal/sync/retry"
	"github.com/kimhsiao/bounceback/backend/internal/sync/s3"
)

const (
	// EnvPrefix prefixes every environment override, e.g. BOUNCEBACK_SYNC_INTERVAL.
	EnvPrefix = "BOUNCEBACK"
	// FileName is the config file looked up when no path is given.
	FileName = "bounceback"
)

// Remote backend kinds.
const (
	RemoteMemory = "memory"
	RemoteDir    = "dir"
	RemoteS3     = "s3"
	RemoteMinIO  = "minio"
	RemoteR2     = "r2"
)

// Config holds every runtime setting.
type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	UserID  string `mapstructure:"user_id" yaml:"user_id"`
	// KeyDir holds the device key file. Defaults to DataDir.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir"`

	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Quota  QuotaConfig  `mapstructure:"quota" yaml:"quota"`
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Retention overrides max_age_days per entity type.
	Retention map[string]int `mapstructure:"retention" yaml:"retention,omitempty"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

// ServerConfig configures the local HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SyncConfig tunes background sync.
type SyncConfig struct {
	Interval              time.Duration `mapstructure:"interval" yaml:"interval"`
	QueueInterval         time.Duration `mapstructure:"queue_interval" yaml:"queue_interval"`
	PassTimeout           time.Duration `mapstructure:"pass_timeout" yaml:"pass_timeout"`
	QueueMaxSize          int           `mapstructure:"queue_max_size" yaml:"queue_max_size"`
	DispatchRatePerMinute int           `mapstructure:"dispatch_rate_per_minute" yaml:"dispatch_rate_per_minute"`
	DispatchBurst         int           `mapstructure:"dispatch_burst" yaml:"dispatch_burst"`
	Resync                RetryConfig   `mapstructure:"resync" yaml:"resync"`
}

// RetryConfig bounds ResyncEntity retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// QuotaConfig holds human-readable limits such as "200 MiB".
type QuotaConfig struct {
	SoftLimit string `mapstructure:"soft_limit" yaml:"soft_limit"`
	HardLimit string `mapstructure:"hard_limit" yaml:"hard_limit"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

// RemoteConfig selects and configures the remote backend.
type RemoteConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`
	Dir             string `mapstructure:"dir" yaml:"dir,omitempty"`
	Bucket          string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	AccountID       string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	UseSSL          bool   `mapstructure:"use_ssl" yaml:"use_ssl,omitempty"`
}

// DefaultDataDir returns ~/.bounceback, or ./data when no home directory is known.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return filepath.Join(home, ".bounceback")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("user_id", "")
	v.SetDefault("key_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("server.addr", "localhost:8090")

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.queue_interval", time.Minute)
	v.SetDefault("sync.pass_timeout", 5*time.Minute)
	v.SetDefault("sync.queue_max_size", 10000)
	v.SetDefault("sync.dispatch_rate_per_minute", 120)
	v.SetDefault("sync.dispatch_burst", 10)
	v.SetDefault("sync.resync.max_attempts", retry.DefaultPolicy.MaxAttempts)
	v.SetDefault("sync.resync.base_delay", retry.DefaultPolicy.BaseDelay)
	v.SetDefault("sync.resync.max_delay", retry.DefaultPolicy.MaxDelay)

	v.SetDefault("quota.soft_limit", "200 MiB")
	v.SetDefault("quota.hard_limit", "256 MiB")
	v.SetDefault("quota.batch_size", quota.DefaultBatchSize)

	v.SetDefault("remote.backend", RemoteMemory)
	v.SetDefault("remote.dir", "")
	v.SetDefault("remote.bucket", "")
	v.SetDefault("remote.region", "")
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.access_key_id", "")
	v.SetDefault("remote.secret_access_key", "")
	v.SetDefault("remote.prefix", "")
	v.SetDefault("remote.account_id", "")
	v.SetDefault("remote.use_ssl", false)
}

// Load reads configuration. An empty path searches the working directory and
// DefaultDataDir for bounceback.yaml; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config "+path, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DefaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if cfg.KeyDir == "" {
		cfg.KeyDir = cfg.DataDir
	}
	if cfg.Remote.Backend == RemoteDir && cfg.Remote.Dir == "" && cfg.DataDir != "" {
		cfg.Remote.Dir = filepath.Join(cfg.DataDir, "remote")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrInvalid, "data_dir is required")
	}
	if c.Sync.Interval <= 0 || c.Sync.QueueInterval <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "sync intervals must be positive")
	}
	if _, err := c.QuotaLimits(); err != nil {
		return err
	}
	switch c.Remote.Backend {
	case RemoteMemory, RemoteS3, RemoteMinIO, RemoteR2:
	case RemoteDir:
		if c.Remote.Dir == "" {
			return apperrors.New(apperrors.ErrInvalid, "remote.dir is required for the dir backend")
		}
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown remote backend %q", c.Remote.Backend))
	}
	specs := models.SpecByType(models.DefaultEntitySpecs())
	for entityType, days := range c.Retention {
		if _, ok := specs[entityType]; !ok {
			return apperrors.New(apperrors.ErrInvalid, "retention for unknown entity "+entityType)
		}
		if days <= 0 {
			return apperrors.New(apperrors.ErrInvalid, "retention for "+entityType+" must be positive")
		}
	}
	return nil
}

// QuotaLimits parses the configured storage limits.
func (c *Config) QuotaLimits() (quota.Limits, error) {
	soft, err := humanize.ParseBytes(c.Quota.SoftLimit)
	if err != nil {
		return quota.Limits{}, apperrors.Wrap(apperrors.ErrInvalid, "quota.soft_limit", err)
	}
	hard, err := humanize.ParseBytes(c.Quota.HardLimit)
	if err != nil {
		return quota.Limits{}, apperrors.Wrap(apperrors.ErrInvalid, "quota.hard_limit", err)
	}
	if soft > hard {
		return quota.Limits{}, apperrors.New(apperrors.ErrInvalid, "quota.soft_limit exceeds quota.hard_limit")
	}
	return quota.Limits{SoftLimitBytes: int64(soft), HardLimitBytes: int64(hard)}, nil
}

// Specs returns the entity specs with retention overrides applied.
func (c *Config) Specs() []models.EntitySpec {
	specs := models.DefaultEntitySpecs()
	for i := range specs {
		days, ok := c.Retention[specs[i].Type]
		if !ok {
			continue
		}
		if specs[i].Retention == nil {
			specs[i].Retention = &models.RetentionPolicy{AppliesToSyncedOnly: true}
		}
		specs[i].Retention.MaxAgeDays = days
	}
	return specs
}

// ResyncPolicy returns the ResyncEntity retry policy.
func (c *Config) ResyncPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Sync.Resync.MaxAttempts,
		BaseDelay:   c.Sync.Resync.BaseDelay,
		MaxDelay:    c.Sync.Resync.MaxDelay,
	}
}

// S3Config builds the object store configuration for the s3, minio and r2 backends.
func (c *Config) S3Config() (s3.Config, error) {
	r := c.Remote
	switch r.Backend {
	case RemoteS3:
		cfg := s3.AWSConfig{BucketName: r.Bucket, AccessKey: r.AccessKeyID, SecretKey: r.SecretAccessKey,
			Region: r.Region, Prefix: r.Prefix}.Config()
		if r.Endpoint != "" {
			cfg.Endpoint = r.Endpoint
		}
		return cfg, cfg.Validate()
	case RemoteMinIO:
		cfg, err := s3.MinIOConfig{Endpoint: r.Endpoint, BucketName: r.Bucket, AccessKey: r.AccessKeyID,
			SecretKey: r.SecretAccessKey, UseSSL: r.UseSSL, Prefix: r.Prefix}.Config()
		if err != nil {
			return s3.Config{}, err
		}
		return cfg, cfg.Validate()
	case RemoteR2:
		cfg, err := s3.R2Config{AccountID: r.AccountID, BucketName: r.Bucket, AccessKey: r.AccessKeyID,
			SecretKey: r.SecretAccessKey, Prefix: r.Prefix}.Config()
		if err != nil {
			return s3.Config{}, err
		}
		return cfg, cfg.Validate()
	}
	return s3.Config{}, apperrors.New(apperrors.ErrSyncNotConfigured, "remote backend "+r.Backend+" is not object storage")
}
