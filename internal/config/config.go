package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for sharedrop
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Public URL used to build share links and QR codes
	PublicURL string `mapstructure:"public_url"` // e.g., https://drop.example.com

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	Share     ShareConfig     `mapstructure:"share"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ShareConfig controls code generation and share lifetime
type ShareConfig struct {
	CodeLength         int    `mapstructure:"code_length"`
	DefaultExpiryHours int    `mapstructure:"default_expiry_hours"`
	MaxExpiryHours     int    `mapstructure:"max_expiry_hours"`
	MaxCodeAttempts    int    `mapstructure:"max_code_attempts"`
	MaxUploadSize      string `mapstructure:"max_upload_size"` // human readable, e.g. 25MB

	// MaxUploadBytes is MaxUploadSize parsed by validate
	MaxUploadBytes int64 `mapstructure:"-"`
}

// StorageConfig defines the share store backend
type StorageConfig struct {
	Backend    string   `mapstructure:"backend"` // sqlite, badger, pebble, memory, s3, postgres, mysql, gormlite
	DSN        string   `mapstructure:"dsn"`
	SyncWrites bool     `mapstructure:"sync_writes"`
	S3         S3Config `mapstructure:"s3"`
}

// S3Config defines the S3 backend
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// SweepConfig defines the background expiry sweep
type SweepConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// RateLimitConfig defines per-client request limits
type RateLimitConfig struct {
	Enable            bool    `mapstructure:"enable"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CORSConfig defines cross-origin access
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig defines remote log outputs
type LoggingConfig struct {
	Syslog SyslogConfig  `mapstructure:"syslog"`
	HTTP   HTTPLogConfig `mapstructure:"http"`
}

// SyslogConfig ships logs to a syslog server
type SyslogConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Protocol string `mapstructure:"protocol"` // tcp or udp
	Address  string `mapstructure:"address"`  // host:port
	Tag      string `mapstructure:"tag"`
	Level    string `mapstructure:"level"`
}

// HTTPLogConfig ships batched JSON logs to an HTTP endpoint
type HTTPLogConfig struct {
	Enable        bool          `mapstructure:"enable"`
	URL           string        `mapstructure:"url"`
	AuthToken     string        `mapstructure:"auth_token"`
	Level         string        `mapstructure:"level"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Storage backends
const (
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendPebble   = "pebble"
	BackendMemory   = "memory"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendGormlite = "gormlite"
)

const (
	minCodeLength = 4
	maxCodeLength = 50

	// share.MaxExpiryHours; requests above it are rejected outright
	expiryHoursCeiling = 87600
)

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SHAREDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("enable_tls", false)

	v.SetDefault("share.code_length", 8)
	v.SetDefault("share.default_expiry_hours", 24)
	v.SetDefault("share.max_expiry_hours", 8760)
	v.SetDefault("share.max_code_attempts", 10)
	v.SetDefault("share.max_upload_size", "25MB")

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.sync_writes", false)
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "sharedrop/")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_path_style", false)

	v.SetDefault("sweep.enable", true)
	v.SetDefault("sweep.interval", "1h")

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.enable", true)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("logging.syslog.enable", false)
	v.SetDefault("logging.syslog.protocol", "tcp")
	v.SetDefault("logging.syslog.address", "localhost:514")
	v.SetDefault("logging.syslog.tag", "sharedrop")
	v.SetDefault("logging.syslog.level", "info")
	v.SetDefault("logging.http.enable", false)
	v.SetDefault("logging.http.url", "")
	v.SetDefault("logging.http.auth_token", "")
	v.SetDefault("logging.http.level", "info")
	v.SetDefault("logging.http.batch_size", 100)
	v.SetDefault("logging.http.flush_interval", "5s")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"public-url":      "public_url",
		"tls-cert":        "cert_file",
		"tls-key":         "key_file",
		"enable-tls":      "enable_tls",
		"storage-backend": "storage.backend",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or SHAREDROP_DATA_DIR environment variable")
	}

	if cfg.Share.CodeLength < minCodeLength || cfg.Share.CodeLength > maxCodeLength {
		return fmt.Errorf("share.code_length must be between %d and %d, got %d", minCodeLength, maxCodeLength, cfg.Share.CodeLength)
	}
	if cfg.Share.DefaultExpiryHours <= 0 {
		return fmt.Errorf("share.default_expiry_hours must be positive")
	}
	if cfg.Share.MaxExpiryHours <= 0 || cfg.Share.MaxExpiryHours > expiryHoursCeiling {
		return fmt.Errorf("share.max_expiry_hours must be between 1 and %d, got %d", expiryHoursCeiling, cfg.Share.MaxExpiryHours)
	}
	if cfg.Share.DefaultExpiryHours > cfg.Share.MaxExpiryHours {
		return fmt.Errorf("share.default_expiry_hours (%d) cannot exceed share.max_expiry_hours (%d)",
			cfg.Share.DefaultExpiryHours, cfg.Share.MaxExpiryHours)
	}
	if cfg.Share.MaxCodeAttempts <= 0 {
		return fmt.Errorf("share.max_code_attempts must be positive")
	}

	size, err := humanize.ParseBytes(cfg.Share.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("invalid share.max_upload_size %q: %w", cfg.Share.MaxUploadSize, err)
	}
	if size == 0 {
		return fmt.Errorf("share.max_upload_size must be greater than zero")
	}
	cfg.Share.MaxUploadBytes = int64(size)

	if err := validateStorage(cfg); err != nil {
		return err
	}

	if cfg.Sweep.Enable && cfg.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive when the sweep is enabled")
	}

	if cfg.RateLimit.Enable {
		if cfg.RateLimit.RequestsPerSecond <= 0 || cfg.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
		}
	}

	if cfg.Metrics.Enable && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	return nil
}

func validateStorage(cfg *Config) error {
	storage := &cfg.Storage
	storage.Backend = strings.ToLower(storage.Backend)

	switch storage.Backend {
	case BackendMemory:
		return nil
	case BackendS3:
		if storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		return nil
	case BackendPostgres, BackendMySQL:
		if storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s backend", storage.Backend)
		}
		return nil
	case BackendSQLite, BackendBadger, BackendPebble, BackendGormlite:
	default:
		return fmt.Errorf("unknown storage.backend %q", storage.Backend)
	}

	// The remaining backends keep their files under data_dir
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if storage.DSN == "" {
		switch storage.Backend {
		case BackendSQLite:
			storage.DSN = filepath.Join(cfg.DataDir, "shares.db")
		case BackendGormlite:
			storage.DSN = filepath.Join(cfg.DataDir, "shares-gorm.db")
		}
	}

	logrus.WithFields(logrus.Fields{
		"backend":  storage.Backend,
		"data_dir": cfg.DataDir,
	}).Debug("Storage configuration resolved")

	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if cfg.Syslog.Enable {
		switch cfg.Syslog.Protocol {
		case "tcp", "udp":
		default:
			return fmt.Errorf("logging.syslog.protocol must be tcp or udp, got %q", cfg.Syslog.Protocol)
		}
		if cfg.Syslog.Address == "" {
			return fmt.Errorf("logging.syslog.address is required when syslog is enabled")
		}
	}
	if cfg.HTTP.Enable && cfg.HTTP.URL == "" {
		return fmt.Errorf("logging.http.url is required when http logging is enabled")
	}
	return nil
}
