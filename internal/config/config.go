package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/ligustah/modelcache/internal/progress"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "MODELCACHE"

// Config defines configuration for the modelcache CLI.
type Config struct {
	DataDir           string        `yaml:"data_dir" envconfig:"DATA_DIR"`
	CatalogFile       string        `yaml:"catalog" envconfig:"CATALOG"`
	FlagStore         string        `yaml:"flag_store" envconfig:"FLAG_STORE"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" envconfig:"INACTIVITY_TIMEOUT"`
	ProgressInterval  time.Duration `yaml:"progress_interval" envconfig:"PROGRESS_INTERVAL"`
	MinFreeSpace      Size          `yaml:"min_free_space" envconfig:"MIN_FREE_SPACE"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer" envconfig:"SUBSCRIBER_BUFFER"`
	Log               LogConfig     `yaml:"log" envconfig:"LOG"`
	Retry             RetryConfig   `yaml:"retry" envconfig:"RETRY"`
}

// LogConfig defines logger construction.
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// RetryConfig defines retry behavior for establishing a transfer.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts" envconfig:"ATTEMPTS"`
	Backoff    time.Duration `yaml:"backoff" envconfig:"BACKOFF"`
	MaxBackoff time.Duration `yaml:"max_backoff" envconfig:"MAX_BACKOFF"`
}

// Size is a byte count that decodes from strings such as "512MB".
type Size int64

// Decode implements envconfig.Decoder.
func (s *Size) Decode(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		InactivityTimeout: 30 * time.Minute,
		ProgressInterval:  250 * time.Millisecond,
		MinFreeSpace:      64 * 1024 * 1024, // 64MB
		SubscriberBuffer:  64,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Retry: RetryConfig{
			Attempts:   3,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and sizes.
type yamlConfig struct {
	DataDir           string          `yaml:"data_dir"`
	CatalogFile       string          `yaml:"catalog"`
	FlagStore         string          `yaml:"flag_store"`
	InactivityTimeout string          `yaml:"inactivity_timeout"`
	ProgressInterval  string          `yaml:"progress_interval"`
	MinFreeSpace      string          `yaml:"min_free_space"`
	SubscriberBuffer  int             `yaml:"subscriber_buffer"`
	Log               LogConfig       `yaml:"log"`
	Retry             yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   *int   `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file. Keys absent from the
// file keep their default values.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.DataDir != "" {
		cfg.DataDir = yc.DataDir
	}
	if yc.CatalogFile != "" {
		cfg.CatalogFile = yc.CatalogFile
	}
	if yc.FlagStore != "" {
		cfg.FlagStore = yc.FlagStore
	}
	if err := parseDuration(yc.InactivityTimeout, "inactivity_timeout", &cfg.InactivityTimeout); err != nil {
		return Config{}, err
	}
	if err := parseDuration(yc.ProgressInterval, "progress_interval", &cfg.ProgressInterval); err != nil {
		return Config{}, err
	}
	if yc.MinFreeSpace != "" {
		if err := cfg.MinFreeSpace.Decode(yc.MinFreeSpace); err != nil {
			return Config{}, fmt.Errorf("parse min_free_space: %w", err)
		}
	}
	if yc.SubscriberBuffer != 0 {
		cfg.SubscriberBuffer = yc.SubscriberBuffer
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	if yc.Retry.Attempts != nil {
		cfg.Retry.Attempts = *yc.Retry.Attempts
	}
	if err := parseDuration(yc.Retry.Backoff, "retry.backoff", &cfg.Retry.Backoff); err != nil {
		return Config{}, err
	}
	if err := parseDuration(yc.Retry.MaxBackoff, "retry.max_backoff", &cfg.Retry.MaxBackoff); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseDuration(s, key string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// LoadFromEnv overrides c with any MODELCACHE_ environment variables that
// are set, e.g. MODELCACHE_DATA_DIR or MODELCACHE_RETRY_ATTEMPTS.
func (c *Config) LoadFromEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.InactivityTimeout <= 0 {
		return errors.New("config: inactivity_timeout must be positive")
	}
	if c.ProgressInterval < 0 {
		return errors.New("config: progress_interval must not be negative")
	}
	if c.MinFreeSpace < 0 {
		return errors.New("config: min_free_space must not be negative")
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("config: subscriber_buffer must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < c.Retry.Backoff {
		return errors.New("config: retry.max_backoff must be at least retry.backoff")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, so retries can only be disabled
// through the file or the environment.
func (c Config) Merge(override Config) Config {
	if override.DataDir != "" {
		c.DataDir = override.DataDir
	}
	if override.CatalogFile != "" {
		c.CatalogFile = override.CatalogFile
	}
	if override.FlagStore != "" {
		c.FlagStore = override.FlagStore
	}
	if override.InactivityTimeout != 0 {
		c.InactivityTimeout = override.InactivityTimeout
	}
	if override.ProgressInterval != 0 {
		c.ProgressInterval = override.ProgressInterval
	}
	if override.MinFreeSpace != 0 {
		c.MinFreeSpace = override.MinFreeSpace
	}
	if override.SubscriberBuffer != 0 {
		c.SubscriberBuffer = override.SubscriberBuffer
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
