// Package config loads and validates rollcall configuration using Viper.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// config file, an optional .env file, ROLLCALL_* environment variables and
// command-line flags.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "ROLLCALL"

// Config holds rollcall configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr"`
	// Storage selects the ledger backend: memory, bolt or postgres.
	Storage string `mapstructure:"storage"`
	// DataDir holds the bolt database files.
	DataDir string `mapstructure:"data_dir"`
	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// Bucket partitions the ledger inside the backend.
	Bucket string `mapstructure:"bucket"`

	GraceSeconds     int           `mapstructure:"grace_seconds"`
	WindowRetention  int           `mapstructure:"window_retention"`
	ClearSuppression time.Duration `mapstructure:"clear_suppression"`
	PINDigits        int           `mapstructure:"pin_digits"`
	// TokenKey is a hex-encoded 32-byte key for token digests. Instances
	// sharing a ledger must share it; when empty a random key is used.
	TokenKey string `mapstructure:"token_key"`

	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisChannel      string `mapstructure:"redis_channel"`
	AMQPURL           string `mapstructure:"amqp_url"`
	AMQPQueue         string `mapstructure:"amqp_queue"`
	KafkaBrokers      string `mapstructure:"kafka_brokers"`
	KafkaTopic        string `mapstructure:"kafka_topic"`
	WebhookURL        string `mapstructure:"webhook_url"`
	WebhookAuthHeader string `mapstructure:"webhook_auth_header"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
}

// Defaults are the built-in configuration values.
var Defaults = map[string]any{
	"addr":              ":8080",
	"storage":           "memory",
	"data_dir":          "./data",
	"bucket":            "default",
	"grace_seconds":     5,
	"window_retention":  4,
	"clear_suppression": "1.5s",
	"pin_digits":        6,
	"redis_channel":     "rollcall.events",
	"amqp_queue":        "rollcall.events",
	"kafka_topic":       "rollcall.events",
	"log_level":         "info",
	"log_format":        "json",
}

// Load builds Config. configFile may be empty. flags may be nil; flag names
// use dashes where keys use underscores (data-dir binds data_dir).
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range Defaults {
		v.SetDefault(k, val)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	if err := mergeDotEnv(v, ".env"); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := Defaults[key]; !known && !isKey(key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("config: binding flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeDotEnv merges ROLLCALL_* entries of a .env file, if present, above
// the config file and below the real environment.
func mergeDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dot := viper.New()
	dot.SetConfigFile(path)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	prefix := strings.ToLower(EnvPrefix) + "_"
	values := make(map[string]any)
	for _, k := range dot.AllKeys() {
		if key, ok := strings.CutPrefix(k, prefix); ok {
			values[key] = dot.Get(k)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return v.MergeConfigMap(values)
}

var extraKeys = []string{
	"postgres_dsn", "token_key", "redis_addr", "redis_password", "amqp_url",
	"kafka_brokers", "webhook_url", "webhook_auth_header", "otlp_endpoint",
	"otlp_insecure", "tls_cert", "tls_key",
}

func isKey(key string) bool {
	for _, k := range extraKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Validate checks field values and relationships.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr must be set")
	}
	switch c.Storage {
	case "memory":
	case "bolt":
		if c.DataDir == "" {
			return errors.New("config: data_dir must be set for bolt storage")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("config: postgres_dsn must be set for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown storage %q (want memory, bolt or postgres)", c.Storage)
	}
	if c.GraceSeconds < 0 {
		return errors.New("config: grace_seconds must not be negative")
	}
	if c.WindowRetention < 2 {
		return errors.New("config: window_retention must be at least 2")
	}
	if c.ClearSuppression < 0 {
		return errors.New("config: clear_suppression must not be negative")
	}
	if c.PINDigits < 4 || c.PINDigits > 6 {
		return errors.New("config: pin_digits must be between 4 and 6")
	}
	if c.TokenKey != "" {
		if _, err := c.TokenKeyBytes(); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("config: unknown log_format %q (want json or text)", c.LogFormat)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("config: tls_cert and tls_key must be set together")
	}
	return nil
}

// TokenKeyBytes decodes TokenKey. It returns nil when no key is configured.
func (c *Config) TokenKeyBytes() ([]byte, error) {
	if c.TokenKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.TokenKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("config: token_key must be 64 hex characters")
	}
	return key, nil
}

// Grace returns the grace period as a duration.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// KafkaBrokerList returns the broker addresses from the comma-separated setting.
func (c *Config) KafkaBrokerList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NewLogger returns a slog.Logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: unknown log_level %q", s)
	}
	return level, nil
}
