// Package config loads the fleet server configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/vault"
)

// EnvPrefix prefixes every environment variable read by the fleet.
const EnvPrefix = "FLEET"

// Config holds the configuration for the fleet server
type Config struct {
	Listen     string           `mapstructure:"listen"`
	DB         DBConfig         `mapstructure:"db"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type EncryptionConfig struct {
	// Key is the raw credential encryption key. It must be exactly
	// vault.KeySize bytes long.
	Key string `mapstructure:"key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("db.driver", ledger.DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("encryption.key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)
}

// New returns a viper instance reading FLEET_* variables, with defaults set.
// FLEET_DB_DSN maps to db.dsn.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	switch c.DB.Driver {
	case ledger.DriverPostgres, ledger.DriverMySQL, ledger.DriverSQLite:
	default:
		return fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db dsn cannot be empty")
	}
	if len(c.Encryption.Key) != vault.KeySize {
		return fmt.Errorf("encryption key must be exactly %d bytes, got %d", vault.KeySize, len(c.Encryption.Key))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Logger builds a logger from the log settings. Validate first.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(level)
	}
	if c.Log.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
