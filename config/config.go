// Package config loads engine and server settings from a YAML file with a
// dotenv/environment overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign service.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// EngineConfig holds scheduler/executor settings.
type EngineConfig struct {
	TickIntervalSeconds int `yaml:"tick_interval_seconds"`
	TickLimit           int `yaml:"tick_limit"`
	Workers             int `yaml:"workers"`
	MaxSendAttempts     int `yaml:"max_send_attempts"`
	RetryBaseMillis     int `yaml:"retry_base_millis"`
	SendConcurrency     int `yaml:"send_concurrency"`
}

// TickInterval returns the tick period as a duration.
func (c EngineConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// RetryBase returns the first backoff delay as a duration.
func (c EngineConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"` // "memory", "redis", "postgres"
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Engine: EngineConfig{
			TickIntervalSeconds: 5,
			TickLimit:           500,
			Workers:             4,
			MaxSendAttempts:     5,
			RetryBaseMillis:     1000,
			SendConcurrency:     8,
		},
		Storage: StorageConfig{Backend: "memory"},
	}
}

// Load reads the YAML config at path (missing file falls back to defaults),
// loads a .env file when present, and applies environment overrides.
func Load(path string) (Config, error) {
	// Load .env if present; ignore absence.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CAMPAIGNS_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("CAMPAIGNS_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CAMPAIGNS_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("CAMPAIGNS_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("CAMPAIGNS_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = db
		}
	}
	if v := os.Getenv("CAMPAIGNS_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("CAMPAIGNS_TICK_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.TickIntervalSeconds = n
		}
	}
}
