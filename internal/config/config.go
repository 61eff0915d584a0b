package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all rankd configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
	Ranking    RankingConfig    `toml:"ranking"`
	Aggregator AggregatorConfig `toml:"aggregator"`
	View       ViewConfig       `toml:"view"`
	Events     EventsConfig     `toml:"events"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console, json
}

type RankingConfig struct {
	Size int `toml:"size"`
}

type AggregatorConfig struct {
	Workers    int           `toml:"workers"`
	RetryDelay time.Duration `toml:"retry_delay"` // e.g. "5s"
}

type ViewConfig struct {
	ChunkSize int `toml:"chunk_size"`
}

type EventsConfig struct {
	RedisURL    string `toml:"redis_url"` // empty disables the relay
	RedisStream string `toml:"redis_stream"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Ranking: RankingConfig{
			Size: 10,
		},
		Aggregator: AggregatorConfig{
			Workers:    4,
			RetryDelay: 5 * time.Second,
		},
		View: ViewConfig{
			ChunkSize: 50,
		},
		Events: EventsConfig{
			RedisStream: "rankd:events",
		},
	}
}

// DefaultPath returns ~/.rankd/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".rankd", "config.toml"), nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RANKD_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RANKD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RANKD_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("RANKD_REDIS_URL"); v != "" {
		c.Events.RedisURL = v
	}
	if v := os.Getenv("RANKD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks ranges the engine cannot work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Ranking.Size <= 0 {
		return fmt.Errorf("ranking.size must be positive")
	}
	if c.Aggregator.Workers <= 0 {
		return fmt.Errorf("aggregator.workers must be positive")
	}
	if c.Aggregator.RetryDelay <= 0 {
		return fmt.Errorf("aggregator.retry_delay must be positive")
	}
	if c.View.ChunkSize <= 0 {
		return fmt.Errorf("view.chunk_size must be positive")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q: want console or json", c.Logging.Format)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
