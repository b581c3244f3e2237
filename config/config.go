// Package config loads server configuration from compiled defaults, an
// optional YAML file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/scenebridge/internal/frame"
	"github.com/ggoodman/scenebridge/internal/logctx"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the YAML file when no path is passed to Load.
const EnvConfigFile = "SCENEBRIDGE_CONFIG"

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type Config struct {
	ListenAddr     string   `yaml:"listen_addr" env:"SCENEBRIDGE_LISTEN_ADDR"`
	AdminAddr      string   `yaml:"admin_addr" env:"SCENEBRIDGE_ADMIN_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"SCENEBRIDGE_ALLOWED_ORIGINS"`

	MaxFrameBytes   int           `yaml:"max_frame_bytes" env:"SCENEBRIDGE_MAX_FRAME_BYTES"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout" env:"SCENEBRIDGE_EXCHANGE_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SCENEBRIDGE_WRITE_TIMEOUT"`

	LogLevel  string `yaml:"log_level" env:"SCENEBRIDGE_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"SCENEBRIDGE_LOG_FORMAT"`

	// LocalRoot confines the local provider; client roots resolve below it.
	LocalRoot  string `yaml:"local_root" env:"SCENEBRIDGE_LOCAL_ROOT"`
	LocalWatch bool   `yaml:"local_watch" env:"SCENEBRIDGE_LOCAL_WATCH"`

	SketchfabBaseURL         string  `yaml:"sketchfab_base_url" env:"SCENEBRIDGE_SKETCHFAB_BASE_URL"`
	SketchfabMaxArchiveBytes int64   `yaml:"sketchfab_max_archive_bytes" env:"SCENEBRIDGE_SKETCHFAB_MAX_ARCHIVE_BYTES"`
	SketchfabRateLimit       float64 `yaml:"sketchfab_rate_limit" env:"SCENEBRIDGE_SKETCHFAB_RATE_LIMIT"`

	CacheBackend string        `yaml:"cache_backend" env:"SCENEBRIDGE_CACHE_BACKEND"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"SCENEBRIDGE_CACHE_TTL"`
	CacheSize    int           `yaml:"cache_size" env:"SCENEBRIDGE_CACHE_SIZE"`

	RedisAddr      string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisKeyPrefix string `yaml:"redis_key_prefix" env:"SCENEBRIDGE_REDIS_KEY_PREFIX"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		ListenAddr:               "127.0.0.1:3333",
		MaxFrameBytes:            frame.DefaultMaxPayloadBytes,
		ExchangeTimeout:          30 * time.Second,
		WriteTimeout:             30 * time.Second,
		LogLevel:                 "info",
		LogFormat:                "text",
		LocalWatch:               true,
		SketchfabBaseURL:         "https://api.sketchfab.com",
		SketchfabMaxArchiveBytes: 100 << 20,
		SketchfabRateLimit:       5,
		CacheBackend:             CacheMemory,
		CacheTTL:                 time.Hour,
		CacheSize:                256,
		RedisAddr:                "localhost:6379",
		RedisKeyPrefix:           "scenebridge:assets:",
	}
}

// Load builds a Config. An empty path falls back to $SCENEBRIDGE_CONFIG; no
// file at all is fine.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile overlays the YAML file at path.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays any set environment variables. A set variable that does
// not parse is an error.
func (c *Config) ApplyEnv() error {
	err := envdecode.StrictDecode(c)
	// StrictDecode reports an empty environment as ErrInvalidTarget.
	if err != nil && !errors.Is(err, envdecode.ErrInvalidTarget) && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, errors.New("max_frame_bytes must be positive"))
	}
	if c.ExchangeTimeout <= 0 {
		errs = append(errs, errors.New("exchange_timeout must be positive"))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, errors.New("write_timeout must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if c.SketchfabMaxArchiveBytes <= 0 {
		errs = append(errs, errors.New("sketchfab_max_archive_bytes must be positive"))
	}
	switch c.CacheBackend {
	case CacheNone:
	case CacheMemory:
		if c.CacheSize <= 0 {
			errs = append(errs, errors.New("cache_size must be positive"))
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache_backend %q: want none, memory or redis", c.CacheBackend))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger returns a logger writing to w in the configured format and level.
// Records carry connection and exchange attributes from their context.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.New(h))
}
