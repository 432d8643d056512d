// Package config loads gamerpcd settings: built-in defaults, then an optional
// TOML file, then GAMERPC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. GAMERPC_SERVER_IDLE_TIMEOUT.
const EnvPrefix = "GAMERPC_"

type Config struct {
	Listen        string `toml:"listen" env:"LISTEN"`
	AdvertiseAddr string `toml:"advertise_addr" env:"ADVERTISE_ADDR"`
	MetricsAddr   string `toml:"metrics_addr" env:"METRICS_ADDR"`

	Server    Server    `toml:"server" envPrefix:"SERVER_"`
	RateLimit RateLimit `toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Auth      Auth      `toml:"auth" envPrefix:"AUTH_"`
	Sessions  Sessions  `toml:"sessions" envPrefix:"SESSIONS_"`
	Store     Store     `toml:"store" envPrefix:"STORE_"`
	Etcd      Etcd      `toml:"etcd" envPrefix:"ETCD_"`
	Log       Log       `toml:"log" envPrefix:"LOG_"`
}

type Server struct {
	IdleTimeout     time.Duration `toml:"idle_timeout" env:"IDLE_TIMEOUT"`
	FrameTimeout    time.Duration `toml:"frame_timeout" env:"FRAME_TIMEOUT"`
	WriteTimeout    time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `toml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    uint32        `toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	MaxInFlight     int           `toml:"max_in_flight" env:"MAX_IN_FLIGHT"`
}

// RateLimit applies to the whole server; Rate zero disables it.
type RateLimit struct {
	Rate  float64 `toml:"rate" env:"RATE"`
	Burst int     `toml:"burst" env:"BURST"`
}

type Auth struct {
	ExchangeTimeout time.Duration `toml:"exchange_timeout" env:"EXCHANGE_TIMEOUT"`
	ResumeRetries   int           `toml:"resume_retries" env:"RESUME_RETRIES"`
	RetryBackoff    time.Duration `toml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// Sessions configures eviction of sessions that stay unbound. MaxIdle zero
// keeps them forever.
type Sessions struct {
	MaxIdle       time.Duration `toml:"max_idle" env:"MAX_IDLE"`
	EvictInterval time.Duration `toml:"evict_interval" env:"EVICT_INTERVAL"`
}

type Store struct {
	Driver string `toml:"driver" env:"DRIVER"` // "memory" or "sqlite"
	Path   string `toml:"path" env:"PATH"`
}

// Etcd enables instance registration when Endpoints is non-empty.
type Etcd struct {
	Endpoints   []string      `toml:"endpoints" env:"ENDPOINTS" envSeparator:","`
	TTL         int64         `toml:"ttl" env:"TTL"`
	DialTimeout time.Duration `toml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

type Log struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // "json" or "console"
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Listen: ":7400",
		Server: Server{
			IdleTimeout:     2 * time.Minute,
			FrameTimeout:    10 * time.Second,
			WriteTimeout:    10 * time.Second,
			HandlerTimeout:  15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    8 << 20,
			MaxInFlight:     64,
		},
		Auth:     Auth{ExchangeTimeout: 5 * time.Second, ResumeRetries: 3, RetryBackoff: 20 * time.Millisecond},
		Sessions: Sessions{MaxIdle: 30 * time.Minute, EvictInterval: time.Minute},
		Store:    Store{Driver: "memory"},
		Etcd:     Etcd{TTL: 10, DialTimeout: 5 * time.Second},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Server.FrameTimeout <= 0 {
		errs = append(errs, errors.New("server.frame_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Server.IdleTimeout < 0 || c.Server.HandlerTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if c.Server.MaxBodyBytes == 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if c.Server.MaxInFlight <= 0 {
		errs = append(errs, errors.New("server.max_in_flight must be positive"))
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit needs a non-negative rate and a positive burst"))
	}
	if c.Auth.ResumeRetries < 0 || (c.Auth.ResumeRetries > 0 && c.Auth.RetryBackoff <= 0) {
		errs = append(errs, errors.New("auth.retry_backoff must be positive when resume_retries is set"))
	}
	if c.Sessions.MaxIdle > 0 && c.Sessions.EvictInterval <= 0 {
		errs = append(errs, errors.New("sessions.evict_interval must be positive when max_idle is set"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not memory or sqlite", c.Store.Driver))
	}
	if len(c.Etcd.Endpoints) > 0 {
		if c.Etcd.TTL <= 0 {
			errs = append(errs, errors.New("etcd.ttl must be positive"))
		}
		if strings.TrimSpace(c.AdvertiseAddr) == "" {
			errs = append(errs, errors.New("advertise_addr is required when etcd is enabled"))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
