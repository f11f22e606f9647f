// Package config loads server configuration with the precedence CLI flags
// > environment variables > .env file > built-in defaults.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the chat server needs at startup.
type Config struct {
	Host string `env:"CHAT_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"CHAT_PORT" envDefault:"5050"`
	DB   string `env:"CHAT_DB" envDefault:"chat.db"`

	NoTLS    bool   `env:"CHAT_NO_TLS" envDefault:"false"`
	CertPath string `env:"CHAT_CERT"`
	KeyPath  string `env:"CHAT_KEY"`

	MetricsAddr string `env:"CHAT_METRICS_ADDR"`

	IdleTimeoutSeconds int `env:"CHAT_IDLE_TIMEOUT" envDefault:"300"`
	ListenBacklog      int `env:"CHAT_LISTEN_BACKLOG" envDefault:"50"`

	RateLimitMax           int     `env:"CHAT_RATE_LIMIT_MAX" envDefault:"5"`
	RateLimitWindowSeconds float64 `env:"CHAT_RATE_LIMIT_WINDOW" envDefault:"1.0"`

	SessionPruneIntervalMinutes int `env:"CHAT_SESSION_PRUNE_MINUTES" envDefault:"60"`

	LogLevel string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
}

// DefaultConfig returns the built-in defaults, bypassing env/flag layers.
func DefaultConfig() *Config {
	cfg := &Config{}
	// An empty environment map makes env apply only the envDefault tags.
	_ = env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate rejects out-of-range or internally inconsistent configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.DB == "" {
		return fmt.Errorf("db path must not be empty")
	}
	if !c.NoTLS {
		if c.CertPath == "" || c.KeyPath == "" {
			return fmt.Errorf("cert and key paths are required unless --no-tls is set")
		}
	}
	if c.IdleTimeoutSeconds < 1 {
		return fmt.Errorf("idle timeout must be positive, got %d", c.IdleTimeoutSeconds)
	}
	if c.ListenBacklog < 1 {
		return fmt.Errorf("listen backlog must be positive, got %d", c.ListenBacklog)
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("rate limit max must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %f", c.RateLimitWindowSeconds)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	return nil
}

// Load builds configuration from defaults, then an optional .env file, then
// process environment variables, then CLI flags parsed from args (typically
// os.Args[1:]). Later layers override earlier ones.
func Load(args []string, logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && logger != nil {
		logger.Info().Msg("no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	fs := flag.NewFlagSet("chatserver", flag.ContinueOnError)
	host := fs.String("host", cfg.Host, "bind host")
	port := fs.Int("port", cfg.Port, "bind port")
	db := fs.String("db", cfg.DB, "path to the sqlite database file")
	noTLS := fs.Bool("no-tls", cfg.NoTLS, "disable TLS and serve plain TCP")
	cert := fs.String("cert", cfg.CertPath, "TLS certificate path")
	key := fs.String("key", cfg.KeyPath, "TLS key path")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.Host = *host
	cfg.Port = *port
	cfg.DB = *db
	cfg.NoTLS = *noTLS
	cfg.CertPath = *cert
	cfg.KeyPath = *key

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
