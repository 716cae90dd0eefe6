// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DevJWTSecret is the development fallback. Refusing to boot with it in
// production keeps a forgotten env var from becoming a signing key.
const DevJWTSecret = "dev-secret-change-in-production-minimum-32-chars"

const minSecretBytes = 32

// Config is the full server configuration.
type Config struct {
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	JWTSecret          string `env:"JWT_SECRET"`
	JWTAlgorithm       string `env:"JWT_ALGORITHM" envDefault:"HS256"`
	JWTExpirationHours int    `env:"JWT_EXPIRATION_HOURS" envDefault:"24"`

	DatabaseURL     string `env:"DATABASE_URL"`
	DatabasePoolMin int32  `env:"DATABASE_POOL_MIN" envDefault:"2"`
	DatabasePoolMax int32  `env:"DATABASE_POOL_MAX" envDefault:"10"`

	RedisURL           string `env:"REDIS_URL"`
	NATSURL            string `env:"NATS_URL"`
	RedisChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"synckit:"`

	CORSOrigins  []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	AuthRequired bool     `env:"SYNCKIT_AUTH_REQUIRED" envDefault:"true"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env if present, then the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the server runs with production
// hardening enabled.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate rejects configurations that would be unsafe to run. Weak
// secrets are fatal in production and a warning everywhere else.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if !strings.EqualFold(c.JWTAlgorithm, "HS256") {
		return fmt.Errorf("config: unsupported JWT algorithm %q", c.JWTAlgorithm)
	}
	if c.JWTExpirationHours <= 0 {
		return fmt.Errorf("config: JWT_EXPIRATION_HOURS must be positive")
	}
	if c.DatabasePoolMin < 0 || c.DatabasePoolMax < c.DatabasePoolMin {
		return fmt.Errorf("config: invalid database pool bounds [%d, %d]", c.DatabasePoolMin, c.DatabasePoolMax)
	}
	if c.RedisURL != "" && c.NATSURL != "" {
		return fmt.Errorf("config: REDIS_URL and NATS_URL are mutually exclusive")
	}

	if c.IsProduction() {
		if c.JWTSecret == DevJWTSecret {
			return fmt.Errorf("config: JWT_SECRET must be set in production")
		}
		if len(c.JWTSecret) < minSecretBytes {
			return fmt.Errorf("config: JWT_SECRET must be at least %d bytes in production", minSecretBytes)
		}
	} else if c.JWTSecret == DevJWTSecret || len(c.JWTSecret) < minSecretBytes {
		log.Warn().Msg("weak JWT secret; fine for development, fatal in production")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AccessTokenTTL converts JWT_EXPIRATION_HOURS into the lifetime used
// when issuing access tokens.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.JWTExpirationHours) * time.Hour
}
