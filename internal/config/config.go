// Package config loads server configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// JWTSecret signs and verifies API bearer tokens. Empty is only allowed
	// in development, where authentication is bypassed.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// CursorSecret signs pagination cursors. Falls back to JWTSecret.
	CursorSecret string `mapstructure:"CURSOR_SECRET"`
	// DefaultGeneration is the schema generation served to callers that do
	// not ask for one ("r4" or "r5").
	DefaultGeneration string `mapstructure:"DEFAULT_GENERATION"`
	MigrationsDir     string `mapstructure:"MIGRATIONS_DIR"`
	LogLevel          string `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_GENERATION", "r5")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up.
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CURSOR_SECRET")
	v.BindEnv("DEFAULT_GENERATION")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("LOG_LEVEL")

	// Try reading .env, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedCursorSecret returns the cursor signing secret, falling back to the
// JWT secret and finally to a fixed development-only value.
func (c *Config) ResolvedCursorSecret() string {
	if c.CursorSecret != "" {
		return c.CursorSecret
	}
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return "dev-cursor-secret"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV is not development")
	}
	switch c.DefaultGeneration {
	case "r4", "r5":
	default:
		return fmt.Errorf("DEFAULT_GENERATION must be \"r4\" or \"r5\", got %q", c.DefaultGeneration)
	}
	return nil
}
