// Package config loads runtime configuration from environment variables,
// optionally seeded from a .env file. The runtime is env-first: there is no
// config file beyond the governance policy document itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	// DBURL is the Postgres connection string. Empty selects the in-memory
	// store, which is only suitable for development and tests.
	DBURL string `mapstructure:"db_url"`

	// PolicyPath locates the governance policy document.
	PolicyPath string `mapstructure:"gov_policy_path"`

	// DevMode enables the mutating governance and maintenance routes.
	// AppEnv values dev, development, and local imply it.
	DevMode bool   `mapstructure:"dev_mode"`
	AppEnv  string `mapstructure:"app_env"`

	// JWT settings for optional local token verification. Without a secret
	// (or with verify off) bearer tokens are decoded unverified, for
	// deployments where a trusted gateway already validated them.
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTAlg    string `mapstructure:"jwt_alg" validate:"omitempty,oneof=HS256 HS384 HS512"`
	JWTVerify bool   `mapstructure:"jwt_verify"`

	APIHost string `mapstructure:"api_host" validate:"required"`
	APIPort int    `mapstructure:"api_port" validate:"gte=1,lte=65535"`

	// IdempotencyTTLHours overrides the policy's materialization TTL when
	// positive; zero defers to the policy.
	IdempotencyTTLHours int           `mapstructure:"idempotency_ttl_hours" validate:"gte=0"`
	CleanupInterval     time.Duration `mapstructure:"idempotency_cleanup_interval" validate:"gt=0"`

	// Connector names the execution target for non-local actions.
	Connector        string        `mapstructure:"action_connector" validate:"required"`
	ConnectorTimeout time.Duration `mapstructure:"connector_timeout" validate:"gt=0"`

	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// IsDev reports whether dev-only routes are enabled.
func (c *Config) IsDev() bool {
	if c.DevMode {
		return true
	}
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"db_url":                       "DB_URL",
	"gov_policy_path":              "GOV_POLICY_PATH",
	"dev_mode":                     "DEV_MODE",
	"app_env":                      "APP_ENV",
	"jwt_secret":                   "JWT_SECRET",
	"jwt_alg":                      "JWT_ALG",
	"jwt_verify":                   "JWT_VERIFY",
	"api_host":                     "API_HOST",
	"api_port":                     "API_PORT",
	"idempotency_ttl_hours":        "IDEMPOTENCY_TTL_HOURS",
	"idempotency_cleanup_interval": "IDEMPOTENCY_CLEANUP_INTERVAL",
	"action_connector":             "ACTION_CONNECTOR",
	"connector_timeout":            "CONNECTOR_TIMEOUT",
	"log_level":                    "LOG_LEVEL",
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first, without overriding variables already
// set in the process environment.
func Load() (*Config, error) {
	// Best-effort: absence of a .env file is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	v.SetDefault("gov_policy_path", "governance/policy.yaml")
	v.SetDefault("jwt_alg", "HS256")
	v.SetDefault("api_host", "127.0.0.1")
	v.SetDefault("api_port", 8080)
	v.SetDefault("idempotency_cleanup_interval", "1h")
	v.SetDefault("action_connector", "mock")
	v.SetDefault("connector_timeout", "10s")
	v.SetDefault("log_level", "info")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
