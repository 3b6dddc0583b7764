package config

import (
	"errors"
	"fmt"
	"strings"
)

// APIConfig contains the read-only HTTP API settings used by `sweepoor serve`.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig configures per-client rate limiting. Clients are keyed by
// basic auth user when auth is enabled, otherwise by IP. Sweep and run
// queries and report artifact downloads have separate budgets.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	// ReportRequestsPerMinute limits report artifact downloads. Zero uses
	// RequestsPerMinute.
	ReportRequestsPerMinute int `yaml:"report_requests_per_minute,omitempty" mapstructure:"report_requests_per_minute"`
}

// ReportBudget returns the effective report download limit.
func (r RateLimitConfig) ReportBudget() int {
	if r.ReportRequestsPerMinute > 0 {
		return r.ReportRequestsPerMinute
	}

	return r.RequestsPerMinute
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser defines a basic auth user. PasswordHash is a bcrypt hash.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// ValidateAPI checks the sections needed by the serve command.
func (c *Config) ValidateAPI() error {
	if c.API.Listen == "" {
		return errors.New("api.listen is required")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return errors.New("api.rate_limit.requests_per_minute must be positive")
	}

	if c.API.RateLimit.ReportRequestsPerMinute < 0 {
		return errors.New("api.rate_limit.report_requests_per_minute must not be negative")
	}

	if c.API.Auth.Basic.Enabled {
		if len(c.API.Auth.Basic.Users) == 0 {
			return errors.New("api.auth.basic.users must not be empty when basic auth is enabled")
		}

		seen := make(map[string]struct{}, len(c.API.Auth.Basic.Users))

		for i, u := range c.API.Auth.Basic.Users {
			if u.Username == "" {
				return fmt.Errorf("api.auth.basic.users[%d]: username is required", i)
			}

			if !strings.HasPrefix(u.PasswordHash, "$2") {
				return fmt.Errorf("api.auth.basic.users[%d]: password_hash must be a bcrypt hash", i)
			}

			if _, ok := seen[u.Username]; ok {
				return fmt.Errorf("api.auth.basic.users[%d]: duplicate username %q", i, u.Username)
			}

			seen[u.Username] = struct{}{}
		}
	}

	switch c.Database.Driver {
	case DatabaseSQLite:
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case DatabasePostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return errors.New("database.postgres.host and database.postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	return nil
}
