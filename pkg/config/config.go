// Package config loads the hub configuration from environment variables and
// command-line flags via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Prophet73/aihub/pkg/models"
)

// MinSigningSecretLength is the minimum length of the HS256 signing secret in
// bytes. 32 bytes matches the SHA-256 block requirement for HMAC keys.
const MinSigningSecretLength = 32

// Config holds the fully resolved runtime configuration. All values are
// plain: no file paths, no unexpanded environment references.
type Config struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string

	// PublicURL is the externally visible base URL of the hub. Used as the
	// OIDC issuer and to build discovery endpoints. No trailing slash.
	PublicURL string

	// SigningSecret is the shared HS256 secret used to sign ID tokens.
	SigningSecret []byte

	// DatabaseDSN is the PostgreSQL connection string. Empty selects the
	// in-memory store (development and tests only).
	DatabaseDSN string

	// RedisAddr optionally selects Redis-backed sessions and rate limiting
	// for multi-process deployments. Empty selects in-process state.
	RedisAddr string

	// OIDCDiscoveryURL is the upstream SSO discovery document URL.
	OIDCDiscoveryURL string

	// OIDCClientID and OIDCClientSecret authenticate the hub to the
	// upstream SSO.
	OIDCClientID     string
	OIDCClientSecret string

	// Token lifespans. Zero values take the model defaults.
	AccessTokenLifespan  time.Duration
	RefreshTokenLifespan time.Duration
	AuthCodeLifespan     time.Duration

	// DevMode enables the dev login route and relaxes the upstream SSO
	// requirement. Never enable in production.
	DevMode bool
}

// Load reads configuration from the HUB_* environment variables (and any
// bound flags) and validates it.
func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetEnvPrefix("hub")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen-addr", ":8000")
	v.SetDefault("public-url", "http://localhost:8000")
	v.SetDefault("access-token-lifespan", models.AccessTokenTTL)
	v.SetDefault("refresh-token-lifespan", models.RefreshTokenTTL)
	v.SetDefault("auth-code-lifespan", models.AuthCodeTTL)

	cfg := &Config{
		ListenAddr:           v.GetString("listen-addr"),
		PublicURL:            strings.TrimRight(v.GetString("public-url"), "/"),
		SigningSecret:        []byte(v.GetString("signing-secret")),
		DatabaseDSN:          v.GetString("database-dsn"),
		RedisAddr:            v.GetString("redis-addr"),
		OIDCDiscoveryURL:     v.GetString("oidc-discovery-url"),
		OIDCClientID:         v.GetString("oidc-client-id"),
		OIDCClientSecret:     v.GetString("oidc-client-secret"),
		AccessTokenLifespan:  v.GetDuration("access-token-lifespan"),
		RefreshTokenLifespan: v.GetDuration("refresh-token-lifespan"),
		AuthCodeLifespan:     v.GetDuration("auth-code-lifespan"),
		DevMode:              v.GetBool("dev-mode"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is complete enough to serve.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < MinSigningSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes, got %d",
			MinSigningSecretLength, len(c.SigningSecret))
	}
	if c.PublicURL == "" {
		return fmt.Errorf("public URL is required")
	}
	if c.OIDCDiscoveryURL == "" && !c.DevMode {
		return fmt.Errorf("upstream OIDC discovery URL is required outside dev mode")
	}
	return nil
}
