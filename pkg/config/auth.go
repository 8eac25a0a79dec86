package config

import (
	"fmt"
	"path/filepath"
)

// EnvBootstrapSecret names the one-time secret that mints the initial
// long-lived admin token.
const EnvBootstrapSecret = "GATEWAY_BOOTSTRAP_SECRET"

// AuthConfig holds user-store and token settings.
type AuthConfig struct {
	// Enabled gates all bearer-token checks. Defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled" jsonschema:"title=Enabled,default=true"`

	// UsersFile is the JSON user store path.
	UsersFile string `yaml:"users_file" json:"users_file" jsonschema:"title=Users File"`

	// RevocationFile persists the SHA-256 token revocation set.
	RevocationFile string `yaml:"revocation_file" json:"revocation_file" jsonschema:"title=Revocation File"`

	// AccessTokenTTLSeconds is the access-token lifetime.
	AccessTokenTTLSeconds int64 `yaml:"access_token_ttl_seconds" json:"access_token_ttl_seconds" jsonschema:"default=86400"`

	// RefreshTokenTTLSeconds is the refresh-token lifetime.
	RefreshTokenTTLSeconds int64 `yaml:"refresh_token_ttl_seconds" json:"refresh_token_ttl_seconds" jsonschema:"default=2592000"`

	// JWT optionally accepts externally issued JWTs alongside local
	// opaque tokens.
	JWT JWTConfig `yaml:"jwt" json:"jwt"`
}

// JWTConfig configures the external JWT validator.
type JWTConfig struct {
	Enabled  *bool  `yaml:"enabled" json:"enabled" jsonschema:"default=false"`
	JWKSURL  string `yaml:"jwks_url" json:"jwks_url" jsonschema:"title=JWKS URL"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

func (c *JWTConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

func (c *JWTConfig) Validate() error {
	if c.IsEnabled() && c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when jwt is enabled")
	}
	return nil
}

func (c *AuthConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *AuthConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.JWT.Enabled == nil {
		c.JWT.Enabled = BoolPtr(false)
	}
	if c.AccessTokenTTLSeconds == 0 {
		c.AccessTokenTTLSeconds = 86400
	}
	if c.RefreshTokenTTLSeconds == 0 {
		c.RefreshTokenTTLSeconds = 30 * 86400
	}
}

func (c *AuthConfig) Validate() error {
	if c.AccessTokenTTLSeconds < 0 || c.RefreshTokenTTLSeconds < 0 {
		return fmt.Errorf("token TTLs must be non-negative")
	}
	return c.JWT.Validate()
}

// ResolvePaths fills file defaults relative to dataDir.
func (c *AuthConfig) ResolvePaths(dataDir string) {
	if c.UsersFile == "" {
		c.UsersFile = filepath.Join(dataDir, "users.json")
	}
	if c.RevocationFile == "" {
		c.RevocationFile = filepath.Join(dataDir, "revoked_tokens.json")
	}
}
