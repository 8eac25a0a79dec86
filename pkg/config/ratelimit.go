package config

import "fmt"

// RateLimitConfig holds the dual sliding-window limiter settings. The
// client window keys on IP, the user window on authenticated username.
// All fields are runtime-reconfigurable through the admin API.
type RateLimitConfig struct {
	// Enabled short-circuits all checks when false. Defaults to true.
	Enabled *bool `yaml:"enabled" json:"enabled" jsonschema:"title=Enabled,default=true"`

	// MaxRequests per client window.
	MaxRequests int `yaml:"max_requests" json:"max_requests" jsonschema:"default=60,minimum=1"`

	// WindowSeconds is the client window length.
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds" jsonschema:"default=60,minimum=1"`

	// Burst extends the client limit to max_requests + burst.
	Burst int `yaml:"burst" json:"burst" jsonschema:"default=10,minimum=0"`

	// UserMaxRequests per user window.
	UserMaxRequests int `yaml:"user_max_requests" json:"user_max_requests" jsonschema:"default=120,minimum=1"`

	// UserWindowSeconds is the user window length.
	UserWindowSeconds int `yaml:"user_window_seconds" json:"user_window_seconds" jsonschema:"default=60,minimum=1"`
}

func (c *RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 60
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 60
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	if c.UserMaxRequests == 0 {
		c.UserMaxRequests = 120
	}
	if c.UserWindowSeconds == 0 {
		c.UserWindowSeconds = 60
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.MaxRequests < 1 {
		return fmt.Errorf("max_requests must be at least 1")
	}
	if c.WindowSeconds < 1 {
		return fmt.Errorf("window_seconds must be at least 1")
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must be non-negative")
	}
	if c.UserMaxRequests < 1 {
		return fmt.Errorf("user_max_requests must be at least 1")
	}
	if c.UserWindowSeconds < 1 {
		return fmt.Errorf("user_window_seconds must be at least 1")
	}
	return nil
}
