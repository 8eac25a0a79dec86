package config

import (
	"fmt"
	"os"
	"strings"
)

// EnvAllowedOrigins overrides the CORS origin list (comma-separated).
const EnvAllowedOrigins = "GATEWAY_ALLOWED_ORIGINS"

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host" json:"host" jsonschema:"title=Host,default=127.0.0.1"`

	// Port is the listen port.
	Port int `yaml:"port" json:"port" jsonschema:"title=Port,default=8130,minimum=1,maximum=65535"`

	// DataDir is the root directory for file-backed stores. Sections with
	// empty paths derive their defaults from it.
	DataDir string `yaml:"data_dir" json:"data_dir" jsonschema:"title=Data Directory,default=data"`

	// AllowedOrigins is the CORS origin allow-list.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins" jsonschema:"title=Allowed Origins"`

	// ReadTimeoutSeconds bounds request reads.
	ReadTimeoutSeconds int `yaml:"read_timeout_seconds" json:"read_timeout_seconds" jsonschema:"default=30"`

	// WriteTimeoutSeconds bounds response writes. Zero disables it; SSE
	// streams need an unbounded write window.
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds" json:"write_timeout_seconds" jsonschema:"default=0"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8130
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://127.0.0.1:8080"}
	}
	if env := strings.TrimSpace(os.Getenv(EnvAllowedOrigins)); env != "" {
		var origins []string
		for _, o := range strings.Split(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			c.AllowedOrigins = origins
		}
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("read_timeout_seconds must be non-negative")
	}
	if c.WriteTimeoutSeconds < 0 {
		return fmt.Errorf("write_timeout_seconds must be non-negative")
	}
	return nil
}

// Address returns host:port for the listener.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
