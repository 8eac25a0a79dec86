package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// TLSConfig holds transport TLS options for outbound provider calls.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Dev/test only.
	InsecureSkipVerify bool
	// CACertificate is a path to a PEM bundle appended to the root pool.
	CACertificate string
}

// ConfigureTLS builds an http.Transport from config.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	tlsCfg := &tls.Config{}
	if config != nil {
		tlsCfg.InsecureSkipVerify = config.InsecureSkipVerify
		if config.CACertificate != "" {
			pool, err := loadCertPool(config.CACertificate)
			if err != nil {
				return nil, err
			}
			tlsCfg.RootCAs = pool
		}
	}
	return &http.Transport{TLSClientConfig: tlsCfg}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", path)
	}
	return pool, nil
}

// WithTLSConfig applies TLS settings to the underlying client transport.
// A broken config logs and keeps the default transport rather than
// failing client construction.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		transport, err := ConfigureTLS(config)
		if err != nil {
			slog.Warn("Failed to configure TLS, using default transport", "error", err)
			return
		}
		if c.client == nil {
			c.client = &http.Client{Timeout: 60 * time.Second}
		}
		c.client.Transport = transport
	}
}
