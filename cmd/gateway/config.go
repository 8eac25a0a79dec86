package main

import (
	"context"
	"fmt"
	"os"

	"github.com/intelliclaw/gateway/pkg/config"
	"github.com/intelliclaw/gateway/pkg/config/provider"
)

const defaultConfigFile = "gateway.yaml"

// loadConfig resolves the configured source and returns a validated
// config plus the loader (nil when running on built-in defaults). The
// caller closes the loader. A missing default file is not an error:
// `gateway serve` works out of the box on defaults alone.
func loadConfig(ctx context.Context, cli *CLI) (*config.Config, *config.Loader, error) {
	srcType, err := provider.ParseType(cli.ConfigSource)
	if err != nil {
		return nil, nil, err
	}

	path := cli.Config
	switch {
	case srcType == provider.TypeFile && path == "":
		if !fileExists(defaultConfigFile) {
			cfg, err := defaultsOnly()
			return cfg, nil, err
		}
		path = defaultConfigFile
	case srcType != provider.TypeFile && path == "":
		return nil, nil, fmt.Errorf("--config names the %s key and is required for that source", srcType)
	case srcType == provider.TypeFile && !fileExists(path):
		return nil, nil, fmt.Errorf("config file %s does not exist", path)
	}

	return config.LoadConfig(ctx, provider.Options{
		Type:      srcType,
		Path:      path,
		Endpoints: cli.ConfigEndpoints,
	})
}

func defaultsOnly() (*config.Config, error) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("built-in defaults failed validation: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
