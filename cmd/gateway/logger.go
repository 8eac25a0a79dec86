package main

import (
	"fmt"
	"os"

	"github.com/intelliclaw/gateway/pkg/logger"
)

const (
	logLevelEnvVar  = "GATEWAY_LOG_LEVEL"
	logFileEnvVar   = "GATEWAY_LOG_FILE"
	logFormatEnvVar = "GATEWAY_LOG_FORMAT"
)

// initLogger configures the process-wide slog default.
// Priority: CLI flags > environment variables > defaults.
// Returns a cleanup function when logging goes to a file.
func initLogger(cliLevel, cliFile, cliFormat string) (func(), error) {
	level := firstNonEmpty(cliLevel, os.Getenv(logLevelEnvVar), "info")
	file := firstNonEmpty(cliFile, os.Getenv(logFileEnvVar))
	format := firstNonEmpty(cliFormat, os.Getenv(logFormatEnvVar), "simple")

	parsed, err := logger.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(parsed, output, format)
	return cleanup, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
