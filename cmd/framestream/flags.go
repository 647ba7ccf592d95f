package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath         string
	LogLevel           string
	LogFormat          string
	ShutdownTimeout    time.Duration
	ShutdownTimeoutSet bool
	ShowVersion        bool
	ShowHelp           bool
	Validate           bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Flags fall back to FRAMESTREAM_* environment variables
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("FRAMESTREAM_CONFIG", "configs/framestream.yaml"),
		"Path to configuration file (env: FRAMESTREAM_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("FRAMESTREAM_CONFIG", "configs/framestream.yaml"),
		"Path to configuration file (env: FRAMESTREAM_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FRAMESTREAM_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FRAMESTREAM_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FRAMESTREAM_LOG_FORMAT", "json"),
		"Log format: json, text (env: FRAMESTREAM_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FRAMESTREAM_SHUTDOWN_TIMEOUT", 0),
		"Drain timeout on shutdown, overrides shutdown.drain_timeout (env: FRAMESTREAM_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration, print the effective configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	cfg.ShutdownTimeoutSet = cfg.ShutdownTimeout > 0
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - batched video frame inference

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a config file
  %s --config=/etc/framestream/framestream.yaml

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Override configuration through the environment
  export FRAMESTREAM_CONFIG=/etc/framestream/framestream.yaml
  export FRAMESTREAM_BATCH_MAX_SIZE=50
  %s

  # Validate configuration and print the effective settings
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
