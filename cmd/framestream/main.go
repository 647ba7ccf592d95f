// Package main implements the framestream entry point: it loads the
// configuration, builds the engine and runs it until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/framestream/config"
	"github.com/c360/framestream/engine"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "framestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.ShutdownTimeoutSet {
		cfg.Shutdown.DrainTimeout = cliCfg.ShutdownTimeout
	}

	if cliCfg.Validate {
		rendered, err := cfg.Render()
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		_, _ = fmt.Fprint(os.Stdout, string(rendered))
		slog.Info("Configuration is valid")
		return nil
	}

	return runWithSignalHandling(cfg, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting framestream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// runWithSignalHandling builds and runs the engine; the first SIGINT or
// SIGTERM starts draining.
func runWithSignalHandling(cfg *config.Config, logger *slog.Logger) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	e, err := engine.Build(signalCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := e.Start(signalCtx); err != nil {
		_ = e.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("framestream started", "keys", cfg.Keys, "broker", cfg.Broker.Type)

	if err := e.Run(signalCtx); err != nil {
		return fmt.Errorf("engine stopped: %w", err)
	}

	slog.Info("framestream shutdown complete")
	return nil
}
