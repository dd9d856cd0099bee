package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/CyberFlameGO/ceresdb/pkg/config"
	"github.com/google/gops/agent"
)

// initConfig loads the YAML config file. A missing file means config.Default().
func initConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
		return config.Config{}, err
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// initLogger sets the default slog.Logger (JSON or text).
func initLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger, nil
}

// initDiagnostics starts the gops agent when enabled; the returned func stops it.
func initDiagnostics(cfg *config.Config) (func(), error) {
	if !cfg.Diagnostics.Gops {
		return func() {}, nil
	}
	if err := agent.Listen(agent.Options{ShutdownCleanup: false}); err != nil {
		return nil, fmt.Errorf("failed to start gops agent: %w", err)
	}
	slog.Info("gops agent started")
	return agent.Close, nil
}
