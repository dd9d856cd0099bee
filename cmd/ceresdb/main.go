package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpapi "github.com/CyberFlameGO/ceresdb/internal/http"
	"github.com/CyberFlameGO/ceresdb/pkg/metrics"
	"github.com/CyberFlameGO/ceresdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ceresdb: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(&cfg)
	if err != nil {
		return err
	}
	stopDiag, err := initDiagnostics(&cfg)
	if err != nil {
		return err
	}
	defer stopDiag()

	reg := metrics.NewRegistry()
	engine, err := store.Open(ctx, cfg.DB, nil, store.WithLogger(logger), store.WithMetrics(reg))
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("failed to close engine", "error", err)
		}
	}()

	for _, tc := range cfg.Tables {
		s, err := tc.Schema()
		if err != nil {
			return err
		}
		if _, err := engine.OpenTable(ctx, tc.Name, s); err != nil {
			return fmt.Errorf("failed to open table %s: %w", tc.Name, err)
		}
		slog.Info("table opened", "table", tc.Name, "schema", s.String())
	}

	server := httpapi.NewServer(engine, reg, cfg.Server, logger)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	return nil
}
