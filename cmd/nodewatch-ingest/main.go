// Copyright 2026 The Nodewatch Authors
// SPDX-License-Identifier: Apache-2.0

// nodewatch-ingest is the real-time ingestion server. Node agents
// connect to /ingest over WebSocket, authenticate with header
// credentials, and stream job-run trees; /status reports operational
// counters.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nodewatch/nodewatch/ingest"
	"github.com/nodewatch/nodewatch/lib/clock"
	"github.com/nodewatch/nodewatch/lib/config"
	"github.com/nodewatch/nodewatch/lib/process"
	"github.com/nodewatch/nodewatch/lib/version"
	"github.com/nodewatch/nodewatch/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var listen string
	var showVersion bool

	flagSet := pflag.NewFlagSet("nodewatch-ingest", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $NODEWATCH_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "listen address, overriding the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("nodewatch-ingest")
		return nil
	}

	level := slog.LevelInfo
	if os.Getenv("NODEWATCH_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	server, err := ingest.NewServer(ingest.ServerConfig{
		Auth:            st,
		Sessions:        st,
		Runs:            st,
		Clock:           clock.Real(),
		Logger:          logger,
		MaxMessageBytes: cfg.Ingest.MaxMessageBytes,
		WriteTimeout:    cfg.Ingest.WriteTimeout.Std(),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", server.HandleIngest)
	mux.HandleFunc("/status", server.HandleStatus)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("ingest server running",
		"listen", cfg.Listen,
		"database", cfg.Database.Path,
		"version", version.Version)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down",
		"active", server.ActiveConnections())

	// Shutdown drains plain HTTP requests; it does not touch upgraded
	// WebSocket connections, so sever those with Close afterwards.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := httpServer.Close(); err != nil {
		logger.Warn("http close", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve error", "error", err)
	}

	return nil
}
