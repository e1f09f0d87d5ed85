// Debug entry point: runs a minimal package repository server with the
// metrics plugin installed, so the plugin can be exercised and scraped
// without a real host.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/giygas/pypiserver-metrics/backend"
	"github.com/giygas/pypiserver-metrics/config"
	"github.com/giygas/pypiserver-metrics/logging"
	"github.com/giygas/pypiserver-metrics/server"
)

func main() {
	// .env is optional; real configuration comes from the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.InitLogger(cfg.LogLevel)

	be, err := backend.NewFS(cfg.PackagesDir)
	if err != nil {
		logging.Error("Failed to initialize package backend", "error", err)
		os.Exit(1)
	}
	logging.Info("Using package directory", "dir", be.Root())

	srv, err := server.NewServer(cfg, be)
	if err != nil {
		logging.Error("Failed to set up server", "error", err)
		os.Exit(1)
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Shutdown failed", "error", err)
		os.Exit(1)
	}
}
