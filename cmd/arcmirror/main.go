// Command arcmirror runs the mirror orchestrator: the download queue, the
// maintenance engine and the HTTP API in front of them.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/arcmirror/arcmirror/internal/api"
	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/database"
	"github.com/arcmirror/arcmirror/internal/logger"
	"github.com/arcmirror/arcmirror/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Str("cacheRoot", cfg.Library.CacheRoot).
		Msg("starting arcmirror")

	cfg.Queue.WorkerPath = resolveWorkerPath(cfg.Queue.WorkerPath)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)

	server, err := api.NewServer(ctx, db, hub, cfg, log.Logger, api.WithConfigPath(workerConfigPath(*configPath)))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	if err := server.Startup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start services")
	}

	serverErr := make(chan error, 1)
	go func() {
		addr := cfg.Server.Address()
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()

	log.Info().Msg("server stopped")
}

// workerConfigPath makes an explicit config path absolute for workers.
// Without one, workers search the same default locations as we do.
func workerConfigPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// resolveWorkerPath prefers a bare worker name installed next to this
// executable over a PATH lookup.
func resolveWorkerPath(path string) string {
	if path == "" || strings.ContainsRune(path, os.PathSeparator) || strings.Contains(path, "/") {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	sibling := filepath.Join(filepath.Dir(exe), path)
	if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
		return sibling
	}
	return path
}
