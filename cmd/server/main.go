// Command server is the hoopcal calendar API server.
//
// Usage:
//
//	hoopcal-server
//	API_PORT=8080 DB_TYPE=file hoopcal-server
//
// @title hoopcal API
// @version 1.0.0
// @description Publishes Israeli basketball fixtures as a filterable RFC-5545 calendar feed, refreshed on demand from the federation's upstream widget API.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name hoopcal
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/hoopcal/internal/api"
	"github.com/albapepper/hoopcal/internal/cache"
	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/refresh"
	"github.com/albapepper/hoopcal/internal/scrape"
	"github.com/albapepper/hoopcal/internal/store"
	"github.com/albapepper/hoopcal/internal/token"
	"github.com/albapepper/hoopcal/internal/upstream"

	_ "github.com/albapepper/hoopcal/internal/store/edgesql"
	_ "github.com/albapepper/hoopcal/internal/store/filestore"
	_ "github.com/albapepper/hoopcal/internal/store/rowstore"
)

const autoStaleCheckInterval = 15 * time.Minute

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger.Info("opening store", "db_type", cfg.DBType)
	s, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	hostIdentifier := hostIdentifierFor(cfg)

	harvester := token.New(cfg.WidgetURL, upstreamHost(cfg.UpstreamBaseURL), cfg.ScraperHeadless, logger)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, 5, logger)
	orchestrator := &scrape.Orchestrator{
		Harvester:   harvester,
		Upstream:    upstreamClient,
		Store:       s,
		Concurrency: 4,
		Logger:      logger,
	}

	refreshController := refresh.New(
		func(ctx context.Context, onProgress func(scrape.Progress)) (scrape.Result, error) {
			return orchestrator.Run(ctx, onProgress)
		},
		cfg.RefreshCooldown,
		cfg.CacheTTL,
		logger,
	)
	go refreshController.StartAutoStaleCheckLoop(ctx, autoStaleCheckInterval)

	appCache := cache.New(true)
	logger.Info("cache initialized")

	router := api.NewRouter(s, refreshController, appCache, cfg, hostIdentifier)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting hoopcal server",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

// hostIdentifierFor builds the stable suffix used in event UIDs from the
// machine's hostname ("hoopcal" if it cannot be read), so UIDs stay stable
// across restarts without needing a persisted machine identifier.
func hostIdentifierFor(cfg *config.Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hoopcal"
	}
	return host + ".hoopcal.local"
}

func upstreamHost(baseURL string) string {
	trimmed := baseURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(trimmed) > len(prefix) && trimmed[:len(prefix)] == prefix {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	for i, c := range trimmed {
		if c == '/' {
			return trimmed[:i]
		}
	}
	return trimmed
}
