// Command scraper is the hoopcal one-shot scrape CLI, useful for manual
// backfills and cron-driven refreshes outside the running API server.
//
// Usage:
//
//	hoopcal-scraper run
//	hoopcal-scraper run --concurrency 8
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/albapepper/hoopcal/internal/config"
	"github.com/albapepper/hoopcal/internal/scrape"
	"github.com/albapepper/hoopcal/internal/store"
	"github.com/albapepper/hoopcal/internal/token"
	"github.com/albapepper/hoopcal/internal/upstream"

	_ "github.com/albapepper/hoopcal/internal/store/edgesql"
	_ "github.com/albapepper/hoopcal/internal/store/filestore"
	_ "github.com/albapepper/hoopcal/internal/store/rowstore"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "hoopcal-scraper",
		Short: "Run a one-shot scrape of the upstream fixture graph",
	}

	root.AddCommand(runCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape every season/competition/group and bulk-replace the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Bounded parallelism across group fetches")
	return cmd
}

func runScrape(concurrency int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	harvester := token.New(cfg.WidgetURL, upstreamHost(cfg.UpstreamBaseURL), cfg.ScraperHeadless, logger)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, 5, logger)

	orchestrator := &scrape.Orchestrator{
		Harvester:   harvester,
		Upstream:    upstreamClient,
		Store:       s,
		Concurrency: concurrency,
		Logger:      logger,
	}

	start := time.Now()
	result, err := orchestrator.Run(ctx, func(p scrape.Progress) {
		logger.Info("scrape progress", "season", p.CurrentSeason, "groups_done", p.GroupsDone, "groups_total", p.GroupsTotal)
	})
	if err != nil {
		logger.Error("scrape failed", "error", err, "duration", time.Since(start).Round(time.Second))
		return err
	}

	logger.Info("scrape finished", "summary", result.Summary())
	if len(result.Errors) > 0 {
		for _, e := range result.Errors {
			logger.Error("group scrape error", "error", e)
		}
	}
	return nil
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
