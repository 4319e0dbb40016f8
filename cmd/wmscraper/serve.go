package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wmhub/wmscraper/internal/api"
	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/feeds"
	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/logging"
	"github.com/wmhub/wmscraper/internal/observability"
	"github.com/wmhub/wmscraper/internal/ratelimit"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/scheduler"
	"github.com/wmhub/wmscraper/internal/scraper"
	"github.com/wmhub/wmscraper/internal/store"
)

const shutdownTimeout = 10 * time.Second

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scraper service",
		Long: `Run the long-lived scraper service: MongoDB-backed stores, the admin
HTTP API, and the cron schedule when AUTO_SCRAPE_ENABLED is set. SIGINT or
SIGTERM shuts down gracefully, cancelling any in-flight run.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

// runServe wires the service together and blocks until a shutdown signal.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logs, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logs.Close()
	logger := logs.App
	logger.Info("starting wmscraper", "version", config.Version, "port", cfg.Port)

	db, err := store.Connect(context.Background(), cfg.MongoURI, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer db.Close()

	metrics := observability.NewMetrics()
	robotsCache := robots.NewCache(cfg.Robots, logs.Scraper)
	limiter := ratelimit.New(cfg.Scrape, logs.Scraper)
	gate := ratelimit.NewGate(cfg.Scrape.MaxConcurrent)
	client, err := fetcher.New(cfg, robotsCache, limiter, gate, logs.Scraper)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}
	defer client.Close()

	scr := scraper.New(scraper.Params{
		Config:   cfg,
		Registry: feeds.DefaultRegistry(),
		Client:   client,
		Robots:   robotsCache,
		Limiter:  limiter,
		Gate:     gate,
		Content:  db.Content,
		RunLogs:  db.RunLogs,
		Metrics:  metrics,
		Logs:     logs,
	})

	srv := api.New(api.Params{
		Config:  cfg,
		Ctrl:    scr,
		Content: db.Content,
		RunLogs: db.RunLogs,
		Metrics: metrics,
		Pinger:  db,
		Logs:    logs,
	})

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = scheduler.New(cfg.Schedule, scr, logs, logger)
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		sched.Start()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Listen() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	if sched != nil {
		sched.Stop()
	}
	scr.Stop()
	scr.Wait()
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("api shutdown", "error", err.Error())
	}
	logger.Info("shutdown complete", "metrics", metrics.Snapshot())
	return nil
}
