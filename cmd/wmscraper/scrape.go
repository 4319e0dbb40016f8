package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/feeds"
	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/logging"
	"github.com/wmhub/wmscraper/internal/observability"
	"github.com/wmhub/wmscraper/internal/ratelimit"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/scraper"
	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

var exportPath string

// scrapeCmd creates the "scrape" subcommand.
func scrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape [adapter]",
		Short: "Run a one-shot scrape",
		Long: `Run every adapter once (or a single named adapter) and exit. Results go
to MongoDB unless --export is given, in which case the run is a dry run
against an in-memory store and the collected records are written to a
JSONL file instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runScrape,
	}
	cmd.Flags().StringVar(&exportPath, "export", "", "skip MongoDB and write results to this JSONL file")
	return cmd
}

// runScrape executes the scrape command.
func runScrape(cmd *cobra.Command, args []string) error {
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

	var (
		content store.ContentStore
		runLogs store.RunLogStore
		mem     *store.MemoryContent
	)
	if exportPath != "" {
		mem = store.NewMemoryContent()
		content = mem
		runLogs = store.NewMemoryRunLogs()
		logger.Info("dry run, exporting instead of persisting", "path", exportPath)
	} else {
		db, err := store.Connect(context.Background(), cfg.MongoURI, logger)
		if err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
		defer db.Close()
		content = db.Content
		runLogs = db.RunLogs
	}

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
		Content:  content,
		RunLogs:  runLogs,
		Metrics:  observability.NewMetrics(),
		Logs:     logs,
	})

	start := time.Now()
	if len(args) == 1 {
		_, err = scr.StartOne(args[0], types.TriggerManual, "cli")
	} else {
		_, err = scr.StartAll(types.TriggerManual, "cli")
	}
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling run", "signal", sig.String())
		scr.Stop()
	}()

	scr.Wait()
	signal.Stop(sigCh)

	status := scr.Status()
	printRunSummary(status, time.Since(start))

	if mem != nil {
		records := mem.All()
		if err := store.ExportJSONL(exportPath, records, logger); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Printf("   Exported:  %d records to %s\n", len(records), exportPath)
	}

	for _, st := range status.Adapters {
		if st.Status == types.RunFailed {
			return fmt.Errorf("one or more adapters failed")
		}
	}
	return nil
}

func printRunSummary(status scraper.Status, elapsed time.Duration) {
	names := make([]string, 0, len(status.Adapters))
	for name := range status.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n✅ Scrape complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Scraped:   %d found, %d inserted\n", status.TotalScraped, status.TotalInserted)
	fmt.Printf("   Errors:    %d\n", status.TotalErrors)
	fmt.Printf("   Throttled: %d waits, %d robots denials\n",
		status.RateLimit.ThrottledRequests, status.Robots.Blocked)
	for _, name := range names {
		st := status.Adapters[name]
		fmt.Printf("   %-10s %s", name, st.Status)
		if st.Error != "" {
			fmt.Printf(" (%s)", st.Error)
		}
		fmt.Println()
	}
}
