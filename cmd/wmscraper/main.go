package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wmhub/wmscraper/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wmscraper",
		Short: "wmscraper — webMethods content aggregation service",
		Long: `wmscraper collects webMethods-related news, jobs, blog posts and community
threads from public RSS/Atom feeds into MongoDB.

It runs either as a long-lived service (admin HTTP API plus optional cron
schedule) or as a one-shot scrape from the command line. Every run honors
robots.txt, per-domain rate limits and a global concurrency cap, and leaves
a run log behind for auditing.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scrapeCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wmscraper %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting the effective
// configuration after environment overrides.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("Service:\n")
			fmt.Printf("  Port:               %d\n", cfg.Port)
			fmt.Printf("  MongoDB URI:        %s\n", redactURI(cfg.MongoURI))
			fmt.Printf("  Allowed Origins:    %s\n", cfg.AllowedOrigins)
			fmt.Printf("\nScrape:\n")
			fmt.Printf("  Keywords:           %s\n", strings.Join(cfg.Scrape.Keywords, ", "))
			fmt.Printf("  Max Items/Category: %d\n", cfg.Scrape.MaxItemsPerCategory)
			fmt.Printf("  Request Timeout:    %s\n", cfg.Scrape.RequestTimeout)
			fmt.Printf("  Max Retries:        %d\n", cfg.Scrape.MaxRetries)
			fmt.Printf("  Max Concurrent:     %d\n", cfg.Scrape.MaxConcurrent)
			fmt.Printf("  Delay:              %s - %s\n", cfg.Scrape.DelayMin, cfg.Scrape.DelayMax)
			fmt.Printf("  Browser Fetch:      %v\n", cfg.Scrape.UseBrowser)
			fmt.Printf("  Content Max Age:    %d days\n", cfg.Scrape.ContentMaxAgeDays)
			fmt.Printf("\nRobots:\n")
			fmt.Printf("  User Agent:         %s\n", cfg.Robots.UserAgent)
			fmt.Printf("  Cache TTL:          %s\n", cfg.Robots.CacheTTL)
			fmt.Printf("  Cache Size:         %d\n", cfg.Robots.CacheSize)
			fmt.Printf("\nProxy:\n")
			fmt.Printf("  Configured:         %v\n", cfg.Proxy.Host != "")
			fmt.Printf("\nLogging:\n")
			fmt.Printf("  Level:              %s\n", cfg.Logging.Level)
			fmt.Printf("  Dir:                %s\n", cfg.Logging.Dir)
			fmt.Printf("  Rotation:           %d MB x %d backups\n", cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
			fmt.Printf("\nSchedule:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Schedule.Enabled)
			fmt.Printf("  Cron:               %s\n", cfg.Schedule.Cron)
			return nil
		},
	}
}

// redactURI hides credentials embedded in a MongoDB URI.
func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
