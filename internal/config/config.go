package config

import (
	"fmt"
	"net/url"
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for the scraper service. Every value is
// overridable from the environment; see loader.go for the variable names.
type Config struct {
	Port           int
	MongoURI       string
	AllowedOrigins string
	Scrape         ScrapeConfig
	Robots         RobotsConfig
	Proxy          ProxyConfig
	Logging        LoggingConfig
	Schedule       ScheduleConfig
}

// ScrapeConfig controls the scraping core: politeness, retries, relevance.
type ScrapeConfig struct {
	Keywords            []string
	MaxItemsPerCategory int
	RequestTimeout      time.Duration
	MaxRetries          int
	MaxConcurrent       int
	DelayMin            time.Duration
	DelayMax            time.Duration
	UseBrowser          bool
	ContentMaxAgeDays   int
}

// RobotsConfig controls the robots.txt compliance cache.
type RobotsConfig struct {
	UserAgent    string
	CacheTTL     time.Duration
	CacheSize    int
	FetchTimeout time.Duration
}

// ProxyConfig carries an optional outbound HTTP proxy.
type ProxyConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the proxy as a URL string, or "" when no proxy is configured.
func (p ProxyConfig) URL() string {
	if p.Host == "" {
		return ""
	}
	u := url.URL{Scheme: "http", Host: p.Host}
	if p.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// LoggingConfig controls the structured file logs.
type LoggingConfig struct {
	Level      string
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	Console    bool
}

// ScheduleConfig controls the automatic scrape scheduler.
type ScheduleConfig struct {
	Enabled bool
	Cron    string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           3000,
		MongoURI:       "mongodb://localhost:27017/wmhub",
		AllowedOrigins: "*",
		Scrape: ScrapeConfig{
			Keywords:            []string{"webmethods"},
			MaxItemsPerCategory: 500,
			RequestTimeout:      30 * time.Second,
			MaxRetries:          3,
			MaxConcurrent:       3,
			DelayMin:            2000 * time.Millisecond,
			DelayMax:            5000 * time.Millisecond,
			UseBrowser:          false,
			ContentMaxAgeDays:   90,
		},
		Robots: RobotsConfig{
			UserAgent:    "wmScraperBot/1.0 (+https://github.com/wmhub/wmscraper)",
			CacheTTL:     time.Hour,
			CacheSize:    100,
			FetchTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "./logs",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Console:    true,
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Cron:    "0 */6 * * *",
		},
	}
}

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", cfg.Port)
	}
	if cfg.MongoURI == "" {
		return fmt.Errorf("mongodb_uri is required")
	}
	if len(cfg.Scrape.Keywords) == 0 {
		return fmt.Errorf("search_keywords must name at least one keyword")
	}
	if cfg.Scrape.MaxItemsPerCategory < 1 {
		return fmt.Errorf("max_items_per_category must be >= 1, got %d", cfg.Scrape.MaxItemsPerCategory)
	}
	if cfg.Scrape.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if cfg.Scrape.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", cfg.Scrape.MaxRetries)
	}
	if cfg.Scrape.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent_requests must be >= 1, got %d", cfg.Scrape.MaxConcurrent)
	}
	if cfg.Scrape.DelayMin < 0 || cfg.Scrape.DelayMax < cfg.Scrape.DelayMin {
		return fmt.Errorf("scrape delay bounds invalid: min=%s max=%s", cfg.Scrape.DelayMin, cfg.Scrape.DelayMax)
	}
	if cfg.Scrape.ContentMaxAgeDays < 1 {
		return fmt.Errorf("content_max_age_days must be >= 1, got %d", cfg.Scrape.ContentMaxAgeDays)
	}
	if cfg.Robots.UserAgent == "" {
		return fmt.Errorf("robots_user_agent is required")
	}
	if cfg.Robots.CacheSize < 1 {
		return fmt.Errorf("robots cache size must be >= 1")
	}
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("log_level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("log_max_size_mb must be >= 1")
	}
	if cfg.Schedule.Enabled && cfg.Schedule.Cron == "" {
		return fmt.Errorf("scrape_cron_schedule is required when auto scrape is enabled")
	}
	return nil
}

// ValidateURL checks if a URL string can be fetched.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
