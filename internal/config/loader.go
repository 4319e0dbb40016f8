package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from the environment on top of the defaults.
// Variable names are flat and uppercase (PORT, MONGODB_URI, SEARCH_KEYWORDS,
// MAX_CONCURRENT_REQUESTS, ...); durations are given in milliseconds.
func Load() (*Config, error) {
	def := DefaultConfig()

	v := viper.New()
	setDefaults(v, def)
	v.AutomaticEnv()

	cfg := &Config{
		Port:           v.GetInt("port"),
		MongoURI:       v.GetString("mongodb_uri"),
		AllowedOrigins: v.GetString("allowed_origins"),
		Scrape: ScrapeConfig{
			Keywords:            splitKeywords(v.GetString("search_keywords")),
			MaxItemsPerCategory: v.GetInt("max_items_per_category"),
			RequestTimeout:      time.Duration(v.GetInt("request_timeout")) * time.Millisecond,
			MaxRetries:          v.GetInt("max_retries"),
			MaxConcurrent:       v.GetInt("max_concurrent_requests"),
			DelayMin:            time.Duration(v.GetInt("scrape_delay_min")) * time.Millisecond,
			DelayMax:            time.Duration(v.GetInt("scrape_delay_max")) * time.Millisecond,
			UseBrowser:          v.GetBool("use_puppeteer"),
			ContentMaxAgeDays:   v.GetInt("content_max_age_days"),
		},
		Robots: RobotsConfig{
			UserAgent:    v.GetString("robots_user_agent"),
			CacheTTL:     def.Robots.CacheTTL,
			CacheSize:    def.Robots.CacheSize,
			FetchTimeout: def.Robots.FetchTimeout,
		},
		Proxy: ProxyConfig{
			Host:     v.GetString("proxy_host"),
			Port:     v.GetInt("proxy_port"),
			Username: v.GetString("proxy_username"),
			Password: v.GetString("proxy_password"),
		},
		Logging: LoggingConfig{
			Level:      strings.ToLower(v.GetString("log_level")),
			Dir:        v.GetString("log_dir"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
			Console:    v.GetBool("log_console"),
		},
		Schedule: ScheduleConfig{
			Enabled: v.GetBool("auto_scrape_enabled"),
			Cron:    v.GetString("scrape_cron_schedule"),
		},
	}

	return cfg, nil
}

// setDefaults registers every known key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("port", def.Port)
	v.SetDefault("mongodb_uri", def.MongoURI)
	v.SetDefault("allowed_origins", def.AllowedOrigins)

	v.SetDefault("search_keywords", strings.Join(def.Scrape.Keywords, ","))
	v.SetDefault("max_items_per_category", def.Scrape.MaxItemsPerCategory)
	v.SetDefault("request_timeout", int(def.Scrape.RequestTimeout/time.Millisecond))
	v.SetDefault("max_retries", def.Scrape.MaxRetries)
	v.SetDefault("max_concurrent_requests", def.Scrape.MaxConcurrent)
	v.SetDefault("scrape_delay_min", int(def.Scrape.DelayMin/time.Millisecond))
	v.SetDefault("scrape_delay_max", int(def.Scrape.DelayMax/time.Millisecond))
	v.SetDefault("use_puppeteer", def.Scrape.UseBrowser)
	v.SetDefault("content_max_age_days", def.Scrape.ContentMaxAgeDays)

	v.SetDefault("robots_user_agent", def.Robots.UserAgent)

	v.SetDefault("proxy_host", "")
	v.SetDefault("proxy_port", 0)
	v.SetDefault("proxy_username", "")
	v.SetDefault("proxy_password", "")

	v.SetDefault("log_level", def.Logging.Level)
	v.SetDefault("log_dir", def.Logging.Dir)
	v.SetDefault("log_max_size_mb", def.Logging.MaxSizeMB)
	v.SetDefault("log_max_backups", def.Logging.MaxBackups)
	v.SetDefault("log_console", def.Logging.Console)

	v.SetDefault("auto_scrape_enabled", def.Schedule.Enabled)
	v.SetDefault("scrape_cron_schedule", def.Schedule.Cron)
}

// splitKeywords parses the comma-separated SEARCH_KEYWORDS value.
func splitKeywords(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out = append(out, k)
		}
	}
	return out
}
