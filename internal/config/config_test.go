package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("expected default port 3000, got %d", cfg.Port)
	}
	if len(cfg.Scrape.Keywords) != 1 || cfg.Scrape.Keywords[0] != "webmethods" {
		t.Errorf("expected default keywords [webmethods], got %v", cfg.Scrape.Keywords)
	}
	if cfg.Scrape.MaxItemsPerCategory != 500 {
		t.Errorf("expected 500, got %d", cfg.Scrape.MaxItemsPerCategory)
	}
	if cfg.Scrape.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.Scrape.RequestTimeout)
	}
	if cfg.Scrape.MaxRetries != 3 || cfg.Scrape.MaxConcurrent != 3 {
		t.Errorf("unexpected retry/concurrency defaults: %d/%d", cfg.Scrape.MaxRetries, cfg.Scrape.MaxConcurrent)
	}
	if cfg.Scrape.DelayMin != 2*time.Second || cfg.Scrape.DelayMax != 5*time.Second {
		t.Errorf("unexpected delay defaults: %s/%s", cfg.Scrape.DelayMin, cfg.Scrape.DelayMax)
	}
	if cfg.Scrape.ContentMaxAgeDays != 90 {
		t.Errorf("expected 90 day retention, got %d", cfg.Scrape.ContentMaxAgeDays)
	}
	if cfg.Schedule.Cron != "0 */6 * * *" {
		t.Errorf("unexpected cron default %q", cfg.Schedule.Cron)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8085")
	t.Setenv("SEARCH_KEYWORDS", "webMethods, Integration , ")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "7")
	t.Setenv("SCRAPE_DELAY_MIN", "100")
	t.Setenv("SCRAPE_DELAY_MAX", "200")
	t.Setenv("USE_PUPPETEER", "true")
	t.Setenv("MONGODB_URI", "mongodb://db.internal:27017/hub")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("AUTO_SCRAPE_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8085 {
		t.Errorf("PORT override ignored, got %d", cfg.Port)
	}
	want := []string{"webmethods", "integration"}
	if len(cfg.Scrape.Keywords) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Scrape.Keywords)
	}
	for i := range want {
		if cfg.Scrape.Keywords[i] != want[i] {
			t.Errorf("keyword %d: expected %q, got %q", i, want[i], cfg.Scrape.Keywords[i])
		}
	}
	if cfg.Scrape.MaxConcurrent != 7 {
		t.Errorf("MAX_CONCURRENT_REQUESTS override ignored, got %d", cfg.Scrape.MaxConcurrent)
	}
	if cfg.Scrape.DelayMin != 100*time.Millisecond || cfg.Scrape.DelayMax != 200*time.Millisecond {
		t.Errorf("delay overrides ignored: %s/%s", cfg.Scrape.DelayMin, cfg.Scrape.DelayMax)
	}
	if !cfg.Scrape.UseBrowser {
		t.Error("USE_PUPPETEER override ignored")
	}
	if cfg.MongoURI != "mongodb://db.internal:27017/hub" {
		t.Errorf("MONGODB_URI override ignored, got %q", cfg.MongoURI)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("LOG_LEVEL should be lowercased, got %q", cfg.Logging.Level)
	}
	if !cfg.Schedule.Enabled {
		t.Error("AUTO_SCRAPE_ENABLED override ignored")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"no mongo uri", func(c *Config) { c.MongoURI = "" }},
		{"no keywords", func(c *Config) { c.Scrape.Keywords = nil }},
		{"zero timeout", func(c *Config) { c.Scrape.RequestTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Scrape.MaxRetries = -1 }},
		{"zero concurrency", func(c *Config) { c.Scrape.MaxConcurrent = 0 }},
		{"inverted delays", func(c *Config) { c.Scrape.DelayMin = time.Second; c.Scrape.DelayMax = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"cron enabled empty", func(c *Config) { c.Schedule.Enabled = true; c.Schedule.Cron = "" }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestProxyURL(t *testing.T) {
	p := ProxyConfig{}
	if p.URL() != "" {
		t.Error("empty proxy should render empty URL")
	}

	p = ProxyConfig{Host: "proxy.local", Port: 8080}
	if got := p.URL(); got != "http://proxy.local:8080" {
		t.Errorf("unexpected proxy URL %q", got)
	}

	p = ProxyConfig{Host: "proxy.local", Port: 8080, Username: "u", Password: "p"}
	if got := p.URL(); got != "http://u:p@proxy.local:8080" {
		t.Errorf("unexpected authenticated proxy URL %q", got)
	}
}

func TestValidateURL(t *testing.T) {
	if err := ValidateURL("https://example.com/feed"); err != nil {
		t.Errorf("valid URL rejected: %v", err)
	}
	for _, bad := range []string{"ftp://example.com", "https://", "://nope"} {
		if err := ValidateURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
