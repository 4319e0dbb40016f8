package logging

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wmhub/wmscraper/internal/config"
)

func setupTest(t *testing.T, level string) (*Logs, string) {
	t.Helper()
	dir := t.TempDir()
	logs, err := Setup(config.LoggingConfig{
		Level:      level,
		Dir:        dir,
		MaxSizeMB:  10,
		MaxBackups: 1,
		Console:    false,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { logs.Close() })
	return logs, dir
}

func readLog(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

// --- Routing Tests ---

func TestErrorsRouteToErrorFile(t *testing.T) {
	logs, dir := setupTest(t, "info")

	logs.App.Info("plain info", "n", 1)
	logs.App.Error("something broke", "n", 2)

	combined := readLog(t, dir, FileCombined)
	if !strings.Contains(combined, "plain info") || !strings.Contains(combined, "something broke") {
		t.Errorf("combined.log missing records: %q", combined)
	}

	errLog := readLog(t, dir, FileError)
	if strings.Contains(errLog, "plain info") {
		t.Errorf("error.log contains non-error record: %q", errLog)
	}
	if !strings.Contains(errLog, "something broke") {
		t.Errorf("error.log missing error record: %q", errLog)
	}
}

func TestHTTPLoggerRoutesToHTTPFile(t *testing.T) {
	logs, dir := setupTest(t, "info")

	logs.HTTP.Info("request", "method", "GET", "path", "/api/health")

	httpLog := readLog(t, dir, FileHTTP)
	if !strings.Contains(httpLog, `"path":"/api/health"`) {
		t.Errorf("http.log missing request record: %q", httpLog)
	}
	if !strings.Contains(httpLog, `"component":"http"`) {
		t.Errorf("http.log missing component attr: %q", httpLog)
	}
	if !strings.Contains(readLog(t, dir, FileCombined), "/api/health") {
		t.Error("combined.log should carry http records too")
	}
	if got := readLog(t, dir, FileScraping); strings.Contains(got, "/api/health") {
		t.Errorf("scraping.log should not see http records: %q", got)
	}
}

func TestScraperLoggerRoutesToScrapingFile(t *testing.T) {
	logs, dir := setupTest(t, "info")

	logs.Scraper.Info("run started", "adapter", "news")

	if got := readLog(t, dir, FileScraping); !strings.Contains(got, `"adapter":"news"`) {
		t.Errorf("scraping.log missing record: %q", got)
	}
}

func TestLevelGate(t *testing.T) {
	logs, dir := setupTest(t, "warn")

	logs.App.Info("too quiet")
	logs.App.Warn("loud enough")

	combined := readLog(t, dir, FileCombined)
	if strings.Contains(combined, "too quiet") {
		t.Errorf("info record passed a warn gate: %q", combined)
	}
	if !strings.Contains(combined, "loud enough") {
		t.Errorf("warn record missing: %q", combined)
	}
}

// --- Helper Tests ---

func TestException(t *testing.T) {
	logs, dir := setupTest(t, "info")

	logs.Exception("api", "boom", []byte("goroutine 1 [running]"))

	got := readLog(t, dir, FileExceptions)
	if !strings.Contains(got, `"panic":"boom"`) {
		t.Errorf("exceptions.log missing panic record: %q", got)
	}
	if !strings.Contains(got, "goroutine 1") {
		t.Errorf("exceptions.log missing stack: %q", got)
	}
}

func TestRejection(t *testing.T) {
	logs, dir := setupTest(t, "info")

	logs.Rejection("scheduled scrape", errors.New("scrape already in progress"))

	got := readLog(t, dir, FileRejections)
	if !strings.Contains(got, "scrape already in progress") {
		t.Errorf("rejections.log missing record: %q", got)
	}
	if !strings.Contains(got, `"task":"scheduled scrape"`) {
		t.Errorf("rejections.log missing task attr: %q", got)
	}
}

// --- Level Parsing Tests ---

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
