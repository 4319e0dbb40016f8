package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/types"
)

// browserTransport renders pages in a shared headless Chromium instance and
// returns the final DOM. Each fetch gets a fresh stealth page that is closed
// on every exit path; the browser itself lives until Close.
type browserTransport struct {
	browser *rod.Browser
	logger  *slog.Logger
}

func newBrowserTransport(cfg *config.Config, logger *slog.Logger) (*browserTransport, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")

	if cfg.Proxy.Host != "" {
		l = l.Proxy(cfg.Proxy.URL())
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	t := &browserTransport{
		browser: browser,
		logger:  logger.With("transport", "browser"),
	}
	t.logger.Info("headless browser ready")
	return t, nil
}

// Fetch navigates a stealth page to the URL and returns the rendered DOM.
func (t *browserTransport) Fetch(ctx context.Context, req *Request, headers http.Header) (*Response, error) {
	page, err := stealth.Page(t.browser)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: fmt.Errorf("stealth page: %w", err), Retryable: true}
	}
	defer page.Close()
	page = page.Context(ctx)

	if ua := headers.Get("User-Agent"); ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			t.logger.Warn("failed to set user agent", "error", err.Error())
		}
	}

	extra := make([]string, 0, len(headers)*2)
	for key, vals := range headers {
		if key == "User-Agent" || key == "Accept-Encoding" || key == "Connection" {
			continue
		}
		for _, v := range vals {
			extra = append(extra, key, v)
		}
	}
	if len(extra) > 0 {
		if _, err := page.SetExtraHeaders(extra); err != nil {
			t.logger.Warn("failed to set extra headers", "error", err.Error())
		}
	}

	if err := page.Navigate(req.URL); err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: err, Retryable: true}
	}
	if err := page.WaitStable(300 * time.Millisecond); err != nil {
		t.logger.Warn("page stability timeout, continuing", "url", req.URL, "error", err.Error())
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: err, Retryable: true}
	}

	finalURL := req.URL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	t.logger.Debug("browser fetch complete", "url", req.URL, "finalUrl", finalURL, "size", len(html))

	return &Response{
		URL: finalURL,
		// CDP does not surface the navigation status cheaply; a rendered
		// DOM is treated as success.
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte(html),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Close shuts the shared browser down.
func (t *browserTransport) Close() error {
	if t.browser != nil {
		return t.browser.Close()
	}
	return nil
}

// Type returns the transport identifier.
func (t *browserTransport) Type() string { return "browser" }
