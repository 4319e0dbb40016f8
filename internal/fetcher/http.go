package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/types"
)

const maxBodyBytes = 10 << 20

// httpTransport sends requests over net/http with its own decompression
// (including brotli) and an optional forward proxy.
type httpTransport struct {
	client *http.Client
	logger *slog.Logger
}

func newHTTPTransport(cfg *config.Config, logger *slog.Logger) (*httpTransport, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // decompression handled here, including brotli
	}

	if cfg.Proxy.Host != "" {
		proxyURL, err := url.Parse(cfg.Proxy.URL())
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
		logger.Info("proxy enabled", "host", cfg.Proxy.Host, "port", cfg.Proxy.Port)
	}

	client := &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("max redirects (10) reached")
			}
			return nil
		},
	}

	return &httpTransport{
		client: client,
		logger: logger.With("transport", "http"),
	}, nil
}

// Fetch sends one attempt. Any status code is returned as a response; only
// network and body-read failures return errors.
func (t *httpTransport) Fetch(ctx context.Context, req *Request, headers http.Header) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: err, Retryable: false}
	}
	httpReq.Header = headers

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &types.FetchError{
			URL:       req.URL,
			Attempts:  1,
			Err:       err,
			Retryable: isRetryableError(err),
		}
	}
	defer httpResp.Body.Close()

	var reader io.Reader = io.LimitReader(httpResp.Body, maxBodyBytes)
	reader, err = decompressReader(httpResp.Header.Get("Content-Encoding"), reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: err, Retryable: false}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URL, Attempts: 1, Err: err, Retryable: true}
	}

	return &Response{
		URL:        httpResp.Request.URL.String(),
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Close releases idle connections.
func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// Type returns the transport identifier.
func (t *httpTransport) Type() string { return "http" }

// decompressReader wraps a reader with the decompressor named by the
// Content-Encoding header. Handles gzip, deflate, and brotli.
func decompressReader(encoding string, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// isRetryableError checks if a network error warrants a retry. Covers
// timeouts, connection resets, unexpected EOF, and connection refused.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

// parseRetryAfter parses a Retry-After header value. Supports both integer
// seconds and HTTP-date formats, capped at two minutes; returns 0 when the
// header is absent or unreadable.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 0
}
