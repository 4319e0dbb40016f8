// Package api is the admin HTTP surface: scraper control, run-log and
// content queries, health and metrics. Every JSON response uses a common
// envelope; store and scraper sentinel errors map onto HTTP statuses, and
// anything unexpected is logged in full but returned redacted.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/logging"
	"github.com/wmhub/wmscraper/internal/observability"
	"github.com/wmhub/wmscraper/internal/scraper"
	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

// Controller is the scraper surface the API drives. *scraper.Scraper
// satisfies it; tests substitute a fake.
type Controller interface {
	StartAll(trigger types.Trigger, caller string) (string, error)
	StartOne(name string, trigger types.Trigger, caller string) (string, error)
	Stop()
	Status() scraper.Status
	Adapters() []scraper.AdapterInfo
}

// Pinger reports backing-store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Params wires the server's collaborators. Pinger and Logs may be nil (memory
// store, no file logging).
type Params struct {
	Config  *config.Config
	Ctrl    Controller
	Content store.ContentStore
	RunLogs store.RunLogStore
	Metrics *observability.Metrics
	Pinger  Pinger
	Logs    *logging.Logs
	Logger  *slog.Logger
}

// Server is the admin API.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	ctrl    Controller
	content store.ContentStore
	runs    store.RunLogStore
	metrics *observability.Metrics
	pinger  Pinger
	logs    *logging.Logs
	logger  *slog.Logger
	httpLog *slog.Logger
}

// New builds the fiber app with its middleware chain and routes.
func New(p Params) *Server {
	logger := p.Logger
	if logger == nil && p.Logs != nil {
		logger = p.Logs.App
	}
	s := &Server{
		cfg:     p.Config,
		ctrl:    p.Ctrl,
		content: p.Content,
		runs:    p.RunLogs,
		metrics: p.Metrics,
		pinger:  p.Pinger,
		logs:    p.Logs,
		logger:  logger.With("component", "api"),
	}
	s.httpLog = s.logger
	if p.Logs != nil {
		s.httpLog = p.Logs.HTTP
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "wmscraper",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			if s.logs != nil {
				s.logs.Exception("api", e, debug.Stack())
			}
			s.logger.Error("handler panicked",
				"method", c.Method(),
				"path", c.Path(),
				"panic", fmt.Sprint(e),
			)
		},
	}))
	s.app.Use(s.requestLogger())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: p.Config.AllowedOrigins,
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", s.handleMetrics)

	scr := s.app.Group("/api/scraper")
	scr.Get("/status", s.handleScraperStatus)
	scr.Get("/types", s.handleScraperTypes)
	scr.Post("/start", s.handleStartAll)
	scr.Post("/start/:name", s.handleStartOne)
	scr.Post("/stop", s.handleStop)
	scr.Get("/logs", s.handleRunLogs)
	scr.Get("/logs/:id", s.handleRunLogByID)
	scr.Get("/stats", s.handleRunStats)
	scr.Get("/file-logs/:filename", s.handleFileLog)

	content := s.app.Group("/api/content")
	content.Get("/", s.handleContentList)
	content.Get("/stats/overview", s.handleContentStats)
	content.Post("/cleanup", s.handleContentCleanup)
	content.Get("/:id", s.handleContentByID)
	content.Patch("/:id/status", s.handleContentStatus)
	content.Delete("/:id", s.handleContentDelete)
}

// Listen blocks serving the admin API until Shutdown is called.
func (s *Server) Listen() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info("admin api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		// The error handler has not run yet, so the response status is only
		// authoritative when the handler returned nil.
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		s.httpLog.Info("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration", time.Since(start).Round(time.Microsecond).String(),
			"ip", c.IP(),
		)
		return err
	}
}

// errorHandler renders errors that escaped a handler. Internal detail is
// logged but never returned to the caller.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	message := err.Error()
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Method(),
			"path", c.Path(),
			"error", err.Error(),
		)
		message = "internal server error"
	}
	return respondError(c, status, message)
}

// fail maps domain sentinels onto client statuses; anything unrecognized
// bubbles to the error handler as a 500.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrAdapterNotFound):
		return respondError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrAlreadyRunning):
		return respondError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, types.ErrInvalidStatus):
		return respondError(c, fiber.StatusBadRequest, err.Error())
	default:
		return err
	}
}

type pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

func respondData(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{"success": true, "data": data})
}

func respondPage(c *fiber.Ctx, data any, page, limit int, total int64) error {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"pagination": pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: pages,
		},
	})
}

func respondError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"message": message,
			"code":    codeFor(status),
			"status":  status,
		},
	})
}

func codeFor(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// pageParams reads and bounds the shared page/limit query parameters.
func pageParams(c *fiber.Ctx) (page, limit int) {
	page = c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit = c.QueryInt("limit", store.DefaultPageSize)
	if limit < 1 {
		limit = store.DefaultPageSize
	}
	if limit > store.MaxPageSize {
		limit = store.MaxPageSize
	}
	return page, limit
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	health := fiber.Map{
		"status":  "ok",
		"version": config.Version,
		"uptime":  s.metrics.Uptime().Round(time.Second).String(),
	}
	database := "disabled"
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			database = "error"
			health["status"] = "degraded"
			s.logger.Warn("health check: store unreachable", "error", err.Error())
		} else {
			database = "ok"
		}
	}
	health["database"] = database

	status := fiber.StatusOK
	if health["status"] != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return respondData(c, status, health)
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	s.metrics.WritePrometheus(c)
	return nil
}
