package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

const (
	defaultFileLogLines = 500
	maxFileLogLines     = 5000
)

// logFilePattern bounds the file-log endpoint to plain .log names; anything
// else (separators, traversal) is treated as unknown.
var logFilePattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+\.log$`)

func (s *Server) handleScraperStatus(c *fiber.Ctx) error {
	return respondData(c, fiber.StatusOK, s.ctrl.Status())
}

func (s *Server) handleScraperTypes(c *fiber.Ctx) error {
	return respondData(c, fiber.StatusOK, s.ctrl.Adapters())
}

// startTrigger reads the optional {triggeredBy} body; the default for API
// starts is the api trigger.
func startTrigger(c *fiber.Ctx) (types.Trigger, error) {
	var body struct {
		TriggeredBy string `json:"triggeredBy"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return "", errors.New("invalid request body")
		}
	}
	if body.TriggeredBy == "" {
		return types.TriggerAPI, nil
	}
	trigger := types.Trigger(body.TriggeredBy)
	if !trigger.Valid() {
		return "", errors.New("invalid trigger")
	}
	return trigger, nil
}

func (s *Server) handleStartAll(c *fiber.Ctx) error {
	trigger, err := startTrigger(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	groupID, err := s.ctrl.StartAll(trigger, c.IP())
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusAccepted, fiber.Map{
		"groupId": groupID,
		"message": "scrape started",
	})
}

func (s *Server) handleStartOne(c *fiber.Ctx) error {
	trigger, err := startTrigger(c)
	if err != nil {
		return respondError(c, fiber.StatusBadRequest, err.Error())
	}
	name := c.Params("name")
	groupID, err := s.ctrl.StartOne(name, trigger, c.IP())
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusAccepted, fiber.Map{
		"groupId": groupID,
		"adapter": name,
		"message": "scrape started",
	})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	s.ctrl.Stop()
	return respondData(c, fiber.StatusOK, fiber.Map{"stopped": true})
}

func (s *Server) handleRunLogs(c *fiber.Ctx) error {
	page, limit := pageParams(c)
	q := store.RunLogQuery{
		Adapter: c.Query("scraperName"),
		Source:  c.Query("source"),
		Page:    page,
		Limit:   limit,
	}
	if v := c.Query("status"); v != "" {
		status := types.RunStatus(v)
		if !status.Valid() {
			return respondError(c, fiber.StatusBadRequest, "invalid status filter")
		}
		q.Status = status
	}
	if v := c.Query("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, "startDate must be RFC 3339")
		}
		q.Since = t
	}
	if v := c.Query("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return respondError(c, fiber.StatusBadRequest, "endDate must be RFC 3339")
		}
		q.Until = t
	}

	logs, total, err := s.runs.Find(c.Context(), q)
	if err != nil {
		return s.fail(c, err)
	}
	return respondPage(c, logs, page, limit, total)
}

func (s *Server) handleRunLogByID(c *fiber.Ctx) error {
	log, err := s.runs.ByID(c.Context(), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, log)
}

func (s *Server) handleRunStats(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	stats, err := s.runs.Stats(c.Context(), days)
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, stats)
}

func (s *Server) handleFileLog(c *fiber.Ctx) error {
	name := c.Params("filename")
	if !logFilePattern.MatchString(name) {
		return respondError(c, fiber.StatusNotFound, "unknown log file")
	}
	if s.logs == nil {
		return respondError(c, fiber.StatusNotFound, "file logging disabled")
	}
	maxLines := c.QueryInt("maxLines", defaultFileLogLines)
	if maxLines < 1 {
		maxLines = defaultFileLogLines
	}
	if maxLines > maxFileLogLines {
		maxLines = maxFileLogLines
	}

	lines, err := tailLines(filepath.Join(s.logs.Dir(), name), maxLines)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return respondError(c, fiber.StatusNotFound, "unknown log file")
		}
		return s.fail(c, err)
	}

	// Log files are NDJSON; decode each line when possible so clients get
	// structured entries, raw text otherwise.
	entries := make([]any, 0, len(lines))
	for _, line := range lines {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err == nil {
			entries = append(entries, decoded)
			continue
		}
		entries = append(entries, line)
	}
	return respondData(c, fiber.StatusOK, fiber.Map{
		"file":  name,
		"count": len(entries),
		"lines": entries,
	})
}

// tailLines returns up to n trailing non-empty lines of the file.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring[n-1] = line
			continue
		}
		ring = append(ring, line)
	}
	return ring, sc.Err()
}
