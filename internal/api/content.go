package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

func (s *Server) handleContentList(c *fiber.Ctx) error {
	page, limit := pageParams(c)
	q := store.ContentQuery{
		SourceHost:   c.Query("source"),
		Search:       c.Query("search"),
		SortBy:       c.Query("sort"),
		SortOrder:    c.Query("order"),
		MinRelevance: c.QueryInt("minRelevance", 0),
		MaxAgeDays:   c.QueryInt("maxAgeDays", 0),
		Page:         page,
		Limit:        limit,
	}
	if v := c.Query("type"); v != "" {
		category := types.Category(v)
		if !category.Valid() {
			return respondError(c, fiber.StatusBadRequest, "invalid content type")
		}
		q.Category = category
	}
	if v := c.Query("status"); v != "" {
		status := types.Status(v)
		if !status.Valid() {
			return respondError(c, fiber.StatusBadRequest, "invalid status filter")
		}
		q.Status = status
	}
	if v := c.Query("tags"); v != "" {
		q.Tags = splitCSV(v)
	}
	if v := c.Query("keywords"); v != "" {
		q.Keywords = splitCSV(v)
	}

	records, total, err := s.content.Find(c.Context(), q)
	if err != nil {
		return s.fail(c, err)
	}
	return respondPage(c, records, page, limit, total)
}

func (s *Server) handleContentStats(c *fiber.Ctx) error {
	stats, err := s.content.StatsOverview(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, stats)
}

// handleContentByID returns one record and bumps its view counter; a failed
// bump never fails the read.
func (s *Server) handleContentByID(c *fiber.Ctx) error {
	id := c.Params("id")
	rec, err := s.content.ByID(c.Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.content.IncrementViews(c.Context(), id); err != nil {
		s.logger.Warn("view counter increment failed", "id", id, "error", err.Error())
	} else {
		rec.Views++
	}
	return respondData(c, fiber.StatusOK, rec)
}

func (s *Server) handleContentStatus(c *fiber.Ctx) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, fiber.StatusBadRequest, "invalid request body")
	}
	status := types.Status(strings.ToLower(strings.TrimSpace(body.Status)))
	if !status.Valid() {
		return respondError(c, fiber.StatusBadRequest, "invalid content status")
	}

	id := c.Params("id")
	if err := s.content.UpdateStatus(c.Context(), id, status); err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, fiber.Map{"id": id, "status": status})
}

func (s *Server) handleContentDelete(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.content.DeleteByID(c.Context(), id); err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, fiber.Map{"id": id, "deleted": true})
}

func (s *Server) handleContentCleanup(c *fiber.Ctx) error {
	var body struct {
		MaxAgeDays int `json:"maxAgeDays"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return respondError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	days := body.MaxAgeDays
	if days <= 0 {
		days = s.cfg.Scrape.ContentMaxAgeDays
	}

	removed, err := s.content.Cleanup(c.Context(), days)
	if err != nil {
		return s.fail(c, err)
	}
	return respondData(c, fiber.StatusOK, fiber.Map{
		"removed":    removed,
		"maxAgeDays": days,
	})
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
