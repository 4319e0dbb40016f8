// Package scheduler fires full scrape runs on a cron cadence.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/logging"
	"github.com/wmhub/wmscraper/internal/types"
)

// Starter launches a full scrape run. *scraper.Scraper satisfies it.
type Starter interface {
	StartAll(trigger types.Trigger, caller string) (string, error)
}

// Scheduler owns a single cron entry that starts a run of every adapter.
// A firing that overlaps an active run is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	starter Starter
	logs    *logging.Logs
	logger  *slog.Logger
}

// New parses the cron spec (standard five fields) and prepares the entry.
// The schedule does not fire until Start is called.
func New(cfg config.ScheduleConfig, starter Starter, logs *logging.Logs, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		spec:    cfg.Cron,
		starter: starter,
		logs:    logs,
		logger:  logger.With("component", "scheduler"),
	}
	if _, err := s.cron.AddFunc(cfg.Cron, s.fire); err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", cfg.Cron, err)
	}
	return s, nil
}

// Start begins firing on the configured cadence.
func (s *Scheduler) Start() {
	s.cron.Start()
	entries := s.cron.Entries()
	if len(entries) > 0 {
		s.logger.Info("schedule active", "cron", s.spec, "next", entries[0].Next)
	}
}

// Stop halts the cadence and waits for an in-flight firing to return. It
// does not wait for the scrape run itself; the scraper owns that.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("schedule stopped")
}

func (s *Scheduler) fire() {
	gid, err := s.starter.StartAll(types.TriggerScheduled, "cron")
	switch {
	case errors.Is(err, types.ErrAlreadyRunning):
		s.logger.Warn("scheduled scrape skipped", "reason", "previous run still active")
	case err != nil:
		s.logger.Error("scheduled scrape failed to start", "error", err.Error())
		if s.logs != nil {
			s.logs.Rejection("scheduled scrape", err)
		}
	default:
		s.logger.Info("scheduled scrape started", "group", gid)
	}
}
