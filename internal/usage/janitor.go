package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// janitorSchedule runs the retention purge nightly, off-peak.
const janitorSchedule = "0 3 * * *"

// Janitor purges ledger rows past the retention window on a cron
// schedule.
type Janitor struct {
	store     *Store
	retention time.Duration
	logger    *slog.Logger
	cron      *rcron.Cron
}

// NewJanitor creates a janitor that keeps retentionDays of history.
func NewJanitor(store *Store, retentionDays int, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Janitor{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With("component", "usage-janitor"),
	}
}

// Start schedules the nightly purge and runs one immediately to clear
// backlog accumulated while the engine was down.
func (j *Janitor) Start() error {
	j.cron = rcron.New()
	if _, err := j.cron.AddFunc(janitorSchedule, j.runOnce); err != nil {
		return fmt.Errorf("schedule usage janitor: %w", err)
	}
	j.cron.Start()
	go j.runOnce()
	j.logger.Debug("usage janitor started", "retention", j.retention)
	return nil
}

// Stop halts the schedule. Does not interrupt a purge in flight.
func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.retention)
	n, err := j.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		j.logger.Warn("usage purge failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("purged expired usage rows", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
	}
}
