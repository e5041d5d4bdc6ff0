// internal/retention/retention.go

// Package retention runs the scheduled maintenance sweep: soft-deleted
// chats are kept for a grace period and then purged from storage.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger removes soft-deleted chats older than the cutoff. Implemented by
// the storage gateway.
type Purger interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper purges soft-deleted chats on a cron schedule.
type Sweeper struct {
	store    Purger
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
}

// New creates a Sweeper. schedule is a standard 5-field cron expression;
// maxAge is how long soft-deleted chats are retained before purging.
func New(store Purger, schedule string, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(),
	}
}

// Start registers the sweep and starts the cron ticker.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// Sweep purges once. Exposed so a sweep can also be run on demand.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("retention sweep purged chats", "count", n, "cutoff", cutoff)
	}
}
