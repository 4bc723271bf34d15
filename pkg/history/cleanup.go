package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/mailpilot/internal/observability"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultSchedule  = "0 3 * * *"
)

// Cleanup prunes transcripts past the retention period on a cron schedule.
type Cleanup struct {
	store     Store
	retention time.Duration
	schedule  string
	now       func() time.Time
	logger    zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup handler. Zero values select the defaults.
func NewCleanup(store Store, retention time.Duration, schedule string) (*Cleanup, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}

	return &Cleanup{
		store:     store,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
		logger:    log.Logger.With().Str("component", "history_cleanup").Logger(),
	}, nil
}

// Start runs a cleanup immediately and then on the schedule.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	sched := cron.New()
	if _, err := sched.AddFunc(c.schedule, func() {
		if _, err := c.CleanupNow(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Failed to prune history")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	if _, err := c.CleanupNow(context.Background()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to prune history")
	}

	sched.Start()
	c.cron = sched
	c.running = true

	c.logger.Info().
		Dur("retention", c.retention).
		Str("schedule", c.schedule).
		Msg("History cleanup started")
	return nil
}

// Stop stops the schedule and waits for a running cleanup to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}

	<-c.cron.Stop().Done()
	c.running = false
	c.logger.Info().Msg("History cleanup stopped")
	return nil
}

// IsRunning returns whether the schedule is active.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CleanupNow deletes transcripts that ended before now minus the retention.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.retention)
	deleted, err := c.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	observability.RecordHistoryPruned(deleted)
	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("Pruned old transcripts")
	}
	return deleted, nil
}
