package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultJanitorSchedule = "0 3 * * *"
)

// Janitor purges soft-deleted sessions past the retention window on a cron
// schedule
type Janitor struct {
	store     Store
	retention time.Duration
	schedule  string
	logger    zerolog.Logger
	cron      *cron.Cron
	entryID   cron.EntryID
	running   bool
}

// JanitorConfig holds janitor configuration
type JanitorConfig struct {
	Store     Store
	Retention time.Duration
	Schedule  string
	Logger    zerolog.Logger
}

// NewJanitor creates a retention janitor
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultJanitorSchedule
	}

	return &Janitor{
		store:     cfg.Store,
		retention: cfg.Retention,
		schedule:  cfg.Schedule,
		logger:    cfg.Logger,
		cron:      cron.New(),
	}, nil
}

// Start schedules the purge job
func (j *Janitor) Start() error {
	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	id, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.PurgeNow(context.Background()); err != nil {
			j.logger.Error().Err(err).Msg("Failed to purge deleted sessions")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule purge job: %w", err)
	}
	j.entryID = id
	j.cron.Start()
	j.running = true

	j.logger.Info().
		Str("schedule", j.schedule).
		Dur("retention", j.retention).
		Msg("Session janitor started")

	return nil
}

// Stop cancels the schedule; a purge in flight finishes first
func (j *Janitor) Stop() error {
	if !j.running {
		return fmt.Errorf("janitor is not running")
	}

	ctx := j.cron.Stop()
	<-ctx.Done()
	j.running = false

	j.logger.Info().Msg("Session janitor stopped")
	return nil
}

// PurgeNow immediately purges soft-deleted sessions older than the retention
// window and returns how many were removed
func (j *Janitor) PurgeNow(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-j.retention)

	purged, err := j.store.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	if purged > 0 {
		j.logger.Info().
			Int("purged", purged).
			Time("cutoff", cutoff).
			Msg("Purged deleted sessions")
	}

	return purged, nil
}

// IsRunning reports whether the janitor schedule is active
func (j *Janitor) IsRunning() bool {
	return j.running
}
