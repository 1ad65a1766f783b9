package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/chainsync"
	"github.com/forevermessage/forever-message/internal/pipeline"
)

const (
	DefaultSyncInterval = 1 // minutes
	JobTimeout          = 5 * time.Minute

	syncLock = "job:chainsync"
	reapLock = "job:reaper"
)

// Crontab runs the chain sync and the stale entry reaper on a schedule.
// Each run holds a named lock so only one instance works at a time.
type Crontab struct {
	ctab    *crontab.Crontab
	syncer  *chainsync.Syncer
	reaper  *pipeline.Reaper
	locker  pipeline.Locker
	minutes int
	log     zerolog.Logger
}

// NewCrontab accepts a nil syncer when no contract is configured.
func NewCrontab(syncer *chainsync.Syncer, reaper *pipeline.Reaper, locker pipeline.Locker, minutes int, log zerolog.Logger) *Crontab {
	if minutes <= 0 {
		minutes = DefaultSyncInterval
	}
	if locker == nil {
		locker = pipeline.NewLocalLocker()
	}
	return &Crontab{
		ctab:    crontab.New(),
		syncer:  syncer,
		reaper:  reaper,
		locker:  locker,
		minutes: minutes,
		log:     log.With().Str("component", "crontab").Logger(),
	}
}

// Run blocks until ctx is done.
func (c *Crontab) Run(ctx context.Context) error {
	// once on start
	c.Sync(ctx)
	c.Reap(ctx)

	expr := fmt.Sprintf("*/%d * * * *", c.minutes)
	if err := c.ctab.AddJob(expr, func() {
		jobCtx, cancel := context.WithTimeout(ctx, JobTimeout)
		defer cancel()
		c.Sync(jobCtx)
	}); err != nil {
		return fmt.Errorf("add sync job: %w", err)
	}
	if err := c.ctab.AddJob("* * * * *", func() {
		jobCtx, cancel := context.WithTimeout(ctx, JobTimeout)
		defer cancel()
		c.Reap(jobCtx)
	}); err != nil {
		return fmt.Errorf("add reaper job: %w", err)
	}
	c.log.Info().Int("sync_minutes", c.minutes).Bool("sync_enabled", c.syncer != nil).Msg("jobs scheduled")

	<-ctx.Done()
	c.ctab.Shutdown()
	return nil
}

func (c *Crontab) Sync(ctx context.Context) {
	if c.syncer == nil {
		return
	}
	err := c.locker.WithLock(ctx, syncLock, JobTimeout, func(ctx context.Context) error {
		_, err := c.syncer.SyncOnce(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Msg("chain sync failed")
	}
}

func (c *Crontab) Reap(ctx context.Context) {
	if c.reaper == nil {
		return
	}
	err := c.locker.WithLock(ctx, reapLock, JobTimeout, func(ctx context.Context) error {
		_, err := c.reaper.Sweep(ctx)
		return err
	})
	if err != nil && ctx.Err() == nil {
		c.log.Error().Err(err).Msg("reaper sweep failed")
	}
}
