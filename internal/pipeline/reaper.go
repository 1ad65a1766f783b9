package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/metrics"
)

const (
	DefaultStaleAfter = 10 * time.Minute
	reapBatch         = 100
	staleExhausted    = "stale: attempts exhausted"
)

type ReapReport struct {
	Scanned int `json:"scanned"`
	Resumed int `json:"resumed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
}

// Reaper finds entries stuck in a non-terminal stage. It never moves a status
// backward: entries are either re-dispatched to resume where they stopped or
// failed once their attempts are used up.
type Reaper struct {
	repo       *bottle.Repo
	dispatcher Dispatcher
	bus        events.Publisher
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

func NewReaper(repo *bottle.Repo, dispatcher Dispatcher, bus events.Publisher, staleAfter time.Duration, log zerolog.Logger) *Reaper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{
		repo:       repo,
		dispatcher: dispatcher,
		bus:        bus,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "reaper").Logger(),
		now:        time.Now,
	}
}

func (r *Reaper) Sweep(ctx context.Context) (ReapReport, error) {
	var rep ReapReport

	stale, err := r.repo.ListStale(ctx, r.now().Add(-r.staleAfter), reapBatch)
	if err != nil {
		return rep, err
	}
	rep.Scanned = len(stale)

	for i := range stale {
		e := &stale[i]
		if e.Attempts >= e.MaxAttempts {
			err := r.repo.MarkFailed(ctx, e.ID, staleExhausted)
			switch {
			case err == nil:
				rep.Failed++
				metrics.ReapedEntries.WithLabelValues("failed").Inc()
				metrics.EntriesFinished.WithLabelValues(string(bottle.StatusFailed)).Inc()
				r.announce(ctx, e.ID)
			case errors.Is(err, bottle.ErrStatusMismatch):
				// finished since we listed it
			default:
				rep.Errors++
				r.log.Warn().Err(err).Str("queue_id", e.ID).Msg("reap: mark failed")
			}
			continue
		}

		if r.dispatcher == nil {
			continue
		}
		if err := r.dispatcher.Dispatch(ctx, e.ID); err != nil {
			rep.Errors++
			r.log.Warn().Err(err).Str("queue_id", e.ID).Msg("reap: dispatch")
			continue
		}
		rep.Resumed++
		metrics.ReapedEntries.WithLabelValues("resumed").Inc()
	}

	if rep.Scanned > 0 {
		r.log.Info().
			Int("scanned", rep.Scanned).
			Int("resumed", rep.Resumed).
			Int("failed", rep.Failed).
			Int("errors", rep.Errors).
			Msg("reap sweep")
	}
	return rep, nil
}

func (r *Reaper) announce(ctx context.Context, id string) {
	if r.bus == nil {
		return
	}
	e, err := r.repo.GetEntry(ctx, id)
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, events.FromEntry(e)); err != nil {
		r.log.Warn().Err(err).Str("queue_id", id).Msg("reap: publish")
	}
}
