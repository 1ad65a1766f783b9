package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher hands a queue entry to whatever runs the pipeline.
// *rabbitmq.Publisher and *InlineDispatcher satisfy it.
type Dispatcher interface {
	Dispatch(ctx context.Context, queueID string) error
}

// InlineDispatcher runs the worker in a goroutine of the current process,
// detached from the caller's cancellation and bounded by timeout.
type InlineDispatcher struct {
	worker  *Worker
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewInlineDispatcher(worker *Worker, timeout time.Duration, log zerolog.Logger) *InlineDispatcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &InlineDispatcher{
		worker:  worker,
		timeout: timeout,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, queueID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if _, err := d.worker.Run(rctx, Request{QueueID: queueID}); err != nil {
			d.log.Warn().Err(err).Str("queue_id", queueID).Msg("inline pipeline run failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
