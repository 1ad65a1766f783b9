package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/ipfs"
	"github.com/forevermessage/forever-message/internal/metrics"
)

var (
	ErrNotConfigured     = config.ErrNotConfigured
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

const (
	DefaultConfirmationDelay = 5 * time.Second
	defaultLockTTL           = 2 * time.Minute
	defaultClaimTTL          = 2 * time.Minute
	failureWriteTimeout      = 5 * time.Second
)

// Minter submits bottles to the contract with the custodial wallet.
type Minter interface {
	Address() string
	WalletLockName() string
	SubmitBottle(ctx context.Context, cid string) (txHash string, err error)
	AwaitBottleID(ctx context.Context, txHash string) (string, error)
}

// Locker runs fn while holding a named lock.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// LocalLocker serializes by name within one process. Used when Redis is absent.
// Waiting for a held lock gives up when ctx is done.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	_ = ttl
	l.mu.Lock()
	sem, ok := l.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.locks[name] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

type Request struct {
	QueueID string
	Message string
	UserID  string
}

type Result struct {
	QueueID  string        `json:"queueId"`
	Status   bottle.Status `json:"status"`
	BottleID string        `json:"bottleId,omitempty"`
	CID      string        `json:"cid,omitempty"`
	Error    string        `json:"error,omitempty"`
	// Skipped is set when the entry was already terminal and nothing ran.
	Skipped bool `json:"skipped"`
}

func resultFrom(e *bottle.QueueEntry, skipped bool) *Result {
	r := &Result{QueueID: e.ID, Status: e.Status, Skipped: skipped}
	if e.BlockchainID != nil {
		r.BottleID = *e.BlockchainID
	}
	if e.IPFSCid != nil {
		r.CID = *e.IPFSCid
	}
	if e.Error != nil {
		r.Error = *e.Error
	}
	return r
}

type Options struct {
	ConfirmationDelay time.Duration
	LockTTL           time.Duration
	// ClaimTTL is how long an entry touched by a run stays reserved for it.
	// Runs arriving inside that window report the entry without counting an
	// attempt.
	ClaimTTL time.Duration
}

// Worker drives one queue entry through the creation stages.
type Worker struct {
	repo   *bottle.Repo
	store  ipfs.Store
	minter Minter
	locker Locker
	bus    events.Publisher
	log    zerolog.Logger
	tracer trace.Tracer

	confirmDelay time.Duration
	lockTTL      time.Duration
	claimTTL     time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// NewWorker builds a worker. store and minter may be nil when credentials are
// missing; Run then fails every entry with ErrNotConfigured.
func NewWorker(repo *bottle.Repo, store ipfs.Store, minter Minter, locker Locker, bus events.Publisher, log zerolog.Logger, opts Options) *Worker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if opts.ConfirmationDelay < 0 {
		opts.ConfirmationDelay = 0
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	return &Worker{
		repo:         repo,
		store:        store,
		minter:       minter,
		locker:       locker,
		bus:          bus,
		log:          log.With().Str("component", "pipeline").Logger(),
		tracer:       otel.Tracer("forever-message/pipeline"),
		confirmDelay: opts.ConfirmationDelay,
		lockTTL:      opts.LockTTL,
		claimTTL:     opts.ClaimTTL,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// Configured reports whether the external collaborators are present.
func (w *Worker) Configured() bool {
	return w.store != nil && w.minter != nil
}

// Run processes the entry from its current stage to a terminal one. A
// completed or failed entry is returned as-is with Skipped set.
func (w *Worker) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := w.tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(attribute.String("queue.id", req.QueueID)))
	defer span.End()

	entry, err := w.repo.GetEntry(ctx, req.QueueID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if req.UserID != "" && entry.UserID != req.UserID {
		return nil, bottle.ErrEntryNotFound
	}
	if entry.Status.Terminal() {
		return resultFrom(entry, true), nil
	}
	if entry.Message == "" {
		entry.Message = req.Message
	}

	log := w.log.With().Str("queue_id", entry.ID).Str("user_id", entry.UserID).Logger()

	if !w.Configured() {
		w.fail(ctx, entry.ID, ErrNotConfigured)
		return nil, ErrNotConfigured
	}

	attempts, err := w.repo.ClaimAttempt(ctx, entry.ID, w.now().Add(-w.claimTTL))
	if err != nil {
		if errors.Is(err, bottle.ErrEntryBusy) {
			log.Info().Str("status", string(entry.Status)).Msg("entry in flight elsewhere")
			return w.reload(ctx, entry.ID)
		}
		if errors.Is(err, bottle.ErrStatusMismatch) {
			return w.reload(ctx, entry.ID)
		}
		return nil, err
	}
	entry.Attempts = attempts
	if attempts > entry.MaxAttempts {
		err := fmt.Errorf("%w (%d/%d)", ErrAttemptsExhausted, attempts-1, entry.MaxAttempts)
		w.fail(ctx, entry.ID, err)
		return nil, err
	}

	log.Info().Str("status", string(entry.Status)).Int("attempt", attempts).Msg("pipeline start")
	started := w.now()

	if err := w.advance(ctx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, bottle.ErrStatusMismatch) {
			// someone else moved the entry; report what they left behind
			log.Warn().Err(err).Msg("pipeline lost race")
			return w.reload(ctx, entry.ID)
		}
		w.fail(ctx, entry.ID, err)
		log.Error().Err(err).Str("stage", string(entry.Status)).Dur("cost", time.Since(started)).Msg("pipeline failed")
		return nil, err
	}

	metrics.EntriesFinished.WithLabelValues(string(bottle.StatusCompleted)).Inc()
	log.Info().Dur("cost", time.Since(started)).Msg("pipeline completed")
	return resultFrom(entry, false), nil
}

func (w *Worker) reload(ctx context.Context, id string) (*Result, error) {
	e, err := w.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultFrom(e, true), nil
}

// advance runs stages until the entry is completed. It resumes from whatever
// stage the entry is at.
func (w *Worker) advance(ctx context.Context, e *bottle.QueueEntry) error {
	for !e.Status.Terminal() {
		var err error
		switch e.Status {
		case bottle.StatusQueued:
			err = w.transition(ctx, e, bottle.StatusUploading, nil)
		case bottle.StatusUploading:
			err = w.stage(ctx, e, "upload", w.upload)
		case bottle.StatusMinting:
			err = w.stage(ctx, e, "mint", w.mint)
		case bottle.StatusConfirming:
			err = w.stage(ctx, e, "confirm", w.confirm)
		default:
			err = fmt.Errorf("unknown status %q", e.Status)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) stage(ctx context.Context, e *bottle.QueueEntry, name string, fn func(context.Context, *bottle.QueueEntry) error) error {
	ctx, span := w.tracer.Start(ctx, "pipeline."+name,
		trace.WithAttributes(attribute.String("queue.id", e.ID)))
	defer span.End()

	started := w.now()
	err := fn(ctx, e)
	metrics.ObserveStage(name, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Worker) upload(ctx context.Context, e *bottle.QueueEntry) error {
	cid := ""
	if e.IPFSCid != nil {
		cid = *e.IPFSCid
	}
	if cid == "" {
		doc := ipfs.NewDocument(e.Message, e.UserID, e.CreatedAt)
		var err error
		cid, err = w.store.Upload(ctx, "bottle-"+e.ID, doc)
		if err != nil {
			return fmt.Errorf("ipfs upload: %w", err)
		}
		if cid == "" {
			return ipfs.ErrEmptyCID
		}
	}
	return w.transition(ctx, e, bottle.StatusMinting, map[string]any{"ipfs_cid": cid})
}

func (w *Worker) mint(ctx context.Context, e *bottle.QueueEntry) error {
	if e.IPFSCid == nil || *e.IPFSCid == "" {
		return errors.New("mint: entry has no cid")
	}
	if e.TxHash == nil || *e.TxHash == "" {
		err := w.locker.WithLock(ctx, w.minter.WalletLockName(), w.lockTTL, func(lctx context.Context) error {
			// a concurrent run may have submitted while we waited for the lock
			cur, err := w.repo.GetEntry(lctx, e.ID)
			if err != nil {
				return err
			}
			if cur.Status != bottle.StatusMinting {
				return bottle.ErrStatusMismatch
			}
			if cur.TxHash != nil && *cur.TxHash != "" {
				e.TxHash = cur.TxHash
				return nil
			}

			txHash, err := w.minter.SubmitBottle(lctx, *e.IPFSCid)
			if err != nil {
				return err
			}
			// the transaction is out; record it even if the caller gave up
			wctx, cancel := context.WithTimeout(context.WithoutCancel(lctx), failureWriteTimeout)
			defer cancel()
			if err := w.repo.SetFields(wctx, e.ID, bottle.StatusMinting, map[string]any{"tx_hash": txHash}); err != nil {
				return fmt.Errorf("store tx hash %s: %w", txHash, err)
			}
			e.TxHash = &txHash
			return nil
		})
		if err != nil {
			if errors.Is(err, bottle.ErrStatusMismatch) {
				return err
			}
			return fmt.Errorf("mint: %w", err)
		}
		w.log.Info().Str("queue_id", e.ID).Str("tx_hash", *e.TxHash).Msg("bottle submitted")
	}

	id, err := w.minter.AwaitBottleID(ctx, *e.TxHash)
	if err != nil {
		return fmt.Errorf("await receipt %s: %w", *e.TxHash, err)
	}
	return w.transition(ctx, e, bottle.StatusConfirming, map[string]any{"blockchain_id": id})
}

func (w *Worker) confirm(ctx context.Context, e *bottle.QueueEntry) error {
	if err := w.sleep(ctx, w.confirmDelay); err != nil {
		return err
	}
	return w.transition(ctx, e, bottle.StatusCompleted, nil)
}

// transition moves the entry one stage forward, refreshes it and announces it.
func (w *Worker) transition(ctx context.Context, e *bottle.QueueEntry, to bottle.Status, fields map[string]any) error {
	if err := w.repo.Transition(ctx, e.ID, e.Status, to, fields); err != nil {
		return err
	}
	fresh, err := w.repo.GetEntry(ctx, e.ID)
	if err != nil {
		return err
	}
	if fresh.Message == "" {
		fresh.Message = e.Message
	}
	*e = *fresh
	w.publish(ctx, e)
	return nil
}

// fail marks the entry failed on a context that survives request cancellation.
// Errors here are only logged; the caller keeps the original error.
func (w *Worker) fail(ctx context.Context, id string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	if err := w.repo.MarkFailed(fctx, id, cause.Error()); err != nil {
		w.log.Warn().Err(err).Str("queue_id", id).Msg("mark failed")
		return
	}
	metrics.EntriesFinished.WithLabelValues(string(bottle.StatusFailed)).Inc()

	e, err := w.repo.GetEntry(fctx, id)
	if err != nil {
		w.log.Warn().Err(err).Str("queue_id", id).Msg("reload failed entry")
		return
	}
	w.publish(fctx, e)
}

func (w *Worker) publish(ctx context.Context, e *bottle.QueueEntry) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, events.FromEntry(e)); err != nil {
		w.log.Warn().Err(err).Str("queue_id", e.ID).Msg("publish queue event")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
