package bottle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrBottleNotFound    = errors.New("bottle not found")
	ErrStatusMismatch    = errors.New("queue entry status mismatch")
	ErrInvalidTransition = errors.New("invalid queue status transition")
	ErrEntryBusy         = errors.New("queue entry is being processed")
)

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// DB exposes the handle for callers that need a transaction spanning packages.
func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) CreateEntry(ctx context.Context, e *QueueEntry) error {
	if e.Status == "" {
		e.Status = StatusQueued
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	e.Progress = e.Status.Progress()
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) GetEntryByUserAndIdempotencyKey(ctx context.Context, userID, key string) (*QueueEntry, error) {
	var e QueueEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEntryOrGetExisting creates the entry, but if (user_id, idempotency_key)
// already exists it returns the existing entry and created=false.
func (r *Repo) CreateEntryOrGetExisting(ctx context.Context, e *QueueEntry) (*QueueEntry, bool, error) {
	if e.IdempotencyKey == nil || *e.IdempotencyKey == "" {
		e.IdempotencyKey = nil
		if err := r.CreateEntry(ctx, e); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	err := r.CreateEntry(ctx, e)
	if err == nil {
		return e, true, nil
	}

	existing, getErr := r.GetEntryByUserAndIdempotencyKey(ctx, e.UserID, *e.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, ErrEntryNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	var e QueueEntry
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// GetEntryForUser hides entries owned by someone else behind ErrEntryNotFound.
func (r *Repo) GetEntryForUser(ctx context.Context, id, userID string) (*QueueEntry, error) {
	e, err := r.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// ListEntriesForUser returns the newest entries first.
func (r *Repo) ListEntriesForUser(ctx context.Context, userID string, limit int) ([]QueueEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []QueueEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Transition moves an entry from -> to if it is still at from. Extra columns
// (ipfs_cid, blockchain_id, ...) are written in the same statement.
func (r *Repo) Transition(ctx context.Context, id string, from, to Status, fields map[string]any) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := r.now()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if to != StatusFailed {
		updates["progress"] = to.Progress()
	}
	if to == StatusUploading && from == StatusQueued {
		updates["started_at"] = now
	}
	if to == StatusCompleted {
		updates["completed_at"] = now
		updates["error"] = nil
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.mismatch(ctx, id)
	}
	return nil
}

// SetFields updates outputs of the current stage without moving the status.
func (r *Repo) SetFields(ctx context.Context, id string, at Status, fields map[string]any) error {
	updates := map[string]any{"updated_at": r.now()}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("id = ? AND status = ?", id, at).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.mismatch(ctx, id)
	}
	return nil
}

// MarkFailed fails any non-terminal entry. Terminal entries are left alone.
func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed}).
		Updates(map[string]any{
			"status":     StatusFailed,
			"error":      errMsg,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.mismatch(ctx, id)
	}
	return nil
}

// ClaimAttempt starts a run on a non-terminal entry: it bumps the attempt
// counter and returns the new value. An entry touched at or after idleSince
// that already has an attempt belongs to a run still in flight and yields
// ErrEntryBusy without counting.
func (r *Repo) ClaimAttempt(ctx context.Context, id string, idleSince time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&QueueEntry{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed}).
		Where("(attempts = 0 OR updated_at < ?)", idleSince).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		e, err := r.GetEntry(ctx, id)
		if err != nil {
			return 0, err
		}
		if e.Status.Terminal() {
			return 0, ErrStatusMismatch
		}
		return 0, ErrEntryBusy
	}
	e, err := r.GetEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	return e.Attempts, nil
}

// GetEntryByBlockchainID finds the queue entry that minted a bottle.
func (r *Repo) GetEntryByBlockchainID(ctx context.Context, blockchainID string) (*QueueEntry, error) {
	var e QueueEntry
	if err := r.db.WithContext(ctx).Where("blockchain_id = ?", blockchainID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListStale returns non-terminal entries not touched since before.
func (r *Repo) ListStale(ctx context.Context, before time.Time, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []QueueEntry
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?", []Status{StatusCompleted, StatusFailed}, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) mismatch(ctx context.Context, id string) error {
	var n int64
	if err := r.db.WithContext(ctx).Model(&QueueEntry{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return ErrStatusMismatch
}

// Confirmed bottles

// ListBottles returns a page ordered by newest blockchain id and the total count.
func (r *Repo) ListBottles(ctx context.Context, limit, offset int) ([]Bottle, int64, error) {
	var total int64
	q := r.db.WithContext(ctx).Model(&Bottle{}).Where("blockchain_status = ?", BlockchainConfirmed)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Bottle
	if err := r.db.WithContext(ctx).
		Where("blockchain_status = ?", BlockchainConfirmed).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *Repo) GetBottle(ctx context.Context, id uint64) (*Bottle, error) {
	var b Bottle
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBottleNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ConfirmedIDs reports which of ids are cached as confirmed bottles.
func (r *Repo) ConfirmedIDs(ctx context.Context, ids []uint64) (map[uint64]bool, error) {
	out := make(map[uint64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []uint64
	if err := r.db.WithContext(ctx).Model(&Bottle{}).
		Where("id IN ? AND blockchain_status = ?", ids, BlockchainConfirmed).
		Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// ListUnresolvedBottles returns cached bottles still waiting for content.
func (r *Repo) ListUnresolvedBottles(ctx context.Context, limit int) ([]Bottle, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Bottle
	if err := r.db.WithContext(ctx).
		Where("blockchain_status = ?", BlockchainUnresolved).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MaxBottleID returns the highest cached blockchain id, 0 when empty.
func (r *Repo) MaxBottleID(ctx context.Context) (uint64, error) {
	var max int64
	if err := r.db.WithContext(ctx).Model(&Bottle{}).Select("COALESCE(MAX(id), 0)").Row().Scan(&max); err != nil {
		return 0, err
	}
	return uint64(max), nil
}

// UpsertBottle inserts a synced bottle. Content columns of an existing row are
// refreshed only while it is not yet confirmed.
func (r *Repo) UpsertBottle(ctx context.Context, b *Bottle) error {
	if b.SyncedAt.IsZero() {
		b.SyncedAt = r.now()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Bottle
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, "id = ?", b.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(b).Error
		}
		if err != nil {
			return err
		}
		if existing.BlockchainStatus == BlockchainConfirmed {
			return tx.Model(&Bottle{}).Where("id = ?", b.ID).Update("synced_at", b.SyncedAt).Error
		}
		return tx.Model(&Bottle{}).Where("id = ?", b.ID).Updates(map[string]any{
			"ipfs_hash":         b.IPFSHash,
			"message":           b.Message,
			"user_id":           b.UserID,
			"author_address":    b.AuthorAddress,
			"blockchain_status": b.BlockchainStatus,
			"tx_hash":           b.TxHash,
			"created_at":        b.CreatedAt,
			"synced_at":         b.SyncedAt,
		}).Error
	})
}

// Likes

// AddLike is idempotent per (bottle, user). It reports whether a row was added.
func (r *Repo) AddLike(ctx context.Context, bottleID uint64, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Like{BottleID: bottleID, UserID: userID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) RemoveLike(ctx context.Context, bottleID uint64, userID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("bottle_id = ? AND user_id = ?", bottleID, userID).
		Delete(&Like{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RefreshEngagement recomputes likes_count from bottle_likes. Forever
// promotion is sticky: once set it is never cleared.
func (r *Repo) RefreshEngagement(ctx context.Context, bottleID uint64, foreverThreshold int) (*Bottle, error) {
	if _, err := r.GetBottle(ctx, bottleID); err != nil {
		return nil, err
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&Like{}).Where("bottle_id = ?", bottleID).Count(&count).Error; err != nil {
		return nil, err
	}
	promote := foreverThreshold > 0 && int(count) >= foreverThreshold
	if err := r.db.WithContext(ctx).Model(&Bottle{}).
		Where("id = ?", bottleID).
		Updates(map[string]any{
			"likes_count": count,
			"is_forever":  gorm.Expr("is_forever OR ?", promote),
		}).Error; err != nil {
		return nil, err
	}
	return r.GetBottle(ctx, bottleID)
}
