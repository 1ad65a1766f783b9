package quota

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultLimit = 3
	Window       = 24 * time.Hour
)

var ErrLimitReached = errors.New("daily bottle limit reached")

// DailyLimit is one row per user. The window is reset lazily by Consume.
type DailyLimit struct {
	UserID         string    `gorm:"primaryKey;size:128" json:"user_id"`
	BottlesCreated int       `gorm:"not null;default:0" json:"bottles_created"`
	LastResetAt    time.Time `gorm:"not null" json:"last_reset_at"`
}

func (DailyLimit) TableName() string { return "user_daily_limits" }

type Status struct {
	BottlesCreated   int       `json:"bottlesCreated"`
	BottlesRemaining int       `json:"bottlesRemaining"`
	ResetAt          time.Time `json:"resetAt"`
	IsLimitReached   bool      `json:"isLimitReached"`
}

type Gate struct {
	db    *gorm.DB
	limit int
	now   func() time.Time
}

func NewGate(db *gorm.DB, limit int) *Gate {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Gate{db: db, limit: limit, now: time.Now}
}

func (g *Gate) Limit() int { return g.limit }

// Status answers "can this user create another bottle now". It never writes.
func (g *Gate) Status(ctx context.Context, userID string) (Status, error) {
	now := g.now()
	var rec DailyLimit
	err := g.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return g.fresh(now), nil
	}
	if err != nil {
		return Status{}, err
	}
	return g.evaluate(rec, now), nil
}

func (g *Gate) fresh(now time.Time) Status {
	return Status{
		BottlesCreated:   0,
		BottlesRemaining: g.limit,
		ResetAt:          now.Add(Window),
		IsLimitReached:   false,
	}
}

func (g *Gate) evaluate(rec DailyLimit, now time.Time) Status {
	if now.Sub(rec.LastResetAt) >= Window {
		return g.fresh(now)
	}
	remaining := g.limit - rec.BottlesCreated
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		BottlesCreated:   rec.BottlesCreated,
		BottlesRemaining: remaining,
		ResetAt:          rec.LastResetAt.Add(Window),
		IsLimitReached:   remaining == 0,
	}
}

// Consume takes one creation slot, resetting an elapsed window first.
// The returned status reflects the state after the increment.
func (g *Gate) Consume(ctx context.Context, userID string) (Status, error) {
	var out Status
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := g.now()
		var rec DailyLimit
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "user_id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// a concurrent first Consume may insert the row too; whoever loses
			// the insert counts against the row the winner created
			seed := DailyLimit{UserID: userID, BottlesCreated: 0, LastResetAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return err
			}
			err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, "user_id = ?", userID).Error
		}
		if err != nil {
			return err
		}

		if now.Sub(rec.LastResetAt) >= Window {
			rec.BottlesCreated = 0
			rec.LastResetAt = now
		}
		if rec.BottlesCreated >= g.limit {
			out = g.evaluate(rec, now)
			return ErrLimitReached
		}
		rec.BottlesCreated++
		if err := tx.Model(&DailyLimit{}).Where("user_id = ?", userID).Updates(map[string]any{
			"bottles_created": rec.BottlesCreated,
			"last_reset_at":   rec.LastResetAt,
		}).Error; err != nil {
			return err
		}
		out = g.evaluate(rec, now)
		return nil
	})
	return out, err
}

// Release gives a slot back, used when a submission could not be queued.
func (g *Gate) Release(ctx context.Context, userID string) error {
	return g.db.WithContext(ctx).Model(&DailyLimit{}).
		Where("user_id = ? AND bottles_created > 0", userID).
		Update("bottles_created", gorm.Expr("bottles_created - 1")).Error
}
