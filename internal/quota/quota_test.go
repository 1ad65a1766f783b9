package quota

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&DailyLimit{}))
	return db
}

func newGate(t *testing.T, now time.Time) (*Gate, *gorm.DB) {
	db := openTestDB(t)
	g := NewGate(db, 3)
	g.now = func() time.Time { return now }
	return g, db
}

func TestStatus_NoRecord(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newGate(t, now)

	st, err := g.Status(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 0, st.BottlesCreated)
	assert.Equal(t, 3, st.BottlesRemaining)
	assert.False(t, st.IsLimitReached)
	assert.True(t, st.ResetAt.Equal(now.Add(24*time.Hour)))
}

func TestStatus_LimitReachedWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, db := newGate(t, now)
	last := now.Add(-2 * time.Hour)
	require.NoError(t, db.Create(&DailyLimit{UserID: "0xabc", BottlesCreated: 3, LastResetAt: last}).Error)

	st, err := g.Status(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, st.IsLimitReached)
	assert.Equal(t, 0, st.BottlesRemaining)
	assert.True(t, st.ResetAt.Equal(last.Add(24*time.Hour)))
}

func TestStatus_ElapsedWindowIsFreshWithoutWrite(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, db := newGate(t, now)
	last := now.Add(-25 * time.Hour)
	require.NoError(t, db.Create(&DailyLimit{UserID: "0xabc", BottlesCreated: 3, LastResetAt: last}).Error)

	st, err := g.Status(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 3, st.BottlesRemaining)
	assert.False(t, st.IsLimitReached)

	var rec DailyLimit
	require.NoError(t, db.First(&rec, "user_id = ?", "0xabc").Error)
	assert.Equal(t, 3, rec.BottlesCreated, "status must not reset the row")
}

func TestConsume_RejectsFourthAndResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, db := newGate(t, now)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		st, err := g.Consume(ctx, "0xabc")
		require.NoError(t, err)
		assert.Equal(t, i, st.BottlesCreated)
		assert.Equal(t, 3-i, st.BottlesRemaining)
	}

	st, err := g.Consume(ctx, "0xabc")
	require.True(t, errors.Is(err, ErrLimitReached))
	assert.True(t, st.IsLimitReached)

	g.now = func() time.Time { return now.Add(24*time.Hour + time.Second) }
	st, err = g.Consume(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 1, st.BottlesCreated)
	assert.Equal(t, 2, st.BottlesRemaining)

	var rec DailyLimit
	require.NoError(t, db.First(&rec, "user_id = ?", "0xabc").Error)
	assert.Equal(t, 1, rec.BottlesCreated)
}

func TestConsume_FirstUseRacingInsert(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, db := newGate(t, now)
	ctx := context.Background()

	// another first Consume for the same user commits its row between our
	// read and our insert
	raced := false
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("quota_test:racing_insert", func(tx *gorm.DB) {
		if raced || tx.Statement.Table != "user_daily_limits" {
			return
		}
		raced = true
		err := tx.Session(&gorm.Session{NewDB: true}).
			Exec("INSERT INTO user_daily_limits (user_id, bottles_created, last_reset_at) VALUES (?, ?, ?)",
				"0xabc", 1, now.Add(-time.Minute)).Error
		require.NoError(t, err)
	}))

	st, err := g.Consume(ctx, "0xabc")
	require.NoError(t, err)
	require.True(t, raced)
	assert.Equal(t, 2, st.BottlesCreated)
	assert.Equal(t, 1, st.BottlesRemaining)

	var rows []DailyLimit
	require.NoError(t, db.Find(&rows, "user_id = ?", "0xabc").Error)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].BottlesCreated)
	assert.True(t, rows[0].LastResetAt.Equal(now.Add(-time.Minute)))
}

func TestRelease(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newGate(t, now)
	ctx := context.Background()

	_, err := g.Consume(ctx, "0xabc")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "0xabc"))
	require.NoError(t, g.Release(ctx, "0xabc"))

	st, err := g.Status(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 0, st.BottlesCreated)
}
