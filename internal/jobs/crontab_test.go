package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/pipeline"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, queueID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, queueID)
	return nil
}

type countingLocker struct {
	mu    sync.Mutex
	names []string
}

func (l *countingLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
	return fn(ctx)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(bottle.Models()...))
	return db
}

func TestReapHoldsLockAndDispatchesStale(t *testing.T) {
	db := openTestDB(t)
	repo := bottle.NewRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateEntry(ctx, &bottle.QueueEntry{ID: "q1", Message: "m", UserID: "u1"}))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&bottle.QueueEntry{}).Where("id = ?", "q1").Update("updated_at", old).Error)

	disp := &recordingDispatcher{}
	locker := &countingLocker{}
	reaper := pipeline.NewReaper(repo, disp, events.NewMemoryBus(), time.Minute, zerolog.Nop())
	c := NewCrontab(nil, reaper, locker, 0, zerolog.Nop())

	c.Reap(ctx)
	c.Sync(ctx) // no syncer configured: no lock, no work

	assert.Equal(t, []string{"q1"}, disp.ids)
	assert.Equal(t, []string{reapLock}, locker.names)
	assert.Equal(t, DefaultSyncInterval, c.minutes)
}

func TestRunStopsWithContext(t *testing.T) {
	c := NewCrontab(nil, nil, nil, 5, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
