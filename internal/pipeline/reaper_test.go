package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/bottle"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, queueID string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, queueID)
	return nil
}

func TestReaperSweep(t *testing.T) {
	db := openTestDB(t)
	repo := bottle.NewRepo(db)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	seed := func(id string, status bottle.Status, attempts int, updatedAt time.Time) {
		newEntry(t, repo, id)
		if err := db.Model(&bottle.QueueEntry{}).Where("id = ?", id).UpdateColumns(map[string]any{
			"status":     status,
			"attempts":   attempts,
			"updated_at": updatedAt,
		}).Error; err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("stale-resume", bottle.StatusMinting, 1, old)
	seed("stale-dead", bottle.StatusUploading, 3, old)
	seed("fresh", bottle.StatusUploading, 1, time.Now())
	seed("done", bottle.StatusCompleted, 1, old)

	disp := &recordingDispatcher{}
	bus := &recordingBus{}
	r := NewReaper(repo, disp, bus, 10*time.Minute, zerolog.Nop())

	rep, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Scanned != 2 || rep.Resumed != 1 || rep.Failed != 1 || rep.Errors != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(disp.ids) != 1 || disp.ids[0] != "stale-resume" {
		t.Fatalf("unexpected dispatches: %v", disp.ids)
	}

	resumed, _ := repo.GetEntry(ctx, "stale-resume")
	if resumed.Status != bottle.StatusMinting {
		t.Fatalf("reaper must not move status, got %s", resumed.Status)
	}
	dead, _ := repo.GetEntry(ctx, "stale-dead")
	if dead.Status != bottle.StatusFailed || dead.Error == nil || *dead.Error != staleExhausted {
		t.Fatalf("expected exhausted entry to fail, got status=%s err=%v", dead.Status, dead.Error)
	}
	if got := bus.statuses(); len(got) != 1 || got[0] != bottle.StatusFailed {
		t.Fatalf("expected one failed event, got %v", got)
	}
}

func TestInlineDispatcher_RunsDetached(t *testing.T) {
	db := openTestDB(t)
	repo := bottle.NewRepo(db)
	newEntry(t, repo, "01TESTQUEUE000000000000010")

	w := newTestWorker(repo, &fakeStore{cid: "bafy10"}, &fakeMinter{txHash: "0x10", bottleID: "10"}, nil)
	d := NewInlineDispatcher(w, time.Minute, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Dispatch(ctx, "01TESTQUEUE000000000000010"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// the request finishing must not cancel the run
	cancel()
	d.Wait()

	e, _ := repo.GetEntry(context.Background(), "01TESTQUEUE000000000000010")
	if e.Status != bottle.StatusCompleted {
		t.Fatalf("expected completed, got %s", e.Status)
	}
}
