package events

import (
	"context"
	"testing"
	"time"

	"github.com/forevermessage/forever-message/internal/bottle"
)

func TestMemoryBus_DeliversOnlyToOwner(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, stop, err := bus.Subscribe(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()
	theirs, stopOther, _ := bus.Subscribe(ctx, "u2")
	defer stopOther()

	_ = bus.Publish(ctx, QueueEvent{QueueID: "q1", UserID: "u1", Status: bottle.StatusUploading})

	select {
	case ev := <-mine:
		if ev.QueueID != "q1" || ev.Status != bottle.StatusUploading {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
	select {
	case ev := <-theirs:
		t.Fatalf("event leaked to another user: %+v", ev)
	default:
	}
}

func TestMemoryBus_CancelClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, _ := bus.Subscribe(ctx, "u1")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after ctx cancel")
	}
	// publishing after unsubscribe must not panic
	_ = bus.Publish(context.Background(), QueueEvent{UserID: "u1"})
}

func TestFromEntry(t *testing.T) {
	cid, id, msg := "bafy", "7", "boom"
	ev := FromEntry(&bottle.QueueEntry{ID: "q1", UserID: "u1", Status: bottle.StatusFailed, IPFSCid: &cid, BlockchainID: &id, Error: &msg})
	if ev.IPFSCid != cid || ev.BlockchainID != id || ev.Error != msg || ev.Status != bottle.StatusFailed {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if Channel("u1") != "bottles_queue:u1" {
		t.Fatalf("unexpected channel %q", Channel("u1"))
	}
}
