package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/events"
)

const DefaultRemovalDelay = 3 * time.Second

// Tracker keeps the set of a user's in-flight entries as seen through queue
// events. Entries that reach completed or failed stay visible for the removal
// delay and are then dropped; their ids are announced on Removed.
type Tracker struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]events.QueueEvent
	timers  map[string]*time.Timer
	done    map[string]struct{}
	removed chan string
	closed  bool
}

func NewTracker(delay time.Duration) *Tracker {
	if delay < 0 {
		delay = 0
	}
	return &Tracker{
		delay:   delay,
		pending: make(map[string]events.QueueEvent),
		timers:  make(map[string]*time.Timer),
		done:    make(map[string]struct{}),
		removed: make(chan string, 64),
	}
}

// Seed loads entries already in flight when the subscription starts.
func (t *Tracker) Seed(entries []bottle.QueueEntry) {
	for i := range entries {
		if entries[i].Status.Terminal() {
			continue
		}
		t.Apply(events.FromEntry(&entries[i]))
	}
}

// Apply folds one event into the set. It returns false for events that would
// move an entry backward or that arrive after the entry was finalized.
func (t *Tracker) Apply(ev events.QueueEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, finished := t.done[ev.QueueID]; finished {
		return false
	}

	cur, ok := t.pending[ev.QueueID]
	if ok {
		if cur.Status.Terminal() {
			return false
		}
		if cur.Status != ev.Status && !bottle.CanTransition(cur.Status, ev.Status) {
			return false
		}
	}
	t.pending[ev.QueueID] = ev

	if ev.Status.Terminal() {
		if _, scheduled := t.timers[ev.QueueID]; !scheduled {
			id := ev.QueueID
			t.timers[id] = time.AfterFunc(t.delay, func() { t.remove(id) })
		}
	}
	return true
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	delete(t.pending, id)
	delete(t.timers, id)
	t.done[id] = struct{}{}
	select {
	case t.removed <- id:
	default:
	}
}

// Removed delivers ids dropped after their display delay.
func (t *Tracker) Removed() <-chan string {
	return t.removed
}

// Pending returns the tracked entries, newest first.
func (t *Tracker) Pending() []events.QueueEvent {
	t.mu.Lock()
	out := make([]events.QueueEvent, 0, len(t.pending))
	for _, ev := range t.pending {
		out = append(out, ev)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].QueueID > out[j].QueueID
		}
		return out[i].At.After(out[j].At)
	})
	return out
}

// Close stops pending timers and closes Removed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, tm := range t.timers {
		tm.Stop()
	}
	close(t.removed)
}
