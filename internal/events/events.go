package events

import (
	"context"
	"sync"
	"time"

	"github.com/forevermessage/forever-message/internal/bottle"
)

// QueueEvent is a row-level change of a queue entry, as seen by its owner.
type QueueEvent struct {
	QueueID      string        `json:"queueId"`
	UserID       string        `json:"userId"`
	Status       bottle.Status `json:"status"`
	Progress     int           `json:"progress"`
	IPFSCid      string        `json:"ipfsCid,omitempty"`
	BlockchainID string        `json:"blockchainId,omitempty"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
}

// FromEntry snapshots an entry into an event.
func FromEntry(e *bottle.QueueEntry) QueueEvent {
	ev := QueueEvent{
		QueueID:  e.ID,
		UserID:   e.UserID,
		Status:   e.Status,
		Progress: e.Progress,
		At:       e.UpdatedAt,
	}
	if e.IPFSCid != nil {
		ev.IPFSCid = *e.IPFSCid
	}
	if e.BlockchainID != nil {
		ev.BlockchainID = *e.BlockchainID
	}
	if e.Error != nil {
		ev.Error = *e.Error
	}
	return ev
}

type Publisher interface {
	Publish(ctx context.Context, ev QueueEvent) error
}

type Subscriber interface {
	// Subscribe delivers events for one user until ctx is done or cancel is called.
	Subscribe(ctx context.Context, userID string) (<-chan QueueEvent, func(), error)
}

type Bus interface {
	Publisher
	Subscriber
}

// Channel is the pub/sub channel name for a user's queue events.
func Channel(userID string) string {
	return "bottles_queue:" + userID
}

// MemoryBus is an in-process Bus used when Redis is not configured.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan QueueEvent]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan QueueEvent]struct{})}
}

// Publish never blocks: slow subscribers drop events.
func (b *MemoryBus) Publish(ctx context.Context, ev QueueEvent) error {
	_ = ctx
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, userID string) (<-chan QueueEvent, func(), error) {
	ch := make(chan QueueEvent, 32)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan QueueEvent]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], ch)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}
