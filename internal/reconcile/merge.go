package reconcile

import (
	"sort"
	"strconv"
	"time"

	"github.com/forevermessage/forever-message/internal/bottle"
)

// FeedItem is one row of the unified feed. Pending rows carry a negative
// placeholder id and their queue id; confirmed rows carry the blockchain id.
type FeedItem struct {
	ID           int64         `json:"id"`
	QueueID      string        `json:"queueId,omitempty"`
	Pending      bool          `json:"pending"`
	Status       bottle.Status `json:"status,omitempty"`
	Progress     int           `json:"progress"`
	Message      string        `json:"message"`
	UserID       string        `json:"userId"`
	IPFSHash     string        `json:"ipfsHash,omitempty"`
	BlockchainID string        `json:"blockchainId,omitempty"`
	LikesCount   int           `json:"likesCount"`
	IsForever    bool          `json:"isForever"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Merge prepends pending queue entries to a confirmed page.
//
// Failed entries are dropped. A completed entry stays pending until its
// blockchain id is known to be confirmed, so a finished bottle never drops out
// of the feed between the two sources. known reports confirmed ids outside
// the page; it may be nil.
func Merge(pending []bottle.QueueEntry, confirmed []bottle.Bottle, known func(id uint64) bool) []FeedItem {
	inPage := make(map[uint64]struct{}, len(confirmed))
	for _, b := range confirmed {
		inPage[b.ID] = struct{}{}
	}
	isConfirmed := func(id uint64) bool {
		if _, ok := inPage[id]; ok {
			return true
		}
		return known != nil && known(id)
	}

	seenQueue := make(map[string]struct{}, len(pending))
	var keep []bottle.QueueEntry
	for _, e := range pending {
		if e.Status == bottle.StatusFailed {
			continue
		}
		if _, dup := seenQueue[e.ID]; dup {
			continue
		}
		seenQueue[e.ID] = struct{}{}
		if id, ok := BlockchainID(&e); ok && isConfirmed(id) {
			continue
		}
		keep = append(keep, e)
	}
	sort.SliceStable(keep, func(i, j int) bool {
		return keep[i].CreatedAt.After(keep[j].CreatedAt)
	})

	out := make([]FeedItem, 0, len(keep)+len(confirmed))
	for i, e := range keep {
		item := FeedItem{
			ID:        -int64(i + 1),
			QueueID:   e.ID,
			Pending:   true,
			Status:    e.Status,
			Progress:  e.Progress,
			Message:   e.Message,
			UserID:    e.UserID,
			CreatedAt: e.CreatedAt,
		}
		if e.IPFSCid != nil {
			item.IPFSHash = *e.IPFSCid
		}
		if e.BlockchainID != nil {
			item.BlockchainID = *e.BlockchainID
		}
		out = append(out, item)
	}

	seenBottle := make(map[uint64]struct{}, len(confirmed))
	for _, b := range confirmed {
		if _, dup := seenBottle[b.ID]; dup {
			continue
		}
		seenBottle[b.ID] = struct{}{}
		out = append(out, FeedItem{
			ID:           int64(b.ID),
			Status:       bottle.StatusCompleted,
			Progress:     100,
			Message:      b.Message,
			UserID:       b.UserID,
			IPFSHash:     b.IPFSHash,
			BlockchainID: strconv.FormatUint(b.ID, 10),
			LikesCount:   b.LikesCount,
			IsForever:    b.IsForever,
			CreatedAt:    b.CreatedAt,
		})
	}
	return out
}

// BlockchainID parses the entry's on-chain id, if it has one.
func BlockchainID(e *bottle.QueueEntry) (uint64, bool) {
	if e.BlockchainID == nil || *e.BlockchainID == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(*e.BlockchainID, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
