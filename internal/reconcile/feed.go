package reconcile

import (
	"context"

	"github.com/forevermessage/forever-message/internal/bottle"
)

const pendingWindow = 50

type Page struct {
	Bottles []FeedItem `json:"bottles"`
	Total   int64      `json:"total"`
	HasMore bool       `json:"hasMore"`
	Pending int        `json:"pending"`
}

type Feed struct {
	svc *bottle.Service
}

func NewFeed(svc *bottle.Service) *Feed {
	return &Feed{svc: svc}
}

// Page returns the caller's in-flight bottles on top of a confirmed page.
// Pending rows appear only on the first page; total and hasMore describe the
// confirmed list.
func (f *Feed) Page(ctx context.Context, userID string, limit, offset int) (*Page, error) {
	confirmed, err := f.svc.ListConfirmed(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	var pending []bottle.QueueEntry
	if offset <= 0 {
		pending, err = f.svc.Repo().ListEntriesForUser(ctx, userID, pendingWindow)
		if err != nil {
			return nil, err
		}
	}

	var ids []uint64
	for i := range pending {
		if id, ok := BlockchainID(&pending[i]); ok {
			ids = append(ids, id)
		}
	}
	known, err := f.svc.Repo().ConfirmedIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := Merge(pending, confirmed.Bottles, func(id uint64) bool { return known[id] })
	n := 0
	for _, it := range items {
		if it.Pending {
			n++
		}
	}
	return &Page{
		Bottles: items,
		Total:   confirmed.Total,
		HasMore: confirmed.HasMore,
		Pending: n,
	}, nil
}
