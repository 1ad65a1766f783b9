package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/reconcile"
)

func (h *Handler) ListQueue(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}
	entries, err := h.Bottles.Repo().ListEntriesForUser(c.Request.Context(), uid, 50)
	if err != nil {
		h.Log.Error().Err(err).Str("user_id", uid).Msg("list queue")
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []bottle.QueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entries": entries})
}

func (h *Handler) GetQueueEntry(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}
	e, err := h.Bottles.Repo().GetEntryForUser(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		if errors.Is(err, bottle.ErrEntryNotFound) {
			// hide existence
			failJSON(c, http.StatusNotFound, "queue entry not found")
			return
		}
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entry": e})
}

// QueueEvents streams the caller's queue changes over SSE. The first event is
// a snapshot of entries in flight; finished entries are followed by a
// "removed" event once their display delay has passed.
func (h *Handler) QueueEvents(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}

	ctx := c.Request.Context()
	evs, cancel, err := h.Events.Subscribe(ctx, uid)
	if err != nil {
		h.Log.Error().Err(err).Str("user_id", uid).Msg("subscribe queue events")
		failJSON(c, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer cancel()

	tracker := reconcile.NewTracker(h.RemovalDelay)
	defer tracker.Close()
	if entries, err := h.Bottles.Repo().ListEntriesForUser(ctx, uid, 50); err == nil {
		tracker.Seed(entries)
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	writeJSON("snapshot", gin.H{"pending": tracker.Pending()})

	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	removed := tracker.Removed()
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				writeJSON("error", gin.H{"message": "event stream closed"})
				return
			}
			if tracker.Apply(ev) {
				writeJSON("queue", ev)
			}

		case id, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			writeJSON("removed", gin.H{"queueId": id})

		case <-ticker.C:
			writeJSON("ping", gin.H{"ts": time.Now().Unix()})

		case <-ctx.Done():
			return
		}
	}
}
