package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/common"
	"github.com/forevermessage/forever-message/internal/metrics"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/quota"
	"github.com/forevermessage/forever-message/internal/validation"
)

// CreateBottle queues a new bottle and hands it to the pipeline.
func (h *Handler) CreateBottle(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}

	var req validation.CreateBottleRequest
	if err := validation.BindAndValidate(c, &req, h.Validate); err != nil {
		return
	}
	msg, valid := bottle.NormalizeMessage(req.Message)
	if !valid {
		failJSON(c, http.StatusBadRequest, "message must be 1 to 500 characters")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		failJSON(c, http.StatusBadRequest, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	ctx := c.Request.Context()
	repo := h.Bottles.Repo()

	// a replayed request returns the original entry without spending quota
	if idempoKeyPtr != nil {
		existing, err := repo.GetEntryByUserAndIdempotencyKey(ctx, uid, idempoKey)
		if err == nil {
			h.accepted(c, existing, false)
			return
		}
		if !errors.Is(err, bottle.ErrEntryNotFound) {
			h.Log.Error().Err(err).Str("user_id", uid).Msg("idempotency lookup")
			failJSON(c, http.StatusInternalServerError, "internal error")
			return
		}
	}

	if _, inline := h.Dispatcher.(*pipeline.InlineDispatcher); inline && !h.Worker.Configured() {
		failJSON(c, http.StatusServiceUnavailable, "bottle creation is not configured")
		return
	}

	limit, err := h.Quota.Consume(ctx, uid)
	if err != nil {
		if errors.Is(err, quota.ErrLimitReached) {
			metrics.QuotaRejections.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":          false,
				"error":            "daily bottle limit reached",
				"bottlesRemaining": 0,
				"resetAt":          limit.ResetAt,
			})
			return
		}
		h.Log.Error().Err(err).Str("user_id", uid).Msg("consume quota")
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}

	queueID, err := common.NewULID()
	if err != nil {
		h.releaseQuota(ctx, uid)
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}

	entry, created, err := repo.CreateEntryOrGetExisting(ctx, &bottle.QueueEntry{
		ID:             queueID,
		Message:        msg,
		UserID:         uid,
		IdempotencyKey: idempoKeyPtr,
		MaxAttempts:    h.Cfg.MaxAttempts,
	})
	if err != nil {
		h.releaseQuota(ctx, uid)
		h.Log.Error().Err(err).Str("user_id", uid).Msg("create queue entry")
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	if !created {
		// lost a race with the same idempotency key
		h.releaseQuota(ctx, uid)
		h.accepted(c, entry, false)
		return
	}

	if err := h.Dispatcher.Dispatch(ctx, entry.ID); err != nil {
		// the entry stays queued; the reaper resumes it
		h.Log.Warn().Err(err).Str("queue_id", entry.ID).Msg("dispatch failed")
	}
	h.accepted(c, entry, true)
}

func (h *Handler) accepted(c *gin.Context, e *bottle.QueueEntry, created bool) {
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"queueId": e.ID,
		"status":  e.Status,
		"created": created,
	})
}

func (h *Handler) releaseQuota(ctx context.Context, uid string) {
	if err := h.Quota.Release(context.WithoutCancel(ctx), uid); err != nil {
		h.Log.Warn().Err(err).Str("user_id", uid).Msg("release quota")
	}
}

// ProcessBottle runs the pipeline for one entry inside the request.
func (h *Handler) ProcessBottle(c *gin.Context) {
	var req validation.ProcessBottleRequest
	if err := validation.BindAndValidate(c, &req, h.Validate); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.Cfg.PipelineTimeout)
	defer cancel()

	res, err := h.Worker.Run(ctx, pipeline.Request{
		QueueID: req.QueueID,
		Message: req.Message,
		UserID:  req.UserID,
	})
	if err != nil {
		if errors.Is(err, bottle.ErrEntryNotFound) {
			failJSON(c, http.StatusInternalServerError, "queue entry not found")
			return
		}
		failJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	switch res.Status {
	case bottle.StatusCompleted:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"bottleId": res.BottleID,
			"cid":      res.CID,
		})
	case bottle.StatusFailed:
		failJSON(c, http.StatusInternalServerError, res.Error)
	default:
		// another run owns the entry
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"queueId": res.QueueID,
			"status":  res.Status,
		})
	}
}

// ListBottles is the public confirmed list.
func (h *Handler) ListBottles(c *gin.Context) {
	limit, offset := pageParams(c)
	page, err := h.Bottles.ListConfirmed(c.Request.Context(), limit, offset)
	if err != nil {
		h.Log.Error().Err(err).Msg("list bottles")
		failJSON(c, http.StatusInternalServerError, "failed to list bottles")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) GetBottle(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		failJSON(c, http.StatusBadRequest, "invalid bottle id")
		return
	}
	b, err := h.Bottles.Repo().GetBottle(c.Request.Context(), id)
	if err != nil || b.BlockchainStatus != bottle.BlockchainConfirmed {
		if err == nil || errors.Is(err, bottle.ErrBottleNotFound) {
			failJSON(c, http.StatusNotFound, "bottle not found")
			return
		}
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "bottle": b})
}

func (h *Handler) BottleFeed(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}
	limit, offset := pageParams(c)
	page, err := h.Feed.Page(c.Request.Context(), uid, limit, offset)
	if err != nil {
		h.Log.Error().Err(err).Str("user_id", uid).Msg("feed")
		failJSON(c, http.StatusInternalServerError, "failed to load feed")
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) LikeBottle(c *gin.Context) {
	h.toggleLike(c, true)
}

func (h *Handler) UnlikeBottle(c *gin.Context) {
	h.toggleLike(c, false)
}

func (h *Handler) toggleLike(c *gin.Context, like bool) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		failJSON(c, http.StatusBadRequest, "invalid bottle id")
		return
	}

	var b *bottle.Bottle
	if like {
		b, err = h.Bottles.Like(c.Request.Context(), id, uid)
	} else {
		b, err = h.Bottles.Unlike(c.Request.Context(), id, uid)
	}
	if err != nil {
		if errors.Is(err, bottle.ErrBottleNotFound) {
			failJSON(c, http.StatusNotFound, "bottle not found")
			return
		}
		h.Log.Error().Err(err).Uint64("bottle_id", id).Msg("toggle like")
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"likesCount": b.LikesCount,
		"isForever":  b.IsForever,
	})
}

func (h *Handler) DailyLimit(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		unauthorized(c)
		return
	}
	st, err := h.Quota.Status(c.Request.Context(), uid)
	if err != nil {
		h.Log.Error().Err(err).Str("user_id", uid).Msg("daily limit")
		failJSON(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, st)
}
