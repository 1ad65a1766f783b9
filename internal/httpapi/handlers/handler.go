package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/common"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/httpapi/middleware"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/quota"
	"github.com/forevermessage/forever-message/internal/reconcile"
	"github.com/forevermessage/forever-message/internal/validation"
)

// Checker is a dependency checked by the readiness endpoint.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

type Handler struct {
	Cfg        *config.Config
	Log        zerolog.Logger
	DB         *gorm.DB
	Bottles    *bottle.Service
	Quota      *quota.Gate
	Worker     *pipeline.Worker
	Dispatcher pipeline.Dispatcher
	Feed       *reconcile.Feed
	Events     events.Subscriber
	Validate   *validatorv10.Validate
	Checks     map[string]Checker

	// how long finished entries stay on the event stream before "removed"
	RemovalDelay time.Duration
	PingInterval time.Duration
}

func NewHandler(
	cfg *config.Config,
	log zerolog.Logger,
	db *gorm.DB,
	svc *bottle.Service,
	gate *quota.Gate,
	worker *pipeline.Worker,
	dispatcher pipeline.Dispatcher,
	feed *reconcile.Feed,
	sub events.Subscriber,
) *Handler {
	return &Handler{
		Cfg:          cfg,
		Log:          log.With().Str("component", "http").Logger(),
		DB:           db,
		Bottles:      svc,
		Quota:        gate,
		Worker:       worker,
		Dispatcher:   dispatcher,
		Feed:         feed,
		Events:       sub,
		Validate:     validation.New(),
		Checks:       map[string]Checker{},
		RemovalDelay: reconcile.DefaultRemovalDelay,
		PingInterval: 15 * time.Second,
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) Healthz(c *gin.Context) {
	common.OK(c, gin.H{"status": "ok"})
}

// Readyz checks the database and every registered dependency.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := gin.H{}
	ready := true

	if sqlDB, err := h.DB.DB(); err != nil {
		status["database"] = err.Error()
		ready = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		status["database"] = err.Error()
		ready = false
	} else {
		status["database"] = "ok"
	}
	for name, chk := range h.Checks {
		if err := chk.HealthCheck(ctx); err != nil {
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}
	status["pipeline"] = h.Worker.Configured()

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 50300, "message": "not ready", "data": status})
		return
	}
	common.OK(c, status)
}

func userIDFromContext(c *gin.Context) (string, bool) {
	return middleware.UserID(c)
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
}

func failJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return bottle.ClampPage(limit, offset)
}
