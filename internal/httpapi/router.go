package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/auth"
	"github.com/forevermessage/forever-message/internal/common"
	"github.com/forevermessage/forever-message/internal/httpapi/handlers"
	"github.com/forevermessage/forever-message/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, verifier *auth.Verifier, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	// public reads
	api.GET("/bottles", h.ListBottles)
	api.GET("/bottles/:id", h.GetBottle)

	// service-to-service
	internal := api.Group("/")
	internal.Use(middleware.InternalKey(h.Cfg.InternalAPIKey))
	internal.POST("/bottles/process", h.ProcessBottle)

	// bearer auth
	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(verifier))
	authGroup.POST("/bottles", h.CreateBottle)
	authGroup.GET("/bottles/feed", h.BottleFeed)
	authGroup.GET("/bottles/queue", h.ListQueue)
	authGroup.GET("/bottles/queue/events", h.QueueEvents)
	authGroup.GET("/bottles/queue/:id", h.GetQueueEntry)
	authGroup.POST("/bottles/:id/like", h.LikeBottle)
	authGroup.DELETE("/bottles/:id/like", h.UnlikeBottle)
	authGroup.GET("/daily-limit", h.DailyLimit)

	return r
}
