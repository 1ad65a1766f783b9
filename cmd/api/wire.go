//go:build wireinject

package main

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/auth"
	"github.com/forevermessage/forever-message/internal/bootstrap"
	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/chainsync"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/httpapi"
	"github.com/forevermessage/forever-message/internal/httpapi/handlers"
	"github.com/forevermessage/forever-message/internal/jobs"
	"github.com/forevermessage/forever-message/internal/logger"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/quota"
	"github.com/forevermessage/forever-message/internal/reconcile"
)

var bottleSet = wire.NewSet(
	bottle.NewRepo,
	newBottleService,
	newQuotaGate,
	reconcile.NewFeed,
)

// BuildApplication assembles the single-process variant: inline dispatch and
// in-process jobs. main wires the RabbitMQ variant by hand.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		logger.New,
		bootstrap.Database,
		bootstrap.NewCoordination,
		bootstrap.ChainClient,
		bootstrap.Worker,
		bootstrap.Syncer,
		bottleSet,
		newInlineDispatcher,
		wire.Bind(new(pipeline.Dispatcher), new(*pipeline.InlineDispatcher)),
		newEventBus,
		newSubscriber,
		newReaper,
		newCrontab,
		auth.NewVerifier,
		handlers.NewHandler,
		newRouter,
		NewApplication,
	)
	return nil, nil
}

func newBottleService(repo *bottle.Repo, cfg *config.Config) *bottle.Service {
	return bottle.NewService(repo, cfg.ForeverThreshold)
}

func newQuotaGate(gdb *gorm.DB, cfg *config.Config) *quota.Gate {
	return quota.NewGate(gdb, cfg.DailyLimit)
}

func newInlineDispatcher(w *pipeline.Worker, cfg *config.Config, log zerolog.Logger) *pipeline.InlineDispatcher {
	return pipeline.NewInlineDispatcher(w, cfg.PipelineTimeout, log)
}

func newEventBus(coord *bootstrap.Coordination) events.Publisher {
	return coord.Bus
}

func newSubscriber(coord *bootstrap.Coordination) events.Subscriber {
	return coord.Bus
}

func newReaper(repo *bottle.Repo, d pipeline.Dispatcher, bus events.Publisher, cfg *config.Config, log zerolog.Logger) *pipeline.Reaper {
	return pipeline.NewReaper(repo, d, bus, cfg.StaleAfter, log)
}

func newCrontab(s *chainsync.Syncer, r *pipeline.Reaper, coord *bootstrap.Coordination, cfg *config.Config, log zerolog.Logger) *jobs.Crontab {
	return jobs.NewCrontab(s, r, coord.Locker, cfg.SyncIntervalMinutes, log)
}

func newRouter(h *handlers.Handler, v *auth.Verifier, log zerolog.Logger) *gin.Engine {
	return httpapi.NewRouter(h, v, log)
}
