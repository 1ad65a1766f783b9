package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/forevermessage/forever-message/internal/auth"
	"github.com/forevermessage/forever-message/internal/bootstrap"
	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/httpapi"
	"github.com/forevermessage/forever-message/internal/httpapi/handlers"
	"github.com/forevermessage/forever-message/internal/jobs"
	"github.com/forevermessage/forever-message/internal/logger"
	"github.com/forevermessage/forever-message/internal/observability"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/quota"
	"github.com/forevermessage/forever-message/internal/reconcile"
	"github.com/forevermessage/forever-message/internal/store/rabbitmq"
)

type Application struct {
	server  *http.Server
	crontab *jobs.Crontab
	inline  *pipeline.InlineDispatcher
	cfg     *config.Config
	log     zerolog.Logger
}

func NewApplication(cfg *config.Config, log zerolog.Logger, router *gin.Engine, crontab *jobs.Crontab, inline *pipeline.InlineDispatcher) *Application {
	return &Application{
		server: &http.Server{
			Addr:    cfg.Addr(),
			Handler: router,
		},
		crontab: crontab,
		inline:  inline,
		cfg:     cfg,
		log:     log,
	}
}

// Start serves until ctx is done, then drains in-flight requests and
// inline pipeline runs.
func (a *Application) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.crontab != nil {
		eg.Go(func() error {
			return a.crontab.Run(ctx)
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		if a.inline != nil {
			a.inline.Wait()
		}
		return err
	})
	return eg.Wait()
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg)
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, "api", log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	gdb, err := bootstrap.Database(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	coord, err := bootstrap.NewCoordination(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer coord.Close()

	client, err := bootstrap.ChainClient(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect blockchain rpc")
	}

	repo := bottle.NewRepo(gdb)
	svc := bottle.NewService(repo, cfg.ForeverThreshold)
	gate := quota.NewGate(gdb, cfg.DailyLimit)
	worker := bootstrap.Worker(ctx, cfg, log, repo, client, coord)

	// with RabbitMQ the worker binary runs the pipeline and the jobs;
	// without it this process does both
	var dispatcher pipeline.Dispatcher
	var inline *pipeline.InlineDispatcher
	var crontab *jobs.Crontab
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal().Err(err).Msg("connect rabbitmq")
		}
		defer pub.Close()
		dispatcher = pub
	} else {
		inline = pipeline.NewInlineDispatcher(worker, cfg.PipelineTimeout, log)
		dispatcher = inline
		syncer, err := bootstrap.Syncer(cfg, log, svc, client)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize chain sync")
		}
		reaper := pipeline.NewReaper(repo, dispatcher, coord.Bus, cfg.StaleAfter, log)
		crontab = jobs.NewCrontab(syncer, reaper, coord.Locker, cfg.SyncIntervalMinutes, log)
	}

	verifier, err := auth.NewVerifier(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize auth verifier")
	}
	defer verifier.Close()

	h := handlers.NewHandler(cfg, log, gdb, svc, gate, worker, dispatcher, reconcile.NewFeed(svc), coord.Bus)
	if coord.Redis != nil {
		h.Checks["redis"] = coord.Redis
	}

	app := NewApplication(cfg, log, httpapi.NewRouter(h, verifier, log), crontab, inline)
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}
	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
