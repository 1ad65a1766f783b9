package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/bootstrap"
	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/jobs"
	"github.com/forevermessage/forever-message/internal/logger"
	"github.com/forevermessage/forever-message/internal/observability"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/store/rabbitmq"
)

const (
	maxRedeliveries = 5
	retryDelay      = 15 * time.Second
)

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg).With().Str("process", "worker").Logger()
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, "worker", log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
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
	worker := bootstrap.Worker(ctx, cfg, log, repo, client, coord)

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("connect rabbitmq publisher")
	}
	defer pub.Close()

	syncer, err := bootstrap.Syncer(cfg, log, svc, client)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize chain sync")
	}
	reaper := pipeline.NewReaper(repo, pub, coord.Bus, cfg.StaleAfter, log)
	crontab := jobs.NewCrontab(syncer, reaper, coord.Locker, cfg.SyncIntervalMinutes, log)
	go func() {
		if err := crontab.Run(ctx); err != nil {
			log.Error().Err(err).Msg("crontab stopped")
		}
	}()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("queue declare")
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// retries are published from the pool; amqp channels are not safe for
	// concurrent publishes
	var retryMu sync.Mutex
	retry := func(d amqp.Delivery) error {
		retryMu.Lock()
		defer retryMu.Unlock()
		return rabbitmq.PublishRetry(ctx, ch, cfg.RabbitQueue, d, retryDelay)
	}

	// worker pool
	jobsCh := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for d := range jobsCh {
				handleDelivery(ctx, cfg, worker, repo, d, retry, wlog)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(jobsCh)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobsCh <- d
		}
	}
}

// handleDelivery acks once Run returns a result or the entry is terminal. Stage
// errors, including a cancelled run, are recorded as failed by the worker and
// acked. Only a run that errored before the failure was stored, typically on a
// database error, is parked on the retry queue. An entry another run holds is
// reported as skipped and acked; the reaper resumes it if that run dies.
func handleDelivery(ctx context.Context, cfg *config.Config, worker *pipeline.Worker, repo *bottle.Repo, d amqp.Delivery, retry func(amqp.Delivery) error, log zerolog.Logger) {
	m, err := rabbitmq.Decode(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}
	log = log.With().Str("queue_id", m.QueueID).Logger()

	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, cfg.PipelineTimeout)
	res, err := worker.Run(rctx, pipeline.Request{QueueID: m.QueueID})
	cancel()

	switch {
	case err == nil:
		log.Info().Str("status", string(res.Status)).Bool("skipped", res.Skipped).Dur("cost", time.Since(start)).Msg("job done")
		ack(d, log)
		return
	case errors.Is(err, bottle.ErrEntryNotFound), errors.Is(err, pipeline.ErrNotConfigured):
		log.Warn().Err(err).Msg("job dropped")
		_ = d.Nack(false, false)
		return
	}

	entry, gerr := repo.GetEntry(context.WithoutCancel(ctx), m.QueueID)
	if gerr == nil && entry.Status.Terminal() {
		log.Warn().Err(err).Str("status", string(entry.Status)).Dur("cost", time.Since(start)).Msg("job failed")
		ack(d, log)
		return
	}

	if rabbitmq.RetryCount(d) >= maxRedeliveries {
		log.Error().Err(err).Msg("job exceeded redeliveries")
		_ = d.Nack(false, false)
		return
	}
	if rerr := retry(d); rerr != nil {
		log.Error().Err(rerr).Msg("publish retry")
		_ = d.Nack(false, true)
		return
	}
	log.Warn().Err(err).Int("retry", rabbitmq.RetryCount(d)+1).Msg("job parked for retry")
	ack(d, log)
}

func ack(d amqp.Delivery, log zerolog.Logger) {
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
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
