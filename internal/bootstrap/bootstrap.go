// Package bootstrap builds the collaborators shared by the api, the worker
// and the admin CLI from one Config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/chain"
	"github.com/forevermessage/forever-message/internal/chainsync"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/db"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/ipfs"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/store/redisstore"
)

// Database connects and migrates.
func Database(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	gdb, err := db.Connect(db.Config{
		DSN:             cfg.DBDSN,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(ctx, gdb, log); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return gdb, nil
}

// Coordination is the event bus plus the wallet lock. Redis backs both when
// configured; otherwise they only work inside one process.
type Coordination struct {
	Bus    events.Bus
	Locker pipeline.Locker
	Redis  *redisstore.Store
}

func (c *Coordination) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}

func NewCoordination(cfg *config.Config, log zerolog.Logger) (*Coordination, error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set: queue events and wallet lock are process-local")
		return &Coordination{Bus: events.NewMemoryBus(), Locker: pipeline.NewLocalLocker()}, nil
	}
	rs, err := redisstore.New(cfg.RedisURL, log)
	if err != nil {
		return nil, err
	}
	return &Coordination{Bus: rs, Locker: rs, Redis: rs}, nil
}

// ContentRegistry registers the supported pinning backends.
func ContentRegistry(cfg *config.Config) *ipfs.Registry {
	reg := ipfs.NewRegistry()
	reg.Register("pinata", func(ctx context.Context) (ipfs.Store, error) {
		return ipfs.NewPinataStore(cfg.PinataAPIURL, cfg.PinataJWT, cfg.IPFSGatewayURL), nil
	})
	reg.Register("filebase", func(ctx context.Context) (ipfs.Store, error) {
		return ipfs.NewFilebaseStore(ctx, ipfs.FilebaseConfig{
			Endpoint:   cfg.FilebaseURL,
			Bucket:     cfg.FilebaseBucket,
			AccessKey:  cfg.FilebaseKey,
			SecretKey:  cfg.FilebaseSecret,
			GatewayURL: cfg.IPFSGatewayURL,
		})
	})
	return reg
}

// ChainClient dials the contract. It returns nil without error when the RPC
// or contract address is missing.
func ChainClient(ctx context.Context, cfg *config.Config) (*chain.Client, error) {
	if cfg.RPCURL == "" || cfg.ContractAddress == "" {
		return nil, nil
	}
	return chain.Dial(ctx, chain.Config{
		RPCURL:          cfg.RPCURL,
		PrivateKey:      cfg.PrivateKey,
		ContractAddress: cfg.ContractAddress,
		PollInterval:    cfg.ReceiptPoll,
	})
}

// Worker builds the pipeline worker. Missing credentials are logged and the
// worker is returned unconfigured so every run fails fast.
func Worker(ctx context.Context, cfg *config.Config, log zerolog.Logger, repo *bottle.Repo, client *chain.Client, coord *Coordination) *pipeline.Worker {
	var store ipfs.Store
	var minter pipeline.Minter
	if err := cfg.PipelineReady(); err != nil {
		log.Warn().Err(err).Msg("bottle pipeline disabled")
	} else {
		s, err := ContentRegistry(cfg).Get(ctx, cfg.IPFSBackend)
		if err != nil {
			log.Error().Err(err).Str("backend", cfg.IPFSBackend).Msg("content store unavailable")
		} else {
			store = s
		}
		if client != nil {
			minter = client
		}
	}
	return pipeline.NewWorker(repo, store, minter, coord.Locker, coord.Bus, log, pipeline.Options{
		ConfirmationDelay: cfg.ConfirmationDelay,
		ClaimTTL:          cfg.PipelineTimeout,
	})
}

// Syncer builds the chain sync job, nil when no contract is configured.
func Syncer(cfg *config.Config, log zerolog.Logger, svc *bottle.Service, client *chain.Client) (*chainsync.Syncer, error) {
	if client == nil {
		return nil, nil
	}
	return chainsync.New(svc, client, ipfs.NewGateway(cfg.IPFSGatewayURL), cfg.SyncBatchSize, cfg.ContentCacheSize, log)
}
