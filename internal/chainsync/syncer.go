package chainsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/chain"
	"github.com/forevermessage/forever-message/internal/ipfs"
	"github.com/forevermessage/forever-message/internal/metrics"
)

const (
	DefaultBatchSize = 50
	defaultCacheSize = 1024
)

// ChainReader is the read side of the bottle contract.
type ChainReader interface {
	TotalBottles(ctx context.Context) (uint64, error)
	GetBottle(ctx context.Context, id uint64) (*chain.OnChainBottle, error)
}

type SyncReport struct {
	OnChain  uint64 `json:"onChain"`
	From     uint64 `json:"from"`
	To       uint64 `json:"to"`
	Synced   int    `json:"synced"`
	Pending  int    `json:"pending"`
	Failed   int    `json:"failed"`
	Retried  int    `json:"retried"`
	CacheHit int    `json:"cacheHit"`
}

// Syncer copies on-chain bottles and their IPFS content into the bottles table.
type Syncer struct {
	svc     *bottle.Service
	chain   ChainReader
	content ipfs.Fetcher
	cache   *lru.Cache
	batch   int
	log     zerolog.Logger
}

func New(svc *bottle.Service, reader ChainReader, content ipfs.Fetcher, batch, cacheSize int, log zerolog.Logger) (*Syncer, error) {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("chainsync: content cache: %w", err)
	}
	return &Syncer{
		svc:     svc,
		chain:   reader,
		content: content,
		cache:   cache,
		batch:   batch,
		log:     log.With().Str("component", "chainsync").Logger(),
	}, nil
}

// SyncOnce retries bottles whose content is still missing, then pulls up to
// one batch of ids above the highest cached id. Per-bottle failures are
// counted, not returned.
func (s *Syncer) SyncOnce(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	repo := s.svc.Repo()

	unresolved, err := repo.ListUnresolvedBottles(ctx, s.batch)
	if err != nil {
		return rep, err
	}
	for _, b := range unresolved {
		rep.Retried++
		s.syncOne(ctx, b.ID, &rep)
	}

	total, err := s.chain.TotalBottles(ctx)
	if err != nil {
		return rep, fmt.Errorf("chainsync: total bottles: %w", err)
	}
	rep.OnChain = total

	highest, err := repo.MaxBottleID(ctx)
	if err != nil {
		return rep, err
	}
	if highest >= total {
		return rep, nil
	}

	rep.From = highest + 1
	rep.To = highest + uint64(s.batch)
	if rep.To > total {
		rep.To = total
	}
	for id := rep.From; id <= rep.To; id++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !s.syncOne(ctx, id, &rep) {
			// keep ids contiguous: stop at the first bottle we could not record
			rep.To = id - 1
			break
		}
	}

	s.log.Info().
		Uint64("on_chain", rep.OnChain).
		Uint64("from", rep.From).
		Uint64("to", rep.To).
		Int("synced", rep.Synced).
		Int("pending", rep.Pending).
		Int("failed", rep.Failed).
		Msg("sync done")
	return rep, nil
}

// syncOne reports whether a row for id now exists.
func (s *Syncer) syncOne(ctx context.Context, id uint64, rep *SyncReport) bool {
	log := s.log.With().Uint64("bottle_id", id).Logger()
	repo := s.svc.Repo()

	onChain, err := s.chain.GetBottle(ctx, id)
	if err != nil {
		rep.Failed++
		metrics.SyncedBottles.WithLabelValues("chain_error").Inc()
		log.Warn().Err(err).Msg("get bottle")
		return false
	}

	b := &bottle.Bottle{
		ID:               id,
		IPFSHash:         onChain.IPFSHash,
		AuthorAddress:    onChain.Author,
		BlockchainStatus: bottle.BlockchainConfirmed,
		CreatedAt:        time.Unix(onChain.CreatedAt, 0).UTC(),
	}
	if e, err := repo.GetEntryByBlockchainID(ctx, strconv.FormatUint(id, 10)); err == nil {
		b.TxHash = e.TxHash
		b.UserID = e.UserID
	}

	doc, err := s.fetch(ctx, onChain.IPFSHash, rep)
	if err != nil {
		// record the id so the sweep can move on; content is retried later
		b.BlockchainStatus = bottle.BlockchainUnresolved
		rep.Pending++
		metrics.SyncedBottles.WithLabelValues("content_pending").Inc()
		log.Warn().Err(err).Str("cid", onChain.IPFSHash).Msg("fetch content")
	} else {
		b.Message = doc.Message
		if doc.UserID != "" {
			b.UserID = doc.UserID
		}
	}

	if err := repo.UpsertBottle(ctx, b); err != nil {
		rep.Failed++
		metrics.SyncedBottles.WithLabelValues("db_error").Inc()
		log.Error().Err(err).Msg("upsert bottle")
		return false
	}
	if b.BlockchainStatus != bottle.BlockchainConfirmed {
		return true
	}
	if _, err := s.svc.RefreshEngagement(ctx, id); err != nil && !errors.Is(err, bottle.ErrBottleNotFound) {
		log.Warn().Err(err).Msg("refresh engagement")
	}
	rep.Synced++
	metrics.SyncedBottles.WithLabelValues("synced").Inc()
	return true
}

func (s *Syncer) fetch(ctx context.Context, cid string, rep *SyncReport) (*ipfs.Document, error) {
	if v, ok := s.cache.Get(cid); ok {
		rep.CacheHit++
		return v.(*ipfs.Document), nil
	}
	if s.content == nil {
		return nil, errors.New("no content gateway configured")
	}
	doc, err := s.content.Fetch(ctx, cid)
	if err != nil {
		return nil, err
	}
	s.cache.Add(cid, doc)
	return doc, nil
}
