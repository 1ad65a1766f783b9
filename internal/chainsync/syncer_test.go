package chainsync

import (
	"context"
	"errors"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/chain"
	"github.com/forevermessage/forever-message/internal/ipfs"
)

type fakeChain struct {
	bottles map[uint64]*chain.OnChainBottle
	failIDs map[uint64]bool
}

func (c *fakeChain) TotalBottles(ctx context.Context) (uint64, error) {
	_ = ctx
	return uint64(len(c.bottles)), nil
}

func (c *fakeChain) GetBottle(ctx context.Context, id uint64) (*chain.OnChainBottle, error) {
	_ = ctx
	if c.failIDs[id] {
		return nil, errors.New("rpc timeout")
	}
	b, ok := c.bottles[id]
	if !ok {
		return nil, chain.ErrNoSuchBottle
	}
	return b, nil
}

type fakeFetcher struct {
	docs  map[string]*ipfs.Document
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, cid string) (*ipfs.Document, error) {
	_ = ctx
	f.calls++
	d, ok := f.docs[cid]
	if !ok {
		return nil, errors.New("gateway: 504")
	}
	return d, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(bottle.Models()...))
	return db
}

func onChain(id uint64, cid string) *chain.OnChainBottle {
	return &chain.OnChainBottle{ID: id, IPFSHash: cid, Author: "0xabc", CreatedAt: 1700000000 + int64(id)}
}

func TestSyncOnce_CopiesNewBottles(t *testing.T) {
	db := openTestDB(t)
	svc := bottle.NewService(bottle.NewRepo(db), 100)
	ctx := context.Background()

	fc := &fakeChain{bottles: map[uint64]*chain.OnChainBottle{
		1: onChain(1, "cid-a"),
		2: onChain(2, "cid-a"),
		3: onChain(3, "cid-b"),
	}}
	ff := &fakeFetcher{docs: map[string]*ipfs.Document{
		"cid-a": {Message: "first", UserID: "u1"},
		"cid-b": {Message: "third", UserID: "u2"},
	}}

	s, err := New(svc, fc, ff, 10, 8, zerolog.Nop())
	require.NoError(t, err)

	rep, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rep.OnChain)
	assert.Equal(t, uint64(1), rep.From)
	assert.Equal(t, uint64(3), rep.To)
	assert.Equal(t, 3, rep.Synced)
	assert.Equal(t, 1, rep.CacheHit)
	assert.Equal(t, 2, ff.calls)

	page, err := svc.ListConfirmed(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Bottles, 3)
	assert.Equal(t, uint64(3), page.Bottles[0].ID)
	assert.Equal(t, "third", page.Bottles[0].Message)
	assert.Equal(t, "u2", page.Bottles[0].UserID)

	// nothing new on the second run
	rep, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Synced)
}

func TestSyncOnce_MissingContentIsRetried(t *testing.T) {
	db := openTestDB(t)
	svc := bottle.NewService(bottle.NewRepo(db), 100)
	ctx := context.Background()

	fc := &fakeChain{bottles: map[uint64]*chain.OnChainBottle{
		1: onChain(1, "cid-missing"),
		2: onChain(2, "cid-ok"),
	}}
	ff := &fakeFetcher{docs: map[string]*ipfs.Document{"cid-ok": {Message: "ok"}}}

	s, err := New(svc, fc, ff, 10, 8, zerolog.Nop())
	require.NoError(t, err)

	rep, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, 1, rep.Pending)

	page, err := svc.ListConfirmed(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Bottles, 1)

	ff.docs["cid-missing"] = &ipfs.Document{Message: "late"}
	rep, err = s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retried)
	assert.Equal(t, 1, rep.Synced)

	b, err := svc.Repo().GetBottle(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bottle.BlockchainConfirmed, b.BlockchainStatus)
	assert.Equal(t, "late", b.Message)
}

func TestSyncOnce_StopsAtChainError(t *testing.T) {
	db := openTestDB(t)
	svc := bottle.NewService(bottle.NewRepo(db), 100)
	ctx := context.Background()

	fc := &fakeChain{
		bottles: map[uint64]*chain.OnChainBottle{1: onChain(1, "c"), 2: onChain(2, "c"), 3: onChain(3, "c")},
		failIDs: map[uint64]bool{2: true},
	}
	ff := &fakeFetcher{docs: map[string]*ipfs.Document{"c": {Message: "m"}}}

	s, err := New(svc, fc, ff, 10, 8, zerolog.Nop())
	require.NoError(t, err)

	rep, err := s.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, uint64(1), rep.To)

	highest, err := svc.Repo().MaxBottleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), highest)
}
