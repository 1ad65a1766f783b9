package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/forevermessage/forever-message/internal/auth"
	"github.com/forevermessage/forever-message/internal/bottle"
	"github.com/forevermessage/forever-message/internal/config"
	"github.com/forevermessage/forever-message/internal/events"
	"github.com/forevermessage/forever-message/internal/httpapi/handlers"
	"github.com/forevermessage/forever-message/internal/ipfs"
	"github.com/forevermessage/forever-message/internal/pipeline"
	"github.com/forevermessage/forever-message/internal/quota"
	"github.com/forevermessage/forever-message/internal/reconcile"
)

const testSecret = "test-secret"

type fakeStore struct{}

func (fakeStore) Upload(ctx context.Context, name string, doc ipfs.Document) (string, error) {
	_ = ctx
	return "bafy-" + name, nil
}

type fakeMinter struct{ n atomic.Int64 }

func (m *fakeMinter) Address() string        { return "0x1111111111111111111111111111111111111111" }
func (m *fakeMinter) WalletLockName() string { return "wallet:test" }

func (m *fakeMinter) SubmitBottle(ctx context.Context, cid string) (string, error) {
	_ = ctx
	_ = cid
	return "0xtx", nil
}

func (m *fakeMinter) AwaitBottleID(ctx context.Context, txHash string) (string, error) {
	_ = ctx
	_ = txHash
	return strconv.FormatInt(m.n.Add(1), 10), nil
}

type testEnv struct {
	router     *gin.Engine
	db         *gorm.DB
	repo       *bottle.Repo
	dispatcher *pipeline.InlineDispatcher
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(bottle.Models(), &quota.DailyLimit{})...))
	// inline pipeline runs share the database with the request goroutine
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	cfg := &config.Config{
		MaxAttempts:     3,
		PipelineTimeout: 10 * time.Second,
		InternalAPIKey:  "internal-key",
		DailyLimit:      3,
	}
	log := zerolog.Nop()

	repo := bottle.NewRepo(db)
	svc := bottle.NewService(repo, 2)
	bus := events.NewMemoryBus()
	worker := pipeline.NewWorker(repo, fakeStore{}, &fakeMinter{}, nil, bus, log, pipeline.Options{})
	disp := pipeline.NewInlineDispatcher(worker, cfg.PipelineTimeout, log)

	h := handlers.NewHandler(cfg, log, db, svc, quota.NewGate(db, cfg.DailyLimit), worker, disp, reconcile.NewFeed(svc), bus)
	r := NewRouter(h, auth.NewHS256Verifier(testSecret, ""), log)

	t.Cleanup(disp.Wait)
	return &testEnv{router: r, db: db, repo: repo, dispatcher: disp}
}

func token(t *testing.T, uid string) string {
	t.Helper()
	tok, err := auth.IssueHS256(testSecret, "", uid, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(method, path, authz string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestDailyLimit_RequiresToken(t *testing.T) {
	env := setup(t)

	w := env.do(http.MethodGet, "/api/daily-limit", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/api/daily-limit", "Bearer nope", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDailyLimit_FreshUser(t *testing.T) {
	env := setup(t)

	w := env.do(http.MethodGet, "/api/daily-limit", token(t, "0xabc"), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(0), body["bottlesCreated"])
	assert.Equal(t, float64(3), body["bottlesRemaining"])
	assert.Equal(t, false, body["isLimitReached"])
	assert.NotEmpty(t, body["resetAt"])
}

func TestCreateBottle_QuotaAndPipeline(t *testing.T) {
	env := setup(t)
	authz := token(t, "0xabc")

	for i := 0; i < 3; i++ {
		w := env.do(http.MethodPost, "/api/bottles", authz, map[string]string{"message": "hello"}, nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["queueId"])
	}

	w := env.do(http.MethodPost, "/api/bottles", authz, map[string]string{"message": "one too many"}, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, decode(t, w)["resetAt"])

	env.dispatcher.Wait()

	entries, err := env.repo.ListEntriesForUser(context.Background(), "0xabc", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, bottle.StatusCompleted, e.Status)
		assert.Equal(t, 100, e.Progress)
	}

	w = env.do(http.MethodGet, "/api/daily-limit", authz, nil, nil)
	body := decode(t, w)
	assert.Equal(t, float64(0), body["bottlesRemaining"])
	assert.Equal(t, true, body["isLimitReached"])
}

func TestCreateBottle_IdempotencyKey(t *testing.T) {
	env := setup(t)
	authz := token(t, "0xabc")
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	w1 := env.do(http.MethodPost, "/api/bottles", authz, map[string]string{"message": "hello"}, hdr)
	require.Equal(t, http.StatusAccepted, w1.Code)
	w2 := env.do(http.MethodPost, "/api/bottles", authz, map[string]string{"message": "hello"}, hdr)
	require.Equal(t, http.StatusAccepted, w2.Code)

	assert.Equal(t, decode(t, w1)["queueId"], decode(t, w2)["queueId"])

	var rec quota.DailyLimit
	require.NoError(t, env.db.First(&rec, "user_id = ?", "0xabc").Error)
	assert.Equal(t, 1, rec.BottlesCreated)
}

func TestCreateBottle_RejectsBlankMessage(t *testing.T) {
	env := setup(t)

	w := env.do(http.MethodPost, "/api/bottles", token(t, "0xabc"), map[string]string{"message": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/bottles", token(t, "0xabc"), map[string]string{"message": strings.Repeat("x", 501)}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBottle_TrimsBeforeLengthCheck(t *testing.T) {
	env := setup(t)

	padded := "  " + strings.Repeat("x", 500) + "  "
	w := env.do(http.MethodPost, "/api/bottles", token(t, "0xabc"), map[string]string{"message": padded}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var entries []bottle.QueueEntry
	require.NoError(t, env.db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, strings.Repeat("x", 500), entries[0].Message)
}

func TestProcessBottle(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	require.NoError(t, env.repo.CreateEntry(ctx, &bottle.QueueEntry{ID: "q1", Message: "hello", UserID: "0xabc"}))

	body := map[string]string{"queueId": "q1", "message": "hello", "userId": "0xabc"}

	w := env.do(http.MethodPost, "/api/bottles/process", "", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodPost, "/api/bottles/process", "", body, map[string]string{"X-Internal-Key": "internal-key"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["success"])
	assert.NotEmpty(t, out["bottleId"])
	assert.Equal(t, "bafy-bottle-q1", out["cid"])

	// replay returns the stored result
	w = env.do(http.MethodPost, "/api/bottles/process", "", body, map[string]string{"X-Internal-Key": "internal-key"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, out["bottleId"], decode(t, w)["bottleId"])
}

func TestProcessBottle_FailedEntry(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	require.NoError(t, env.repo.CreateEntry(ctx, &bottle.QueueEntry{ID: "q2", Message: "hello", UserID: "0xabc"}))
	require.NoError(t, env.repo.MarkFailed(ctx, "q2", "ipfs upload: boom"))

	w := env.do(http.MethodPost, "/api/bottles/process", "",
		map[string]string{"queueId": "q2", "message": "hello", "userId": "0xabc"},
		map[string]string{"X-Internal-Key": "internal-key"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	out := decode(t, w)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "ipfs upload: boom", out["error"])
}

func TestProcessBottle_InFlightEntry(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	require.NoError(t, env.repo.CreateEntry(ctx, &bottle.QueueEntry{ID: "q3", Message: "hello", UserID: "0xabc"}))
	require.NoError(t, env.db.Model(&bottle.QueueEntry{}).Where("id = ?", "q3").
		UpdateColumns(map[string]any{"status": bottle.StatusMinting, "attempts": 1, "updated_at": time.Now()}).Error)

	w := env.do(http.MethodPost, "/api/bottles/process", "",
		map[string]string{"queueId": "q3", "message": "hello", "userId": "0xabc"},
		map[string]string{"X-Internal-Key": "internal-key"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, string(bottle.StatusMinting), out["status"])

	e, err := env.repo.GetEntry(ctx, "q3")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
}

func TestProcessBottle_UnknownEntry(t *testing.T) {
	env := setup(t)

	w := env.do(http.MethodPost, "/api/bottles/process", "",
		map[string]string{"queueId": "nope", "message": "hello", "userId": "0xabc"},
		map[string]string{"X-Internal-Key": "internal-key"})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	out := decode(t, w)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "queue entry not found", out["error"])
}

func TestListBottles_Shape(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, env.repo.UpsertBottle(ctx, &bottle.Bottle{ID: i, IPFSHash: "c", BlockchainStatus: bottle.BlockchainConfirmed}))
	}

	w := env.do(http.MethodGet, "/api/bottles?limit=2&offset=0", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, true, body["hasMore"])
	assert.Len(t, body["bottles"], 2)

	w = env.do(http.MethodGet, "/api/bottles?limit=2&offset=2", "", nil, nil)
	body = decode(t, w)
	assert.Equal(t, false, body["hasMore"])
	assert.Len(t, body["bottles"], 1)
}

func TestQueueEntry_HiddenFromOtherUsers(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.repo.CreateEntry(context.Background(), &bottle.QueueEntry{ID: "q3", Message: "mine", UserID: "0xabc"}))

	w := env.do(http.MethodGet, "/api/bottles/queue/q3", token(t, "0xother"), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodGet, "/api/bottles/queue/q3", token(t, "0xabc"), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLikes_PromoteToForever(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.repo.UpsertBottle(context.Background(), &bottle.Bottle{ID: 5, IPFSHash: "c", BlockchainStatus: bottle.BlockchainConfirmed}))

	w := env.do(http.MethodPost, "/api/bottles/5/like", token(t, "u1"), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	// liking twice is a no-op
	w = env.do(http.MethodPost, "/api/bottles/5/like", token(t, "u1"), nil, nil)
	assert.Equal(t, float64(1), decode(t, w)["likesCount"])

	w = env.do(http.MethodPost, "/api/bottles/5/like", token(t, "u2"), nil, nil)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["likesCount"])
	assert.Equal(t, true, body["isForever"])

	// promotion sticks after an unlike
	w = env.do(http.MethodDelete, "/api/bottles/5/like", token(t, "u2"), nil, nil)
	body = decode(t, w)
	assert.Equal(t, float64(1), body["likesCount"])
	assert.Equal(t, true, body["isForever"])

	w = env.do(http.MethodPost, "/api/bottles/404/like", token(t, "u1"), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
