package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("AUTH_JWKS_URL", "")
	t.Setenv("ENVIRONMENT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 3, cfg.DailyLimit)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100, cfg.ForeverThreshold)
	assert.Equal(t, 5*time.Second, cfg.ConfirmationDelay)
	assert.Equal(t, "pinata", cfg.IPFSBackend)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.True(t, cfg.OTLPInsecure)
	assert.NotEmpty(t, cfg.JWTSecret, "development gets a fallback secret")
}

func TestLoad_Clamps(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("DAILY_BOTTLE_LIMIT", "0")
	t.Setenv("SYNC_BATCH_SIZE", "100000")
	t.Setenv("IPFS_BACKEND", "  FileBase ")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "7.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, 3, cfg.DailyLimit)
	assert.Equal(t, 50, cfg.SyncBatchSize)
	assert.Equal(t, "filebase", cfg.IPFSBackend)
}

func TestLoad_NegativeSampleRatio(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "-0.2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.TraceSampleRatio)
}

func TestLoad_ProductionNeedsAuth(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("AUTH_JWKS_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestPipelineReady(t *testing.T) {
	cfg := &Config{IPFSBackend: "pinata", IPFSGatewayURL: "https://gw"}
	err := cfg.PipelineReady()
	require.True(t, errors.Is(err, ErrNotConfigured))
	assert.Contains(t, err.Error(), "BLOCKCHAIN_RPC_URL")
	assert.Contains(t, err.Error(), "PINATA_JWT")

	cfg.RPCURL = "http://rpc"
	cfg.PrivateKey = "0xkey"
	cfg.ContractAddress = "0xcontract"
	cfg.PinataJWT = "jwt"
	assert.NoError(t, cfg.PipelineReady())

	cfg.IPFSBackend = "filebase"
	err = cfg.PipelineReady()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FILEBASE_*")
}
