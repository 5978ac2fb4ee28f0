package app_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ShaneHoughton/capstone2022/internal/app"
	"github.com/ShaneHoughton/capstone2022/internal/config"
	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/storage/local"
	storagememory "github.com/ShaneHoughton/capstone2022/internal/storage/memory"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.API.Backoff = 1
	cfg.API.MaxAttempts = 1
	cfg.Queue.Backend = config.BackendMemory
	cfg.Storage.Backend = config.BackendMemory
	return cfg
}

func TestLimiter(t *testing.T) {
	assert.Nil(t, app.Limiter(0))
	assert.Nil(t, app.Limiter(-5))

	l := app.Limiter(3600)
	require.NotNil(t, l)
	assert.Equal(t, rate.Limit(1), l.Limit())
	assert.Equal(t, 1, l.Burst())
}

func TestMemoryBackends(t *testing.T) {
	a := app.New(baseConfig(t), nil)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	ctx := context.Background()

	store, err := a.Queue(ctx)
	require.NoError(t, err)
	again, err := a.Queue(ctx)
	require.NoError(t, err)
	assert.Same(t, store, again)

	id, err := store.RegisterClient(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	blobs, err := a.Blobs(ctx)
	require.NoError(t, err)
	assert.IsType(t, &storagememory.BlobStore{}, blobs)

	pub, err := a.Publisher(ctx)
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestLocalBlobs(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.BaseDir = filepath.Join(t.TempDir(), "results")
	a := app.New(cfg, nil)

	blobs, err := a.Blobs(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &local.BlobStore{}, blobs)

	uri, err := blobs.PutObject(context.Background(), "EPA/x.json", "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	assert.Contains(t, uri, "EPA/x.json")
}

func TestUnknownBackends(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Storage.Backend = "s3"
	a := app.New(cfg, nil)

	_, err := a.Queue(context.Background())
	require.ErrorContains(t, err, "unknown queue backend")
	_, err = a.Blobs(context.Background())
	require.ErrorContains(t, err, "unknown storage backend")
}

func TestExecutorUsesConfiguredAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	a := app.New(baseConfig(t), nil)
	exec := a.Executor()
	assert.Same(t, exec, a.Executor())

	_, err := exec.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkServerExecutorIsNotThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := baseConfig(t)
	cfg.API.RatePerHour = 1
	a := app.New(cfg, nil)
	require.NotSame(t, a.Executor(), a.WorkServerExecutor())
	assert.Same(t, a.WorkServerExecutor(), a.WorkServerExecutor())

	for range 5 {
		resp, err := a.WorkServerExecutor().Get(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	_, err := a.Executor().Get(context.Background(), srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = a.Executor().Get(ctx, srv.URL)
	require.Error(t, err, "second upstream call must wait for the hourly budget")
}

func TestServeMetricsDisabledWithoutAddr(t *testing.T) {
	a := app.New(baseConfig(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.ServeMetrics(ctx)
	require.NoError(t, a.Close())
}

var _ harvest.Sleeper = app.New(config.Config{}, nil).Clock()
