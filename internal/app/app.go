// Package app initializes and holds long-lived services for the harvester commands,
// acting as a dependency injection container built once from config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ShaneHoughton/capstone2022/internal/clock/system"
	"github.com/ShaneHoughton/capstone2022/internal/config"
	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/id/uuid"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
	"github.com/ShaneHoughton/capstone2022/internal/notify/pubsub"
	"github.com/ShaneHoughton/capstone2022/internal/queue"
	queuememory "github.com/ShaneHoughton/capstone2022/internal/queue/memory"
	queuepostgres "github.com/ShaneHoughton/capstone2022/internal/queue/postgres"
	"github.com/ShaneHoughton/capstone2022/internal/request"
	"github.com/ShaneHoughton/capstone2022/internal/storage/gcs"
	"github.com/ShaneHoughton/capstone2022/internal/storage/local"
	storagememory "github.com/ShaneHoughton/capstone2022/internal/storage/memory"
	"github.com/ShaneHoughton/capstone2022/internal/telemetry"
)

// metricsShutdownTimeout bounds the metrics server drain and span flush on Close.
const metricsShutdownTimeout = 5 * time.Second

// App holds the shared services of one command invocation.
// Services are opened on first use and released by Close in reverse order.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	exec      *request.Executor
	workExec  *request.Executor
	store     queue.Store
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	closers   []func() error
}

// New creates an App. No connection is opened until a service is requested.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, clock: system.New()}
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Clock returns the wall clock, which also serves as the sleeper.
func (a *App) Clock() *system.Clock {
	return a.clock
}

// StartTracing installs the process trace provider. Spans are flushed on Close.
func (a *App) StartTracing(ctx context.Context, service string) error {
	opts, err := telemetry.Options(a.cfg.Tracing.ProjectID, a.cfg.Tracing.SampleRatio)
	if err != nil {
		return err
	}
	tp, err := telemetry.InitTracerProvider(ctx, service, opts...)
	if err != nil {
		return err
	}
	a.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown tracer provider: %w", err)
		}
		return nil
	})
	return nil
}

// Executor returns the executor for regulations.gov calls. It carries the
// api.rate_per_hour throttle.
func (a *App) Executor() *request.Executor {
	if a.exec == nil {
		a.exec = a.newExecutor(Limiter(a.cfg.API.RatePerHour), "request")
	}
	return a.exec
}

// WorkServerExecutor returns the executor for work server calls. It retries like
// Executor but is not throttled, so polling does not spend the upstream budget.
func (a *App) WorkServerExecutor() *request.Executor {
	if a.workExec == nil {
		a.workExec = a.newExecutor(nil, "workserver_request")
	}
	return a.workExec
}

func (a *App) newExecutor(limiter *rate.Limiter, name string) *request.Executor {
	api := a.cfg.API
	return request.New(
		&http.Client{Timeout: api.Timeout},
		a.clock,
		request.Config{
			Backoff:     api.Backoff,
			MaxAttempts: api.MaxAttempts,
			Limiter:     limiter,
		},
		a.logger.Named(name),
	)
}

// Limiter converts an hourly request budget into a token bucket. Zero disables throttling.
func Limiter(perHour float64) *rate.Limiter {
	if perHour <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perHour/3600), 1)
}

// Queue opens the configured queue store.
func (a *App) Queue(ctx context.Context) (queue.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	ids := uuid.New()
	switch a.cfg.Queue.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory queue; jobs are lost on restart")
		a.store = queuememory.New(a.clock, ids, a.cfg.Queue.Lease)
	case config.BackendPostgres:
		db := a.cfg.DB
		store, err := queuepostgres.New(ctx, queuepostgres.Config{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			Lease:           a.cfg.Queue.Lease,
		}, a.clock, ids, a.logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("open postgres queue: %w", err)
		}
		a.onClose(func() error {
			store.Close()
			return nil
		})
		if db.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		a.logger.Info("connected to postgres queue")
		a.store = store
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", a.cfg.Queue.Backend)
	}
	return a.store, nil
}

// Blobs opens the configured result store.
func (a *App) Blobs(ctx context.Context) (harvest.BlobStore, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	st := a.cfg.Storage
	switch st.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory result store; results are discarded on exit")
		a.blobs = storagememory.NewBlobStore()
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: st.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local result store: %w", err)
		}
		a.logger.Info("using local result store", zap.String("base_dir", st.BaseDir))
		a.blobs = store
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: st.GCSBucket, Prefix: st.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs result store: %w", err)
		}
		a.onClose(store.Close)
		a.logger.Info("using gcs result store", zap.String("bucket", st.GCSBucket))
		a.blobs = store
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", st.Backend)
	}
	return a.blobs, nil
}

// Publisher opens the Pub/Sub publisher. It returns nil when no topic is configured.
func (a *App) Publisher(ctx context.Context) (harvest.Publisher, error) {
	if a.publisher != nil || a.cfg.PubSub.TopicName == "" {
		return a.publisher, nil
	}
	pub, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, err
	}
	a.onClose(pub.Close)
	a.logger.Info("publishing result notices", zap.String("topic", a.cfg.PubSub.TopicName))
	a.publisher = pub
	return a.publisher, nil
}

// ServeMetrics exposes /metrics on metrics.addr until ctx ends or Close is called.
// It is a no-op when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	stop := context.AfterFunc(ctx, func() { a.shutdown(srv) })
	a.onClose(func() error {
		if stop() {
			a.shutdown(srv)
		}
		return nil
	})
}

func (a *App) shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every opened service.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
