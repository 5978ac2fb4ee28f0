// Package postgres implements the job queue on Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/queue"
)

// Schema creates the queue tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_clients (
	id            BIGSERIAL PRIMARY KEY,
	registered_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_jobs (
	id         UUID PRIMARY KEY,
	url        TEXT NOT NULL,
	job_type   TEXT NOT NULL,
	endpoint   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	leased_by  BIGINT REFERENCES queue_clients (id),
	leased_at  TIMESTAMPTZ,
	done       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS queue_jobs_open_idx ON queue_jobs (created_at) WHERE NOT done;
CREATE TABLE IF NOT EXISTS queue_results (
	job_id      UUID PRIMARY KEY REFERENCES queue_jobs (id),
	client_id   BIGINT NOT NULL,
	payload     JSONB NOT NULL,
	directory   TEXT NOT NULL DEFAULT '',
	reported_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_checkpoints (
	endpoint TEXT PRIMARY KEY,
	cursor   TIMESTAMPTZ NOT NULL
);`

const (
	registerClientSQL = `INSERT INTO queue_clients (registered_at) VALUES ($1) RETURNING id`
	insertJobSQL      = `INSERT INTO queue_jobs (id, url, job_type, endpoint, created_at) VALUES ($1, $2, $3, $4, $5)`
	clientExistsSQL   = `SELECT EXISTS (SELECT 1 FROM queue_clients WHERE id = $1)`
	leaseJobSQL       = `
UPDATE queue_jobs SET leased_by = $1, leased_at = $2
WHERE id = (
	SELECT id FROM queue_jobs
	WHERE NOT done AND (leased_at IS NULL OR leased_at <= $3)
	ORDER BY leased_at IS NULL, leased_at, created_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id::text, url, job_type`
	completeJobSQL = `UPDATE queue_jobs SET done = TRUE, leased_by = NULL, leased_at = NULL WHERE id = $1`
	upsertResultSQL = `
INSERT INTO queue_results (job_id, client_id, payload, directory, reported_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO UPDATE SET
	client_id = EXCLUDED.client_id,
	payload = EXCLUDED.payload,
	directory = EXCLUDED.directory,
	reported_at = EXCLUDED.reported_at`
	getCheckpointSQL = `SELECT cursor FROM queue_checkpoints WHERE endpoint = $1`
	setCheckpointSQL = `
INSERT INTO queue_checkpoints (endpoint, cursor) VALUES ($1, $2)
ON CONFLICT (endpoint) DO UPDATE SET cursor = GREATEST(queue_checkpoints.cursor, EXCLUDED.cursor)`
)

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Lease           time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is a queue.Store backed by Postgres. Concurrent NextJob calls from many
// work server replicas never share a job because the lease query skips locked rows.
type Store struct {
	pool   pool
	clock  harvest.Clock
	ids    harvest.IDGenerator
	lease  time.Duration
	logger *zap.Logger
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock harvest.Clock, ids harvest.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock, ids, cfg.Lease, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock harvest.Clock, ids harvest.IDGenerator, leaseFor time.Duration, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if leaseFor <= 0 {
		leaseFor = queue.DefaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, clock: clock, ids: ids, lease: leaseFor, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the queue tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	return nil
}

// RegisterClient inserts a client row and returns its serial ID.
func (s *Store) RegisterClient(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, registerClientSQL, s.clock.Now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("register client: %w", err)
	}
	return id, nil
}

// AddJobs inserts the jobs in one transaction.
func (s *Store) AddJobs(ctx context.Context, specs []harvest.JobSpec) ([]harvest.Job, error) {
	if err := queue.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, nil
	}
	jobs := make([]harvest.Job, 0, len(specs))
	for _, spec := range specs {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("assign job id: %w", err)
		}
		jobs = append(jobs, harvest.Job{ID: id, URL: spec.URL, Type: spec.Type})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin add jobs: %w", err)
	}
	now := s.clock.Now()
	for i, job := range jobs {
		if _, err := tx.Exec(ctx, insertJobSQL, job.ID, job.URL, job.Type.String(), string(specs[i].Endpoint), now); err != nil {
			return nil, s.rollback(ctx, tx, fmt.Errorf("insert job %s: %w", job.ID, err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit add jobs: %w", err)
	}
	return jobs, nil
}

// NextJob leases the oldest expired or unleased job to clientID.
func (s *Store) NextJob(ctx context.Context, clientID int64) (harvest.Poll, error) {
	var known bool
	if err := s.pool.QueryRow(ctx, clientExistsSQL, clientID).Scan(&known); err != nil {
		return harvest.Poll{}, fmt.Errorf("look up client %d: %w", clientID, err)
	}
	if !known {
		return harvest.Poll{}, fmt.Errorf("%w: %d", queue.ErrUnknownClient, clientID)
	}

	now := s.clock.Now()
	var (
		job      harvest.Job
		wireType string
	)
	err := s.pool.QueryRow(ctx, leaseJobSQL, clientID, now, now.Add(-s.lease)).Scan(&job.ID, &job.URL, &wireType)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.NoJobAvailable(), nil
	}
	if err != nil {
		return harvest.Poll{}, fmt.Errorf("lease job: %w", err)
	}
	if job.Type, err = harvest.ParseJobType(wireType); err != nil {
		return harvest.Poll{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return harvest.JobPoll(job), nil
}

// PutResult marks the job done and upserts its result.
func (s *Store) PutResult(ctx context.Context, result harvest.JobResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put result: %w", err)
	}
	tag, err := tx.Exec(ctx, completeJobSQL, result.JobID)
	if err != nil {
		return s.rollback(ctx, tx, fmt.Errorf("complete job %s: %w", result.JobID, err))
	}
	if tag.RowsAffected() == 0 {
		return s.rollback(ctx, tx, fmt.Errorf("%w: %s", queue.ErrUnknownJob, result.JobID))
	}
	if _, err := tx.Exec(ctx, upsertResultSQL,
		result.JobID,
		result.ClientID,
		[]byte(result.Payload),
		result.Directory,
		s.clock.Now(),
	); err != nil {
		return s.rollback(ctx, tx, fmt.Errorf("store result %s: %w", result.JobID, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put result: %w", err)
	}
	return nil
}

// GetCheckpoint returns the stored cursor of endpoint, or nil when none exists.
func (s *Store) GetCheckpoint(ctx context.Context, endpoint harvest.Endpoint) (*time.Time, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx, getCheckpointSQL, string(endpoint)).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s checkpoint: %w", endpoint, err)
	}
	at = at.UTC()
	return &at, nil
}

// SetCheckpoint upserts the cursor, keeping the later of the stored and new value.
func (s *Store) SetCheckpoint(ctx context.Context, endpoint harvest.Endpoint, at time.Time) error {
	if _, err := s.pool.Exec(ctx, setCheckpointSQL, string(endpoint), at.UTC()); err != nil {
		return fmt.Errorf("write %s checkpoint: %w", endpoint, err)
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		s.logger.Warn("rollback failed", zap.Error(err))
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

var _ queue.Store = (*Store)(nil)
