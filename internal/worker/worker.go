// Package worker implements the worker client lifecycle: acquire an identity, poll
// the work server, execute standard and attachment jobs, and report results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/identity"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
	"github.com/ShaneHoughton/capstone2022/internal/request"
	"github.com/ShaneHoughton/capstone2022/internal/storagepath"
)

// DefaultIdleInterval throttles polling against the work server.
const DefaultIdleInterval = 3600 * time.Millisecond

// Queue is the work server as seen by a worker.
type Queue interface {
	identity.Registrar
	GetJob(ctx context.Context, clientID int64) (harvest.Poll, error)
	PutResults(ctx context.Context, result harvest.JobResult) error
}

// Fetcher retrieves upstream resources. *request.Executor satisfies it.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*request.Response, error)
}

// Config controls Worker behavior.
type Config struct {
	APIKey       string
	IdleInterval time.Duration
}

// Outcome summarizes one loop iteration.
type Outcome int

// Loop iteration outcomes.
const (
	OutcomeNoJob Outcome = iota
	OutcomeReported
	OutcomeFailed
)

// Worker executes jobs handed out by the work server, one at a time.
type Worker struct {
	queue    Queue
	fetcher  Fetcher
	sleeper  harvest.Sleeper
	ids      *identity.FileStore
	cfg      Config
	logger   *zap.Logger
	state    State
	clientID int64
}

// New constructs a Worker. The identity is acquired by Start.
func New(
	queue Queue,
	fetcher Fetcher,
	sleeper harvest.Sleeper,
	ids *identity.FileStore,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ids == nil {
		ids = identity.NewFileStore("")
	}
	return &Worker{
		queue:   queue,
		fetcher: fetcher,
		sleeper: sleeper,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
		state:   StateUnregistered,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

// ClientID returns the identity acquired by Start.
func (w *Worker) ClientID() int64 {
	return w.clientID
}

// Start loads the persisted identity or registers a new one.
func (w *Worker) Start(ctx context.Context) error {
	if w.state != StateUnregistered {
		return nil
	}
	id, err := identity.Ensure(ctx, w.ids, w.queue, w.logger)
	if err != nil {
		w.state = StateTerminated
		return fmt.Errorf("acquire identity: %w", err)
	}
	w.clientID = id
	w.logger = w.logger.With(zap.Int64("client_id", id))
	w.state = StateIdle
	return nil
}

// Run starts the worker and loops until ctx ends. Only identity failures are returned.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	w.logger.Info("worker started", zap.Duration("idle_interval", w.cfg.IdleInterval))
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("job iteration failed", zap.Error(err))
		}
		if err := w.sleeper.Sleep(ctx, w.cfg.IdleInterval); err != nil || ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
	}
}

// RunOnce requests one job and, when there is one, executes and reports it.
// It never sleeps; Run adds the idle interval.
func (w *Worker) RunOnce(ctx context.Context) (outcome Outcome, err error) {
	if w.state == StateUnregistered || w.state == StateTerminated {
		return OutcomeFailed, fmt.Errorf("worker is %s", w.state)
	}
	defer func() {
		w.state = StateIdle
		if r := recover(); r != nil {
			metrics.ObserveJob("unknown", "panic")
			outcome, err = OutcomeFailed, fmt.Errorf("job execution panicked: %v", r)
		}
	}()

	w.state = StateJobRequested
	poll, err := w.queue.GetJob(ctx, w.clientID)
	if err != nil {
		metrics.ObservePoll("error")
		return OutcomeFailed, fmt.Errorf("request job: %w", err)
	}
	job, ok := poll.Job()
	if !ok {
		metrics.ObservePoll("empty")
		w.logger.Info("no jobs available")
		return OutcomeNoJob, nil
	}
	metrics.ObservePoll("job")

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type.String()))
	logger.Info("executing job", zap.String("url", job.URL))

	w.state = StateExecuting
	result := w.PerformJob(ctx, job)

	w.state = StateReporting
	err = w.queue.PutResults(ctx, result)
	var rejection *request.Rejection
	if errors.As(err, &rejection) && !harvest.PayloadHasError(result.Payload) {
		logger.Warn("result refused, reporting the refusal", zap.Error(err))
		result = refusedResult(result, err)
		err = w.queue.PutResults(ctx, result)
	}
	if err != nil {
		metrics.ObserveJob(job.Type.String(), "report_failed")
		return OutcomeFailed, fmt.Errorf("report job %s: %w", job.ID, err)
	}
	outcome = OutcomeReported
	status := "ok"
	if harvest.PayloadHasError(result.Payload) {
		status = "error"
	}
	metrics.ObserveJob(job.Type.String(), status)
	logger.Info("job reported", zap.String("status", status), zap.String("directory", result.Directory))
	return outcome, nil
}

// refusedResult replaces a result the work server will not accept with an error
// payload, so the job is still retired.
func refusedResult(result harvest.JobResult, cause error) harvest.JobResult {
	return harvest.JobResult{
		JobID:    result.JobID,
		ClientID: result.ClientID,
		Payload:  harvest.ErrorPayload(fmt.Errorf("result refused by work server: %w", cause)),
	}
}

// PerformJob executes a job and builds the result to submit. Failures end up in
// the payload as {"error": ...}.
func (w *Worker) PerformJob(ctx context.Context, job harvest.Job) harvest.JobResult {
	result := harvest.JobResult{JobID: job.ID, ClientID: w.clientID}

	if job.Type == harvest.JobTypeAttachment {
		attachments, links, err := w.PerformAttachmentJob(ctx, job.URL)
		if err != nil {
			w.logger.Warn("attachment job failed", zap.String("job_id", job.ID), zap.Error(err))
			result.Payload = harvest.ErrorPayload(err)
			return result
		}
		result.Payload = attachmentSummary(links)
		result.Attachments = attachments
		return result
	}

	payload := w.PerformStandardJob(ctx, job.URL)
	result.Payload = payload
	if harvest.PayloadHasError(payload) {
		return result
	}
	directory, err := storagepath.Derive(payload)
	if err != nil {
		w.logger.Warn("result has no storage path", zap.String("job_id", job.ID), zap.Error(err))
		result.Payload = harvest.ErrorPayload(fmt.Errorf("derive storage path: %w", err))
		return result
	}
	result.Directory = directory
	return result
}

// PerformStandardJob fetches url with the API key and returns the JSON body, or
// an error payload.
func (w *Worker) PerformStandardJob(ctx context.Context, rawURL string) json.RawMessage {
	body, err := w.fetchRecord(ctx, rawURL)
	if err != nil {
		var rejection *request.Rejection
		if errors.As(err, &rejection) {
			return rejection.Payload
		}
		return harvest.ErrorPayload(err)
	}
	return body
}

func (w *Worker) fetchRecord(ctx context.Context, rawURL string) (json.RawMessage, error) {
	target, err := withAPIKey(rawURL, w.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	resp, err := w.fetcher.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.Rejection != nil {
		return nil, resp.Rejection
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("fetch %s: response is not JSON (status %d)", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func withAPIKey(rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse job url %q: %w", rawURL, err)
	}
	if key == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set("api_key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
