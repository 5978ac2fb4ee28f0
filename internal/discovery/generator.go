// Package discovery walks the upstream listing endpoints, turns every listed item
// into a job and advances a per-endpoint checkpoint once a page is enqueued.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/metrics"
	"github.com/ShaneHoughton/capstone2022/internal/upstream"
)

// Queue is the part of the job queue discovery writes to.
type Queue interface {
	AddJobs(ctx context.Context, specs []harvest.JobSpec) ([]harvest.Job, error)
	GetCheckpoint(ctx context.Context, endpoint harvest.Endpoint) (*time.Time, error)
	SetCheckpoint(ctx context.Context, endpoint harvest.Endpoint, at time.Time) error
}

// Pager yields listing pages modified at or after a cursor.
type Pager interface {
	Pages(ctx context.Context, endpoint harvest.Endpoint, since *time.Time) iter.Seq2[upstream.Page, error]
	ResourceURL(endpoint harvest.Endpoint, item upstream.Item) string
}

// Stats summarizes one endpoint pass.
type Stats struct {
	Endpoint   harvest.Endpoint
	Pages      int
	EmptyPages int
	Jobs       int
	Checkpoint *time.Time
}

// Generator runs discovery passes. Only one pass per endpoint should run at a time.
type Generator struct {
	queue     Queue
	pager     Pager
	endpoints []harvest.Endpoint
	logger    *zap.Logger
}

// New constructs a Generator. An empty endpoint list means every tracked endpoint.
func New(queue Queue, pager Pager, endpoints []harvest.Endpoint, logger *zap.Logger) *Generator {
	if len(endpoints) == 0 {
		endpoints = harvest.Endpoints()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		queue:     queue,
		pager:     pager,
		endpoints: endpoints,
		logger:    logger,
	}
}

// Run downloads every endpoint in order. A failing endpoint does not stop the
// others; the failures are joined.
func (g *Generator) Run(ctx context.Context) ([]Stats, error) {
	var errs []error
	all := make([]Stats, 0, len(g.endpoints))
	for _, endpoint := range g.endpoints {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("discovery canceled: %w", err))
			break
		}
		stats, err := g.Download(ctx, endpoint)
		all = append(all, stats)
		if err != nil {
			g.logger.Error("endpoint discovery failed", zap.String("endpoint", string(endpoint)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		g.logger.Info("endpoint discovery finished",
			zap.String("endpoint", string(endpoint)),
			zap.Int("pages", stats.Pages),
			zap.Int("empty_pages", stats.EmptyPages),
			zap.Int("jobs", stats.Jobs),
		)
	}
	return all, errors.Join(errs...)
}

// Download enqueues the jobs of every page of endpoint newer than its checkpoint.
// The checkpoint moves only after the queue accepted the page's jobs; empty pages
// leave it untouched.
func (g *Generator) Download(ctx context.Context, endpoint harvest.Endpoint) (Stats, error) {
	stats := Stats{Endpoint: endpoint}
	cursor, err := g.queue.GetCheckpoint(ctx, endpoint)
	if err != nil {
		return stats, fmt.Errorf("read %s checkpoint: %w", endpoint, err)
	}
	stats.Checkpoint = cursor
	logger := g.logger.With(zap.String("endpoint", string(endpoint)))
	if cursor != nil {
		logger.Info("resuming discovery", zap.Time("cursor", *cursor))
	} else {
		logger.Info("starting discovery from the beginning")
	}

	for page, err := range g.pager.Pages(ctx, endpoint, cursor) {
		if err != nil {
			return stats, fmt.Errorf("discover %s: %w", endpoint, err)
		}
		stats.Pages++
		metrics.ObserveDiscoveryPage(string(endpoint), page.Empty())
		if page.Empty() {
			stats.EmptyPages++
			continue
		}

		last, err := page.LastModified()
		if err != nil {
			return stats, fmt.Errorf("discover %s page %d: %w", endpoint, page.Number, err)
		}
		specs := g.JobSpecs(endpoint, page)
		if _, err := g.queue.AddJobs(ctx, specs); err != nil {
			return stats, fmt.Errorf("enqueue %s page %d: %w", endpoint, page.Number, err)
		}
		stats.Jobs += len(specs)
		observeJobs(endpoint, specs)

		if stats.Checkpoint != nil && last.Before(*stats.Checkpoint) {
			logger.Warn("page ends before the stored checkpoint; keeping checkpoint",
				zap.Time("page_last_modified", last),
				zap.Time("checkpoint", *stats.Checkpoint),
			)
			continue
		}
		if err := g.queue.SetCheckpoint(ctx, endpoint, last); err != nil {
			return stats, fmt.Errorf("write %s checkpoint: %w", endpoint, err)
		}
		stats.Checkpoint = &last
		metrics.ObserveCheckpoint(string(endpoint), last)
		logger.Debug("checkpoint advanced", zap.Int("page", page.Number), zap.Time("cursor", last))
	}
	return stats, nil
}

// JobSpecs materializes one job per item. Items referencing attachment files
// become attachment jobs.
func (g *Generator) JobSpecs(endpoint harvest.Endpoint, page upstream.Page) []harvest.JobSpec {
	specs := make([]harvest.JobSpec, 0, len(page.Items))
	for _, item := range page.Items {
		jobType := harvest.JobTypeStandard
		if item.HasAttachments() {
			jobType = harvest.JobTypeAttachment
		}
		specs = append(specs, harvest.JobSpec{
			URL:      g.pager.ResourceURL(endpoint, item),
			Type:     jobType,
			Endpoint: endpoint,
		})
	}
	return specs
}

func observeJobs(endpoint harvest.Endpoint, specs []harvest.JobSpec) {
	counts := map[harvest.JobType]int{}
	for _, spec := range specs {
		counts[spec.Type]++
	}
	for jobType, n := range counts {
		metrics.ObserveDiscoveredJobs(string(endpoint), jobType.String(), n)
	}
}
