// Package scheduler re-runs discovery passes on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
)

// DefaultSchedule matches the six-hourly cadence of the upstream's bulk updates.
const DefaultSchedule = "@every 6h"

// ErrPassRunning is returned by TryRun while another pass is in progress.
var ErrPassRunning = errors.New("a pass is already running")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Pass is one unit of scheduled work.
type Pass func(ctx context.Context) error

// Clock is the time source the runner needs.
type Clock interface {
	harvest.Clock
	harvest.Sleeper
}

// Runner calls a Pass at every activation of a schedule. At most one pass runs at a time.
type Runner struct {
	schedule cron.Schedule
	spec     string
	pass     Pass
	clock    Clock
	logger   *zap.Logger
	running  atomic.Bool
}

// Validate reports whether spec is a usable schedule ("@every 6h" or a five-field cron expression).
func Validate(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New parses spec and builds a Runner. An empty spec selects DefaultSchedule.
func New(spec string, pass Pass, clock Clock, logger *zap.Logger) (*Runner, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{schedule: schedule, spec: spec, pass: pass, clock: clock, logger: logger}, nil
}

// Next returns the activation following from.
func (r *Runner) Next(from time.Time) time.Time {
	return r.schedule.Next(from)
}

// TryRun executes one pass unless another is running.
func (r *Runner) TryRun(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrPassRunning
	}
	defer r.running.Store(false)

	start := r.clock.Now()
	err := r.pass(ctx)
	elapsed := r.clock.Now().Sub(start)
	if err != nil {
		r.logger.Error("scheduled pass failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	r.logger.Info("scheduled pass finished", zap.Duration("elapsed", elapsed))
	return nil
}

// Run executes a pass immediately when runNow is set, then at every activation
// until ctx ends. Pass failures are logged and do not stop the schedule.
func (r *Runner) Run(ctx context.Context, runNow bool) error {
	r.logger.Info("scheduler started", zap.String("schedule", r.spec), zap.Bool("run_now", runNow))
	if runNow {
		r.runLogged(ctx)
	}
	for {
		now := r.clock.Now()
		next := r.schedule.Next(now)
		r.logger.Debug("next pass scheduled", zap.Time("at", next))
		if err := r.clock.Sleep(ctx, next.Sub(now)); err != nil {
			r.logger.Info("scheduler stopped")
			return nil
		}
		if ctx.Err() != nil {
			r.logger.Info("scheduler stopped")
			return nil
		}
		r.runLogged(ctx)
	}
}

func (r *Runner) runLogged(ctx context.Context) {
	if err := r.TryRun(ctx); errors.Is(err, ErrPassRunning) {
		r.logger.Warn("skipping activation; previous pass still running")
	}
}
