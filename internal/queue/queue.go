// Package queue defines the durable job queue contract shared by the work server,
// discovery and the store implementations.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
)

// DefaultLease is how long a handed-out job may stay unreported before it is
// handed out again.
const DefaultLease = 30 * time.Minute

var (
	// ErrUnknownClient is returned for client IDs the queue never assigned.
	ErrUnknownClient = errors.New("unknown client")
	// ErrUnknownJob is returned for results referencing a job the queue does not hold.
	ErrUnknownJob = errors.New("unknown job")
)

// Store is the durable job queue.
//
// NextJob hands each job to exactly one requester per call. A job that is not
// reported within the lease is handed out again, so delivery is at least once.
// PutResult is idempotent on the job ID: a duplicate overwrites the earlier result.
// SetCheckpoint ignores writes that would move an endpoint's cursor backwards.
type Store interface {
	RegisterClient(ctx context.Context) (int64, error)
	AddJobs(ctx context.Context, specs []harvest.JobSpec) ([]harvest.Job, error)
	NextJob(ctx context.Context, clientID int64) (harvest.Poll, error)
	PutResult(ctx context.Context, result harvest.JobResult) error
	GetCheckpoint(ctx context.Context, endpoint harvest.Endpoint) (*time.Time, error)
	SetCheckpoint(ctx context.Context, endpoint harvest.Endpoint, at time.Time) error
}

// ValidateSpecs rejects a batch that contains an unusable descriptor. Stores call it
// before writing so a batch is accepted or refused as a whole.
func ValidateSpecs(specs []harvest.JobSpec) error {
	for i, spec := range specs {
		if spec.URL == "" {
			return fmt.Errorf("job spec %d: url is required", i)
		}
		if spec.Type != harvest.JobTypeStandard && spec.Type != harvest.JobTypeAttachment {
			return fmt.Errorf("job spec %d: %w: %d", i, harvest.ErrUnknownJobType, spec.Type)
		}
	}
	return nil
}
