// Package memory provides an in-process job queue for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/queue"
)

type lease struct {
	clientID int64
	since    time.Time
}

// Completion is what the store keeps of a reported job. Payloads and attachments
// live in the blob store, so only the outcome is retained here.
type Completion struct {
	JobID      string
	ClientID   int64
	Directory  string
	Failed     bool
	ReportedAt time.Time
}

// Store is a mutex-guarded queue.Store. Pending jobs are handed out in the order
// they were added; expired leases are handed out before pending jobs.
type Store struct {
	mu          sync.Mutex
	clock       harvest.Clock
	ids         harvest.IDGenerator
	lease       time.Duration
	lastClient  int64
	clients     map[int64]struct{}
	jobs        map[string]harvest.Job
	pending     []string
	leased      map[string]lease
	done        map[string]Completion
	checkpoints map[harvest.Endpoint]time.Time
}

// New constructs a Store. A non-positive lease selects queue.DefaultLease.
func New(clock harvest.Clock, ids harvest.IDGenerator, leaseFor time.Duration) *Store {
	if leaseFor <= 0 {
		leaseFor = queue.DefaultLease
	}
	return &Store{
		clock:       clock,
		ids:         ids,
		lease:       leaseFor,
		clients:     make(map[int64]struct{}),
		jobs:        make(map[string]harvest.Job),
		leased:      make(map[string]lease),
		done:        make(map[string]Completion),
		checkpoints: make(map[harvest.Endpoint]time.Time),
	}
}

// RegisterClient assigns the next client ID.
func (s *Store) RegisterClient(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClient++
	s.clients[s.lastClient] = struct{}{}
	return s.lastClient, nil
}

// AddJobs assigns IDs and appends the jobs. Nothing is added when any spec is
// invalid or an ID cannot be generated.
func (s *Store) AddJobs(_ context.Context, specs []harvest.JobSpec) ([]harvest.Job, error) {
	if err := queue.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	jobs := make([]harvest.Job, 0, len(specs))
	for _, spec := range specs {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("assign job id: %w", err)
		}
		jobs = append(jobs, harvest.Job{ID: id, URL: spec.URL, Type: spec.Type})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if s.known(job.ID) {
			return nil, fmt.Errorf("job id %s already assigned", job.ID)
		}
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
		s.pending = append(s.pending, job.ID)
	}
	return jobs, nil
}

// NextJob leases one job to clientID.
func (s *Store) NextJob(_ context.Context, clientID int64) (harvest.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return harvest.Poll{}, fmt.Errorf("%w: %d", queue.ErrUnknownClient, clientID)
	}
	now := s.clock.Now()

	id, ok := s.expiredLease(now)
	if !ok {
		if len(s.pending) == 0 {
			return harvest.NoJobAvailable(), nil
		}
		id = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.leased[id] = lease{clientID: clientID, since: now}
	return harvest.JobPoll(s.jobs[id]), nil
}

// expiredLease returns the job whose lease expired first.
func (s *Store) expiredLease(now time.Time) (string, bool) {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, l := range s.leased {
		if now.Sub(l.since) < s.lease {
			continue
		}
		if oldestID == "" || l.since.Before(oldest) || (l.since.Equal(oldest) && id < oldestID) {
			oldestID, oldest = id, l.since
		}
	}
	return oldestID, oldestID != ""
}

// PutResult records the outcome and retires the job. Repeated results for the same
// job overwrite the earlier one.
func (s *Store) PutResult(_ context.Context, result harvest.JobResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known(result.JobID) {
		return fmt.Errorf("%w: %s", queue.ErrUnknownJob, result.JobID)
	}
	delete(s.jobs, result.JobID)
	delete(s.leased, result.JobID)
	for i, id := range s.pending {
		if id == result.JobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.done[result.JobID] = Completion{
		JobID:      result.JobID,
		ClientID:   result.ClientID,
		Directory:  result.Directory,
		Failed:     harvest.PayloadHasError(result.Payload),
		ReportedAt: s.clock.Now(),
	}
	return nil
}

func (s *Store) known(jobID string) bool {
	if _, ok := s.jobs[jobID]; ok {
		return true
	}
	_, ok := s.done[jobID]
	return ok
}

// Result returns the recorded outcome of a job.
func (s *Store) Result(jobID string) (Completion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.done[jobID]
	return c, ok
}

// Pending reports how many jobs wait to be handed out for the first time.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// GetCheckpoint returns the cursor of endpoint, or nil when none was stored.
func (s *Store) GetCheckpoint(_ context.Context, endpoint harvest.Endpoint) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.checkpoints[endpoint]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

// SetCheckpoint stores the cursor unless it would move backwards.
func (s *Store) SetCheckpoint(_ context.Context, endpoint harvest.Endpoint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.checkpoints[endpoint]; ok && at.Before(current) {
		return nil
	}
	s.checkpoints[endpoint] = at.UTC()
	return nil
}

var _ queue.Store = (*Store)(nil)
