package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"murmur/internal/model"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrDuplicate     = errors.New("job already exists")
	ErrTerminal      = errors.New("job is in a terminal state")
	ErrNotProcessing = errors.New("job is not processing")
)

// progressPersistStep is the minimum progress advance that is written
// through to the persister; smaller steps only update memory.
const progressPersistStep = 0.05

// Persister mirrors job records outside the process so that Recover can
// rebuild the store after a crash. Implementations must store
// CancelRequested along with the wire fields.
type Persister interface {
	Save(ctx context.Context, job model.Job) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]model.Job, error)
}

// ListFilter narrows List results. A zero filter matches every job.
type ListFilter struct {
	Status model.Status
}

// Store is the authoritative record of job state. Reads return deep copies
// taken under a read lock, so callers never observe a half-applied update.
// Every mutation is queued for the Persister in mutation order and written
// behind by one goroutine; the lock is never held across a backend call.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*model.Job
	persisted map[string]float64

	persister      Persister
	persistTimeout time.Duration
	writes         *writeBehind
	logger         *slog.Logger
	now            func() time.Time
}

type StoreOption func(*Store)

// WithPersister mirrors records into p.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		if p != nil {
			s.persister = p
		}
	}
}

// WithPersistTimeout bounds each persister call. Defaults to five seconds.
func WithPersistTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		jobs:      make(map[string]*model.Job),
		persisted: make(map[string]float64),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	if s.persister != nil {
		s.writes = newWriteBehind(s.persister, s.persistTimeout, logger)
	}
	return s
}

// Flush waits until every mutation made before the call has been handed to
// the persister.
func (s *Store) Flush(ctx context.Context) error {
	if s.writes == nil {
		return nil
	}
	return s.writes.flush(ctx)
}

// Close drains pending persister writes and stops the writer. Mutations
// after Close only change memory.
func (s *Store) Close(ctx context.Context) error {
	if s.writes == nil {
		return nil
	}
	return s.writes.close(ctx)
}

// Create inserts a new queued job.
func (s *Store) Create(ctx context.Context, job model.Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	if job.Status != model.StatusQueued {
		return fmt.Errorf("create job: status must be %s, got %s", model.StatusQueued, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	stored := job.Clone()
	stored.Progress = 0
	stored.StartedAt = nil
	stored.CompletedAt = nil
	stored.Result = nil
	stored.Error = nil
	s.jobs[job.ID] = &stored
	s.persistLocked(stored)
	return nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns snapshots matching filter ordered by creation time.
func (s *Store) List(filter ListFilter) []model.Job {
	s.mu.RLock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sortByCreation(out)
	return out
}

// Count returns the number of jobs per status.
func (s *Store) Count() map[model.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.Status]int)
	for _, job := range s.jobs {
		out[job.Status]++
	}
	return out
}

// UpdateStatus applies a plain status transition. Completion and failure
// carry payloads and go through UpdateResult and UpdateError instead.
func (s *Store) UpdateStatus(ctx context.Context, id string, to model.Status) (model.Job, error) {
	if to == model.StatusCompleted || to == model.StatusFailed {
		return model.Job{}, fmt.Errorf("%w: %s requires a result or error", ErrInvalidTransition, to)
	}
	return s.mutate(id, func(job *model.Job) error {
		if err := checkTransition(job.Status, to); err != nil {
			return err
		}
		now := s.now()
		job.Status = to
		switch to {
		case model.StatusProcessing:
			job.StartedAt = &now
			job.Progress = 0
		case model.StatusCancelled:
			job.CompletedAt = &now
			job.CancelRequested = false
		}
		return nil
	})
}

// UpdateProgress raises the progress of a processing job. Values that do not
// advance progress are ignored and reported with changed=false.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64) (model.Job, bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return model.Job{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != model.StatusProcessing {
		snap := job.Clone()
		s.mu.Unlock()
		return snap, false, fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, snap.Status)
	}
	if progress <= job.Progress {
		snap := job.Clone()
		s.mu.Unlock()
		return snap, false, nil
	}

	job.Progress = progress
	snap := job.Clone()
	if progress-s.persisted[id] >= progressPersistStep {
		s.persistLocked(snap)
		return snap, true, nil
	}
	s.mu.Unlock()
	return snap, true, nil
}

// UpdateResult completes a processing job.
func (s *Store) UpdateResult(ctx context.Context, id string, result model.Result) (model.Job, error) {
	return s.mutate(id, func(job *model.Job) error {
		if err := checkTransition(job.Status, model.StatusCompleted); err != nil {
			return err
		}
		now := s.now()
		r := result
		if r.Segments == nil {
			r.Segments = []model.Segment{}
		}
		job.Status = model.StatusCompleted
		job.Progress = 1
		job.Result = &r
		job.Error = nil
		job.CompletedAt = &now
		job.CancelRequested = false
		return nil
	})
}

// UpdateError fails a processing job.
func (s *Store) UpdateError(ctx context.Context, id string, jobErr *model.Error) (model.Job, error) {
	if jobErr == nil {
		jobErr = model.Internal(errors.New("job failed without an error"))
	}
	return s.mutate(id, func(job *model.Job) error {
		if err := checkTransition(job.Status, model.StatusFailed); err != nil {
			return err
		}
		now := s.now()
		job.Status = model.StatusFailed
		job.Error = &model.Error{Kind: jobErr.Kind, Message: jobErr.Message}
		job.Result = nil
		job.CompletedAt = &now
		job.CancelRequested = false
		return nil
	})
}

// AddAttempt counts one stage invocation against the job.
func (s *Store) AddAttempt(ctx context.Context, id string) (model.Job, error) {
	return s.mutate(id, func(job *model.Job) error {
		if job.Status != model.StatusProcessing {
			return fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, job.Status)
		}
		job.Attempts++
		return nil
	})
}

// RequestCancel cancels a queued job outright and flags a processing job
// for the dispatcher to stop at its next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id string) (model.Job, error) {
	return s.mutate(id, func(job *model.Job) error {
		switch job.Status {
		case model.StatusQueued:
			now := s.now()
			job.Status = model.StatusCancelled
			job.CompletedAt = &now
			return nil
		case model.StatusProcessing:
			job.CancelRequested = true
			return nil
		default:
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, job.Status)
		}
	})
}

// CancelRequested reports whether a cancel is pending for a processing job.
func (s *Store) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return ok && job.CancelRequested
}

// Delete evicts a job record. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	delete(s.persisted, id)
	if s.writes != nil {
		s.writes.remove(id)
	}
	s.mu.Unlock()
	return nil
}

// Recover loads persisted records into the store. Jobs that were
// processing when the previous process stopped are requeued, unless a
// cancel had been requested, in which case they are cancelled. The ids of
// queued jobs are returned oldest first so the caller can re-enqueue them.
func (s *Store) Recover(ctx context.Context) ([]string, error) {
	if s.persister == nil {
		return nil, nil
	}
	loaded, err := s.persister.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted jobs: %w", err)
	}
	sortByCreation(loaded)

	var queued []string
	for _, job := range loaded {
		if !job.Status.Valid() || job.ID == "" {
			s.logger.Warn("job_recover_skipped", "job_id", job.ID, "status", job.Status)
			continue
		}
		changed := false
		if job.Status == model.StatusProcessing {
			if job.CancelRequested {
				now := s.now()
				job.Status = model.StatusCancelled
				job.CompletedAt = &now
			} else {
				job.Status = model.StatusQueued
				job.StartedAt = nil
			}
			job.Progress = 0
			job.CancelRequested = false
			changed = true
		}

		s.mu.Lock()
		if _, exists := s.jobs[job.ID]; exists {
			s.mu.Unlock()
			continue
		}
		stored := job.Clone()
		s.jobs[job.ID] = &stored
		s.persisted[job.ID] = stored.Progress
		if changed {
			s.persistLocked(stored)
		} else {
			s.mu.Unlock()
		}

		if stored.Status == model.StatusQueued {
			queued = append(queued, stored.ID)
		}
	}
	return queued, nil
}

// mutate applies fn to the job under the write lock and persists the result.
func (s *Store) mutate(id string, fn func(job *model.Job) error) (model.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := job.Clone()
	if err := fn(&next); err != nil {
		snap := job.Clone()
		s.mu.Unlock()
		return snap, err
	}
	*job = next
	snap := next.Clone()
	s.persistLocked(snap)
	return snap, nil
}

// persistLocked must be called with s.mu held and releases it. Queueing
// under the lock keeps persister writes in mutation order.
func (s *Store) persistLocked(snap model.Job) {
	s.persisted[snap.ID] = snap.Progress
	if s.writes != nil {
		s.writes.save(snap)
	}
	s.mu.Unlock()
}

func sortByCreation(jobs []model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
