// Package memory provides process-lifetime storage backends.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puretext/puretext/internal/check"
)

// JobStore keeps jobs in a mutex-guarded map. It owns every transition:
// callers never touch the container, and illegal status moves or progress
// regressions are rejected here rather than trusted to the pipeline.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]check.Job
	clock check.Clock
}

// NewJobStore creates an empty store.
func NewJobStore(clock check.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]check.Job),
		clock: clock,
	}
}

// Create inserts a new job in created status.
func (s *JobStore) Create(_ context.Context, job check.Job) error {
	if job.Status != check.StatusCreated {
		return fmt.Errorf("new job must be %q, got %q: %w",
			check.StatusCreated, job.Status, check.ErrIllegalTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := s.clock.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(_ context.Context, jobID string) (check.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return check.Job{}, check.ErrNotFound
	}
	return copyJob(job), nil
}

// Advance moves the job along the status graph. Progress may only reset
// when an analyzed job restarts into processing, which begins a new run.
func (s *JobStore) Advance(_ context.Context, jobID string, status check.Status, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return check.ErrNotFound
	}
	sameRun := job.Status == status && !job.Status.IsTerminal()
	if !check.CanTransition(job.Status, status) && !sameRun {
		return fmt.Errorf("%s -> %s: %w", job.Status, status, check.ErrIllegalTransition)
	}
	restart := job.Status == check.StatusAnalyzed && status == check.StatusProcessing
	if progress < job.Progress && !restart {
		return fmt.Errorf("progress %d -> %d: %w", job.Progress, progress, check.ErrIllegalTransition)
	}
	job.Status = status
	job.Progress = progress
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// AttachPhrases records the extracted search phrases.
func (s *JobStore) AttachPhrases(_ context.Context, jobID string, phrases []string) error {
	return s.update(jobID, func(job *check.Job) {
		job.Phrases = append([]string(nil), phrases...)
	})
}

// AttachSources records the acquired sources, replacing earlier ones.
func (s *JobStore) AttachSources(_ context.Context, jobID string, sources []check.Source) error {
	return s.update(jobID, func(job *check.Job) {
		job.Sources = append([]check.Source(nil), sources...)
	})
}

// SetArchiveURI records where the evidence bundle was written.
func (s *JobStore) SetArchiveURI(_ context.Context, jobID string, uri string) error {
	return s.update(jobID, func(job *check.Job) {
		job.ArchiveURI = uri
	})
}

// Complete stores the result and finishes the job.
func (s *JobStore) Complete(_ context.Context, jobID string, result check.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return check.ErrNotFound
	}
	if !check.CanTransition(job.Status, check.StatusCompleted) {
		return fmt.Errorf("%s -> %s: %w", job.Status, check.StatusCompleted, check.ErrIllegalTransition)
	}
	job.Status = check.StatusCompleted
	job.Progress = 100
	job.Result = &result
	job.ErrorText = ""
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// Fail finishes the job with an error message.
func (s *JobStore) Fail(_ context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return check.ErrNotFound
	}
	if !check.CanTransition(job.Status, check.StatusFailed) {
		return fmt.Errorf("%s -> %s: %w", job.Status, check.StatusFailed, check.ErrIllegalTransition)
	}
	job.Status = check.StatusFailed
	job.Result = nil
	job.ErrorText = reason
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// Sweep removes terminal jobs untouched for longer than maxAge.
func (s *JobStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *JobStore) update(jobID string, mutate func(*check.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return check.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, check.ErrIllegalTransition)
	}
	mutate(&job)
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// copyJob detaches the slices and result so callers cannot mutate stored
// state through the returned value.
func copyJob(job check.Job) check.Job {
	out := job
	out.Phrases = append([]string(nil), job.Phrases...)
	out.Sources = append([]check.Source(nil), job.Sources...)
	if job.Result != nil {
		result := *job.Result
		result.Matches = append([]check.Match(nil), job.Result.Matches...)
		out.Result = &result
	}
	return out
}
