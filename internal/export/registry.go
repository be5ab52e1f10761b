package export

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProgressPublisher mirrors job snapshots to an external sink (e.g. Redis).
// Implementations must be non-blocking from the caller's point of view and
// must never fail a job.
type ProgressPublisher interface {
	Publish(job *Job)
}

// Registry is the process-local mapping from export identifier to job record.
// It is the single writer of job state: every transition goes through one of
// its methods under the lock, so the state machine cannot be violated by
// racing pipelines and HTTP handlers.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	order     []string // insertion order, for listing
	maxActive int
	publisher ProgressPublisher
}

// NewRegistry creates an empty registry. maxActive is the advertised soft cap
// on concurrently running jobs; it is not enforced (jobs past the cap are
// admitted immediately).
func NewRegistry(maxActive int) *Registry {
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Registry{
		jobs:      make(map[string]*Job),
		maxActive: maxActive,
	}
}

// SetPublisher attaches an optional progress mirror.
func (r *Registry) SetPublisher(p ProgressPublisher) {
	r.mu.Lock()
	r.publisher = p
	r.mu.Unlock()
}

// Create allocates a fresh identifier, inserts a pending record, and returns
// the identifier. Identifiers are UUIDv4 and never reused.
func (r *Registry) Create(spec Spec) string {
	id := uuid.New().String()
	job := &Job{
		ID:        id,
		Status:    StatusPending,
		Filters:   spec.Filters,
		Columns:   append([]string(nil), spec.Columns...),
		Delimiter: spec.Delimiter,
		QuoteChar: spec.QuoteChar,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.order = append(r.order, id)
	active := r.activeLocked()
	r.mu.Unlock()

	if active > r.maxActive {
		log.Printf("[Registry] %d active jobs exceeds soft cap of %d", active, r.maxActive)
	}
	return id
}

// Get returns a snapshot of the job, or ErrJobNotFound.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return snapshot(job), nil
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, snapshot(r.jobs[r.order[i]]))
	}
	return out
}

// ActiveCount returns the number of pending or processing jobs.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

// MaxActive returns the advertised concurrency soft cap.
func (r *Registry) MaxActive() int {
	return r.maxActive
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, j := range r.jobs {
		if !j.Terminal() {
			n++
		}
	}
	return n
}

// StartJob transitions pending -> processing and stamps StartedAt.
func (r *Registry) StartJob(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, job.Status)
	}
	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.StartedAt = &now
	r.publishLocked(job)
	return nil
}

// UpdateProgress updates the row counters. It is a no-op on terminal jobs so
// a racing pipeline cannot resurrect progress after cancellation. Counters
// never go backwards.
func (r *Registry) UpdateProgress(id string, processed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Terminal() {
		return
	}
	if total > job.Progress.TotalRows {
		job.Progress.TotalRows = total
	}
	if processed > job.Progress.ProcessedRows {
		job.Progress.ProcessedRows = processed
	}
	job.Progress.Percentage = percentage(job.Progress.ProcessedRows, job.Progress.TotalRows)
	r.publishLocked(job)
}

// CompleteJob transitions processing -> completed, records the artifact path,
// and forces progress to 100% (an empty result set stays at 0%).
func (r *Registry) CompleteJob(id, filePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, job.Status)
	}
	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.FilePath = filePath
	job.CompletedAt = &now
	job.Progress.ProcessedRows = job.Progress.TotalRows
	job.Progress.Percentage = percentage(job.Progress.ProcessedRows, job.Progress.TotalRows)
	r.publishLocked(job)
	return nil
}

// FailJob transitions any non-terminal state to failed and records the error
// message. Failing an already-terminal job is a no-op: the first terminal
// transition wins.
func (r *Registry) FailJob(id, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = StatusFailed
	job.Error = errorMessage
	job.CompletedAt = &now
	r.publishLocked(job)
	return nil
}

// CancelJob transitions pending|processing -> cancelled. Returns true when
// the transition happened. Running pipelines observe the new status at their
// next batch boundary and clean up cooperatively.
func (r *Registry) CancelJob(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	r.publishLocked(job)
	return true, nil
}

// IsCancelled reports whether the job has been cancelled. Used by pipelines
// at batch boundaries.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return ok && job.Status == StatusCancelled
}

func (r *Registry) publishLocked(job *Job) {
	if r.publisher != nil {
		r.publisher.Publish(snapshot(job))
	}
}

func percentage(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	return int((processed*100 + total/2) / total)
}

func snapshot(j *Job) *Job {
	cp := *j
	cp.Columns = append([]string(nil), j.Columns...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
