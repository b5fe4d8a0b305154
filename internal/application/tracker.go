package application

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// JobObserver is notified with a snapshot whenever a job becomes terminal.
type JobObserver func(job domain.Job)

// JobTracker owns the lifecycle of every job. All state lives behind one
// lock; callers only ever receive snapshots.
type JobTracker struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	observers []JobObserver
	metrics   output.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewJobTracker creates a new job tracker.
func NewJobTracker(metrics output.MetricsCollector, logger *slog.Logger) *JobTracker {
	return &JobTracker{
		jobs:    make(map[string]*domain.Job),
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Observe registers fn to run after each terminal transition.
func (t *JobTracker) Observe(fn JobObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Create registers a pending job under key. A terminal job with the same key
// is superseded. An active job with the same key, or one writing the same
// artifacts, causes ErrDuplicateJob.
func (t *JobTracker) Create(key, runID string, req domain.JobRequest) (domain.Job, error) {
	t.mu.Lock()
	if existing, ok := t.jobs[key]; ok && !existing.Status.IsTerminal() {
		t.mu.Unlock()
		return domain.Job{}, domain.ErrDuplicateJob
	}
	if target := artifactTarget(req); target != "" {
		for other, j := range t.jobs {
			if !j.Status.IsTerminal() && artifactTarget(j.Request) == target {
				t.mu.Unlock()
				return domain.Job{}, fmt.Errorf("%w: job %s is writing %s", domain.ErrDuplicateJob, other, target)
			}
		}
	}

	now := t.now()
	job := &domain.Job{
		Key:       key,
		RunID:     runID,
		Request:   req,
		Status:    domain.JobPending,
		Log:       []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.jobs[key] = job
	snapshot := job.Clone()
	t.mu.Unlock()

	t.updateMetrics()
	t.logger.Debug("job created", "job", key, "run", runID)
	return snapshot, nil
}

// Start moves a pending job to running with progress 0.
func (t *JobTracker) Start(key string) error {
	return t.mutate(key, func(j *domain.Job) error {
		if j.Status != domain.JobPending {
			return domain.ErrInvalidTransition
		}
		j.Status = domain.JobRunning
		j.Progress = 0
		return nil
	})
}

// AppendLog appends a progress line.
func (t *JobTracker) AppendLog(key, line string) error {
	return t.mutate(key, func(j *domain.Job) error {
		j.Log = append(j.Log, line)
		return nil
	})
}

// SetProgress records progress in percent. Values are clamped to [0, 100]
// and progress never decreases.
func (t *JobTracker) SetProgress(key string, percent float64) error {
	percent = max(0, min(100, percent))
	return t.mutate(key, func(j *domain.Job) error {
		if percent > j.Progress {
			j.Progress = percent
		}
		return nil
	})
}

// Complete moves a running job to complete with its result.
func (t *JobTracker) Complete(key string, result domain.JobResult) error {
	return t.finish(key, func(j *domain.Job) error {
		if j.Status != domain.JobRunning {
			return domain.ErrInvalidTransition
		}
		j.Status = domain.JobComplete
		j.Progress = 100
		j.Result = &result
		return nil
	})
}

// Fail moves a pending or running job to error.
func (t *JobTracker) Fail(key string, failure domain.JobFailure) error {
	return t.finish(key, func(j *domain.Job) error {
		j.Status = domain.JobError
		j.Failure = &failure
		return nil
	})
}

// Get returns a snapshot of the job.
func (t *JobTracker) Get(key string) (domain.Job, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	j, ok := t.jobs[key]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

// List returns snapshots of all jobs, newest first.
func (t *JobTracker) List() []domain.Job {
	t.mu.RLock()
	jobs := make([]domain.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		jobs = append(jobs, j.Clone())
	}
	t.mu.RUnlock()

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].Key < jobs[b].Key
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return jobs
}

// Clear forgets a terminal job.
func (t *JobTracker) Clear(key string) error {
	t.mu.Lock()
	j, ok := t.jobs[key]
	if !ok {
		t.mu.Unlock()
		return domain.ErrJobNotFound
	}
	if !j.Status.IsTerminal() {
		t.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	delete(t.jobs, key)
	t.mu.Unlock()

	t.updateMetrics()
	return nil
}

// Prune forgets terminal jobs that finished before cutoff and returns how
// many were removed.
func (t *JobTracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	removed := 0
	for key, j := range t.jobs {
		if j.Status.IsTerminal() && j.FinishedAt.Before(cutoff) {
			delete(t.jobs, key)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.updateMetrics()
	}
	return removed
}

// ActiveCount returns the number of pending or running jobs.
func (t *JobTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, j := range t.jobs {
		if !j.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// mutate applies fn to a non-terminal job under the lock.
func (t *JobTracker) mutate(key string, fn func(*domain.Job) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[key]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = t.now()
	return nil
}

// finish is mutate for terminal transitions; it notifies observers.
func (t *JobTracker) finish(key string, fn func(*domain.Job) error) error {
	var snapshot domain.Job
	err := t.mutate(key, func(j *domain.Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.FinishedAt = t.now()
		j.UpdatedAt = j.FinishedAt
		snapshot = j.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.RLock()
	observers := append([]JobObserver(nil), t.observers...)
	t.mu.RUnlock()

	t.metrics.IncJobs(string(snapshot.Request.DataType), string(snapshot.Status))
	t.updateMetrics()
	for _, fn := range observers {
		fn(snapshot)
	}
	return nil
}

func (t *JobTracker) updateMetrics() {
	t.metrics.SetActiveJobs(t.ActiveCount())
}

// artifactTarget names the artifact set req writes, "" when it has none.
func artifactTarget(req domain.JobRequest) string {
	if req.DEMType == "" {
		return ""
	}
	return string(req.DataType) + "/" + req.ArtifactBase()
}
