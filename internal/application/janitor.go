package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobrunner/demtiler/internal/ports/output"
)

// PruneResult contains the result of a prune pass.
type PruneResult struct {
	JobsPruned    int       `json:"jobs_pruned"`
	HistoryPruned int64     `json:"history_pruned"`
	PrunedAt      time.Time `json:"pruned_at"`
}

// Janitor periodically forgets terminal jobs older than the retention
// period, both in memory and in the history store.
type Janitor struct {
	tracker   *JobTracker
	history   output.JobHistory
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	// Lifecycle management
	stopCh chan struct{}
	wg     sync.WaitGroup

	// Prevents concurrent prune passes
	pruneMu sync.Mutex
}

// NewJanitor creates a new janitor. history may be nil.
func NewJanitor(
	tracker *JobTracker,
	history output.JobHistory,
	retention time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *Janitor {
	return &Janitor{
		tracker:   tracker,
		history:   history,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic prune loop.
func (j *Janitor) Start(ctx context.Context) {
	j.logger.Info("starting janitor", "interval", j.interval, "retention", j.retention)

	j.wg.Add(1)
	go j.run(ctx)
}

// run is the main prune loop.
func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped: context canceled")
			return
		case <-j.stopCh:
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.Prune(ctx)
		}
	}
}

// Stop gracefully stops the janitor.
func (j *Janitor) Stop() {
	j.logger.Info("stopping janitor")
	close(j.stopCh)
	j.wg.Wait()
}

// Prune runs one prune pass.
func (j *Janitor) Prune(ctx context.Context) PruneResult {
	j.pruneMu.Lock()
	defer j.pruneMu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-j.retention)
	res := PruneResult{PrunedAt: now}

	res.JobsPruned = j.tracker.Prune(cutoff)
	if j.history != nil {
		n, err := j.history.DeleteBefore(ctx, cutoff)
		if err != nil {
			j.logger.Error("failed to prune job history", "error", err)
		}
		res.HistoryPruned = n
	}

	if res.JobsPruned > 0 || res.HistoryPruned > 0 {
		j.logger.Info("pruned jobs",
			"tracked", res.JobsPruned,
			"history", res.HistoryPruned,
		)
	}
	return res
}

// Interval returns the prune interval.
func (j *Janitor) Interval() time.Duration {
	return j.interval
}
