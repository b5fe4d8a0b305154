package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncJobs counts a job reaching status for a data type.
	IncJobs(dataType string, status string)

	// ObserveJobDuration records the wall time of a finished pipeline run.
	ObserveJobDuration(dataType string, duration time.Duration)

	// SetActiveJobs sets the number of pending or running jobs.
	SetActiveJobs(count int)

	// IncCellFetch counts one cell fetch attempt outcome.
	IncCellFetch(protocol string, outcome string)

	// ObserveCellFetchDuration records one cell fetch attempt.
	ObserveCellFetchDuration(protocol string, duration time.Duration)

	// AddTilesEncoded counts encoded WebP tiles for a preset.
	AddTilesEncoded(preset string, count int)

	// IncStorageOperations increments storage operation counter.
	IncStorageOperations(operation string, success bool)

	// ObserveStorageDuration records storage operation duration.
	ObserveStorageDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

// IncJobs implements MetricsCollector.
func (n *NoOpMetrics) IncJobs(_ string, _ string) {}

// ObserveJobDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveJobDuration(_ string, _ time.Duration) {}

// SetActiveJobs implements MetricsCollector.
func (n *NoOpMetrics) SetActiveJobs(_ int) {}

// IncCellFetch implements MetricsCollector.
func (n *NoOpMetrics) IncCellFetch(_ string, _ string) {}

// ObserveCellFetchDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveCellFetchDuration(_ string, _ time.Duration) {}

// AddTilesEncoded implements MetricsCollector.
func (n *NoOpMetrics) AddTilesEncoded(_ string, _ int) {}

// IncStorageOperations implements MetricsCollector.
func (n *NoOpMetrics) IncStorageOperations(_ string, _ bool) {}

// ObserveStorageDuration implements MetricsCollector.
func (n *NoOpMetrics) ObserveStorageDuration(_ string, _ time.Duration) {}
