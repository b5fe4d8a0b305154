// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/demtiler/internal/domain"
)

// JobService defines the primary port for DEM fetch jobs.
type JobService interface {
	// Submit validates a request, registers a pending job and starts the
	// pipeline in the background. It returns the job key.
	Submit(ctx context.Context, req domain.JobRequest) (string, error)

	// Job returns a snapshot of a job by key.
	Job(ctx context.Context, key string) (domain.Job, error)

	// Jobs returns snapshots of all tracked jobs.
	Jobs(ctx context.Context) []domain.Job

	// ClearJob forgets a terminal job.
	ClearJob(ctx context.Context, key string) error

	// DEMTypes returns the configured DEM types.
	DEMTypes() []domain.DEMType
}

// ProductCatalog defines the primary port for finished products.
type ProductCatalog interface {
	// List returns all products, newest first.
	List(ctx context.Context) []domain.Product

	// Get returns a product by file name.
	Get(ctx context.Context, name string) (domain.Product, error)

	// Delete removes a product and its sidecar files.
	Delete(ctx context.Context, name string) error
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy    bool              // Overall health status
	Ready      bool              // Ready to accept requests
	ActiveJobs int               // Pending or running jobs
	Products   int               // Products in the output directory
	Components map[string]string // Component statuses
}
