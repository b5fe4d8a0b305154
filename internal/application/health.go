package application

import (
	"context"

	"github.com/jobrunner/demtiler/internal/ports/input"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	tracker *JobTracker
	catalog *Catalog
	history output.JobHistory
}

// NewHealthService creates a new health service. history may be nil.
func NewHealthService(tracker *JobTracker, catalog *Catalog, history output.JobHistory) *HealthService {
	return &HealthService{
		tracker: tracker,
		catalog: catalog,
		history: history,
	}
}

// IsHealthy returns true if the service is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true // Basic health check
}

// IsReady returns true if the service is ready to accept requests.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if s.history == nil {
		return true
	}
	return s.history.Ping(ctx) == nil
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"tracker": "ok",
	}
	switch {
	case s.history == nil:
		components["history"] = "disabled"
	case s.history.Ping(ctx) != nil:
		components["history"] = "unavailable"
	default:
		components["history"] = "ok"
	}

	products := 0
	if s.catalog != nil {
		products = s.catalog.Count()
	}

	return input.HealthDetails{
		Healthy:    s.IsHealthy(ctx),
		Ready:      s.IsReady(ctx),
		ActiveJobs: s.tracker.ActiveCount(),
		Products:   products,
		Components: components,
	}
}
