package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/demtiler/internal/domain"
)

const maxRequestBody = 1 << 20

// JobRequestBody is the POST /api/v1/jobs payload. Both camelCase and
// snake_case spellings of the DEM and data type are accepted.
type JobRequestBody struct {
	Key         string    `json:"key,omitempty"`
	DEMType     string    `json:"demType,omitempty"`
	DEMTypeAlt  string    `json:"dem_type,omitempty"`
	BBox        []float64 `json:"bbox"`
	DataType    string    `json:"dataType,omitempty"`
	DataTypeAlt string    `json:"data_type,omitempty"`
	Resolution  float64   `json:"resolution,omitempty"`
	MaxTileDim  int       `json:"maxTileDim,omitempty"`
	Presets     []string  `json:"presets,omitempty"`
	Name        string    `json:"name,omitempty"`
}

// toRequest converts the body into a domain request.
func (b *JobRequestBody) toRequest() (domain.JobRequest, error) {
	dem := firstNonEmpty(b.DEMType, b.DEMTypeAlt)
	if dem == "" {
		return domain.JobRequest{}, &domain.ValidationError{Field: "demType", Message: "demType is required"}
	}
	bbox, err := domain.BoundingBoxFromSlice(b.BBox)
	if err != nil {
		return domain.JobRequest{}, err
	}
	dataType, err := domain.ParseDataType(firstNonEmpty(b.DataType, b.DataTypeAlt))
	if err != nil {
		return domain.JobRequest{}, err
	}
	return domain.JobRequest{
		Key:         b.Key,
		DEMType:     dem,
		BBox:        bbox,
		DataType:    dataType,
		Name:        b.Name,
		ResolutionM: b.Resolution,
		MaxTileDim:  b.MaxTileDim,
		Presets:     b.Presets,
	}, nil
}

// JobStatusResponse is the polling payload for one job.
type JobStatusResponse struct {
	Key             string            `json:"key"`
	Status          domain.JobStatus  `json:"status"`
	ProgressPercent float64           `json:"progressPercent"`
	Log             []string          `json:"log"`
	Result          *domain.JobResult `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"errorCode,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
}

func newJobStatusResponse(job domain.Job) JobStatusResponse {
	resp := JobStatusResponse{
		Key:             job.Key,
		Status:          job.Status,
		ProgressPercent: job.Progress,
		Log:             job.Log,
		Result:          job.Result,
		CreatedAt:       job.CreatedAt,
	}
	if resp.Log == nil {
		resp.Log = []string{}
	}
	if job.Failure != nil {
		resp.Error = job.Failure.Message
		resp.ErrorCode = string(job.Failure.Code)
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

// handleSubmitJob validates a request and starts a job.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body JobRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		msg := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", msg, err))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	key, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+key)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"jobKey":   key,
	})
}

// handleListJobs returns all tracked jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Jobs(r.Context())

	response := make([]JobStatusResponse, len(jobs))
	for i, j := range jobs {
		response[i] = newJobStatusResponse(j)
		response[i].Log = nil
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  response,
		"count": len(jobs),
	})
}

// handleGetJob returns the status of one job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	job, err := s.jobs.Job(r.Context(), key)
	if err != nil {
		s.handleServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, newJobStatusResponse(job))
}

// handleClearJob forgets a finished job.
func (s *Server) handleClearJob(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := s.jobs.ClearJob(r.Context(), key); err != nil {
		s.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListDEMTypes returns the configured DEM types.
func (s *Server) handleListDEMTypes(w http.ResponseWriter, _ *http.Request) {
	types := s.jobs.DEMTypes()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"demTypes": types,
		"count":    len(types),
	})
}

// handleListProducts returns all products in the output directory.
func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products := s.products.List(r.Context())
	if products == nil {
		products = []domain.Product{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": products,
		"count":    len(products),
	})
}

// handleGetProduct returns one product.
func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.handleServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleDeleteProduct removes a product and its sidecar files.
func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.products.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns detailed health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.health.GetHealthDetails(r.Context())

	status := http.StatusOK
	if !details.Healthy {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":      boolToStatus(details.Healthy),
		"ready":       details.Ready,
		"active_jobs": details.ActiveJobs,
		"products":    details.Products,
		"components":  details.Components,
	})
}

// handleLiveness returns liveness status.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsHealthy(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

// handleReadiness returns readiness status.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.health.IsReady(r.Context()) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	} else {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

// handleOpenAPI serves the API description as JSON.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	doc, err := openAPIDocument()
	if err != nil {
		s.logger.Error("failed to render OpenAPI document", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load API description")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// handleServiceError maps domain errors to HTTP status codes.
func (s *Server) handleServiceError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, domain.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}

func boolToStatus(b bool) string {
	if b {
		return "ok"
	}
	return "unhealthy"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
