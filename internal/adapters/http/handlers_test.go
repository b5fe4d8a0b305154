package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jobrunner/demtiler/internal/config"
	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/input"
)

type mockJobService struct {
	submitted []domain.JobRequest
	submitKey string
	submitErr error
	job       domain.Job
	jobErr    error
	jobs      []domain.Job
	clearErr  error
	cleared   string
	demTypes  []domain.DEMType
}

func (m *mockJobService) Submit(_ context.Context, req domain.JobRequest) (string, error) {
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return m.submitKey, nil
}

func (m *mockJobService) Job(_ context.Context, _ string) (domain.Job, error) {
	return m.job, m.jobErr
}

func (m *mockJobService) Jobs(_ context.Context) []domain.Job {
	return m.jobs
}

func (m *mockJobService) ClearJob(_ context.Context, key string) error {
	m.cleared = key
	return m.clearErr
}

func (m *mockJobService) DEMTypes() []domain.DEMType {
	return m.demTypes
}

type mockProductCatalog struct {
	products  []domain.Product
	getErr    error
	deleteErr error
	deleted   string
}

func (m *mockProductCatalog) List(_ context.Context) []domain.Product {
	return m.products
}

func (m *mockProductCatalog) Get(_ context.Context, name string) (domain.Product, error) {
	if m.getErr != nil {
		return domain.Product{}, m.getErr
	}
	for _, p := range m.products {
		if p.Name == name {
			return p, nil
		}
	}
	return domain.Product{}, domain.ErrProductNotFound
}

func (m *mockProductCatalog) Delete(_ context.Context, name string) error {
	m.deleted = name
	return m.deleteErr
}

type mockHealthChecker struct {
	healthy bool
	ready   bool
}

func (m *mockHealthChecker) IsHealthy(_ context.Context) bool { return m.healthy }
func (m *mockHealthChecker) IsReady(_ context.Context) bool   { return m.ready }

func (m *mockHealthChecker) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:    m.healthy,
		Ready:      m.ready,
		ActiveJobs: 2,
		Products:   5,
		Components: map[string]string{"jobstore": "ok"},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(jobs *mockJobService, products *mockProductCatalog, health *mockHealthChecker) *Server {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0}
	return NewServer(cfg, jobs, products, health, testLogger())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHandleSubmitJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitErr  error
		wantStatus int
	}{
		{
			name:       "accepted",
			body:       `{"demType":"national_1s","bbox":[152.9,-27.5,153.0,-27.4],"dataType":"rgb"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "snake case fields",
			body:       `{"dem_type":"national_1s","bbox":[152.9,-27.5,153.0,-27.4],"data_type":"raw"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "missing dem type",
			body:       `{"bbox":[152.9,-27.5,153.0,-27.4],"dataType":"raw"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "short bbox",
			body:       `{"demType":"national_1s","bbox":[152.9,-27.5,153.0],"dataType":"raw"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad data type",
			body:       `{"demType":"national_1s","bbox":[152.9,-27.5,153.0,-27.4],"dataType":"tiff"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"demType":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown dem type",
			body:       `{"demType":"nope","bbox":[152.9,-27.5,153.0,-27.4],"dataType":"raw"}`,
			submitErr:  domain.ErrUnknownDEMType,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "duplicate job",
			body:       `{"demType":"national_1s","bbox":[152.9,-27.5,153.0,-27.4],"dataType":"raw"}`,
			submitErr:  domain.ErrDuplicateJob,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &mockJobService{submitKey: "national_1s_152p9_-27p5_153_-27p4", submitErr: tt.submitErr}
			s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

			rr := do(t, s, http.MethodPost, "/api/v1/jobs", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}

			resp := decode(t, rr)
			if resp["accepted"] != true || resp["jobKey"] != jobs.submitKey {
				t.Errorf("response = %v", resp)
			}
			if loc := rr.Header().Get("Location"); loc != "/api/v1/jobs/"+jobs.submitKey {
				t.Errorf("Location = %q", loc)
			}
			if len(jobs.submitted) != 1 || jobs.submitted[0].DEMType != "national_1s" {
				t.Errorf("submitted = %+v", jobs.submitted)
			}
		})
	}
}

func TestHandleGetJob(t *testing.T) {
	finished := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	jobs := &mockJobService{
		job: domain.Job{
			Key:        "k1",
			Status:     domain.JobError,
			Progress:   40,
			Log:        []string{"fetching coverage"},
			Failure:    &domain.JobFailure{Code: domain.FailureAborted, Message: "too many failed cells"},
			FinishedAt: finished,
		},
	}
	s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/jobs/k1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	resp := decode(t, rr)
	if resp["status"] != "error" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["progressPercent"] != 40.0 {
		t.Errorf("progressPercent = %v", resp["progressPercent"])
	}
	if resp["errorCode"] != "aborted" || resp["error"] != "too many failed cells" {
		t.Errorf("error fields = %v / %v", resp["errorCode"], resp["error"])
	}
	if _, ok := resp["finishedAt"]; !ok {
		t.Error("finishedAt missing")
	}
	if _, ok := resp["result"]; ok {
		t.Error("result should be omitted for failed jobs")
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	jobs := &mockJobService{jobErr: domain.ErrJobNotFound}
	s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/jobs/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestHandleListJobs(t *testing.T) {
	jobs := &mockJobService{jobs: []domain.Job{
		{Key: "a", Status: domain.JobRunning, Log: []string{"x"}},
		{Key: "b", Status: domain.JobPending},
	}}
	s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/jobs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["count"] != 2.0 {
		t.Errorf("count = %v", resp["count"])
	}
}

func TestHandleClearJob(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"cleared", nil, http.StatusNoContent},
		{"still running", domain.ErrDuplicateJob, http.StatusConflict},
		{"unknown", domain.ErrJobNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &mockJobService{clearErr: tt.err}
			s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

			rr := do(t, s, http.MethodDelete, "/api/v1/jobs/k1", "")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if jobs.cleared != "k1" {
				t.Errorf("cleared = %q", jobs.cleared)
			}
		})
	}
}

func TestHandleListDEMTypes(t *testing.T) {
	jobs := &mockJobService{demTypes: []domain.DEMType{{Key: "lidar_5m"}, {Key: "national_1s"}}}
	s := newTestServer(jobs, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/dem-types", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decode(t, rr)
	types, ok := resp["demTypes"].([]interface{})
	if !ok || len(types) != 2 {
		t.Fatalf("demTypes = %v", resp["demTypes"])
	}
	if first := types[0].(map[string]interface{}); first["key"] != "lidar_5m" {
		t.Errorf("first key = %v", first["key"])
	}
}

func TestHandleProducts(t *testing.T) {
	products := &mockProductCatalog{products: []domain.Product{
		{Name: "national_1s_152p9_-27p5_153_-27p4.png", DataType: domain.DataTypeRGB, Size: 1024},
	}}
	s := newTestServer(&mockJobService{}, products, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/products", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	if resp := decode(t, rr); resp["count"] != 1.0 {
		t.Errorf("count = %v", resp["count"])
	}

	rr = do(t, s, http.MethodGet, "/api/v1/products/national_1s_152p9_-27p5_153_-27p4.png", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	if resp := decode(t, rr); resp["data_type"] != "rgb" {
		t.Errorf("data_type = %v", resp["data_type"])
	}

	rr = do(t, s, http.MethodGet, "/api/v1/products/other.tif", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing product status = %d", rr.Code)
	}

	rr = do(t, s, http.MethodDelete, "/api/v1/products/other.tif", "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rr.Code)
	}
	if products.deleted != "other.tif" {
		t.Errorf("deleted = %q", products.deleted)
	}
}

func TestHandleListProductsEmpty(t *testing.T) {
	s := newTestServer(&mockJobService{}, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/api/v1/products", "")
	if !strings.Contains(rr.Body.String(), `"products":[]`) {
		t.Errorf("body = %s, want empty products array", rr.Body.String())
	}
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		healthy    bool
		ready      bool
		wantStatus int
	}{
		{"health ok", "/health", true, true, http.StatusOK},
		{"health down", "/health", false, false, http.StatusServiceUnavailable},
		{"live", "/health/live", true, false, http.StatusOK},
		{"not ready", "/health/ready", true, false, http.StatusServiceUnavailable},
		{"ready", "/health/ready", true, true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&mockJobService{}, &mockProductCatalog{}, &mockHealthChecker{healthy: tt.healthy, ready: tt.ready})
			rr := do(t, s, http.MethodGet, tt.path, "")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleHealthDetails(t *testing.T) {
	s := newTestServer(&mockJobService{}, &mockProductCatalog{}, &mockHealthChecker{healthy: true, ready: true})

	resp := decode(t, do(t, s, http.MethodGet, "/health", ""))
	if resp["status"] != "ok" || resp["active_jobs"] != 2.0 || resp["products"] != 5.0 {
		t.Errorf("response = %v", resp)
	}
}

func TestHandleOpenAPI(t *testing.T) {
	s := newTestServer(&mockJobService{}, &mockProductCatalog{}, &mockHealthChecker{})

	rr := do(t, s, http.MethodGet, "/openapi.json", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decode(t, rr)
	if _, ok := resp["openapi"]; !ok {
		t.Error("openapi version missing")
	}
	paths, ok := resp["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("paths missing")
	}
	for _, p := range []string{"/api/v1/jobs", "/api/v1/jobs/{key}", "/api/v1/products"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("path %s not documented", p)
		}
	}

	// Quoted status codes keep the responses in the JSON document.
	jobs, _ := paths["/api/v1/jobs"].(map[string]interface{})
	post, _ := jobs["post"].(map[string]interface{})
	responses, _ := post["responses"].(map[string]interface{})
	for _, code := range []string{"202", "400", "409"} {
		if _, ok := responses[code]; !ok {
			t.Errorf("POST /api/v1/jobs response %s missing", code)
		}
	}
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &domain.ValidationError{Field: "bbox", Message: "bad"}, http.StatusBadRequest},
		{"not found", domain.ErrProductNotFound, http.StatusNotFound},
		{"conflict", domain.ErrInvalidTransition, http.StatusConflict},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	s := &Server{logger: testLogger()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.handleServiceError(rr, tt.err)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}
