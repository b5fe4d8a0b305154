package application

import (
	"context"
	"encoding/json"
	"errors"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

type testPipeline struct {
	orch    *Orchestrator
	tracker *JobTracker
	root    string
	history *mockHistory
	store   *mockStore
}

type pipelineOptions struct {
	coverage  *mockSource
	maps      *mockSource
	encoder   *mockEncoder
	publish   bool
	history   bool
	tileSize  int
	minSource int64
}

func newTestPipeline(t *testing.T, opts pipelineOptions) *testPipeline {
	t.Helper()
	logger := quietLogger()
	metrics := &output.NoOpMetrics{}
	root := t.TempDir()

	if opts.coverage == nil {
		opts.coverage = elevationSource(10)
	}
	if opts.maps == nil {
		opts.maps = imageSource(color.NRGBA{G: 200, A: 255})
	}
	if opts.encoder == nil {
		opts.encoder = &mockEncoder{}
	}
	if opts.tileSize == 0 {
		opts.tileSize = 64
	}

	tp := &testPipeline{tracker: NewJobTracker(metrics, logger), root: root}

	var history output.JobHistory
	if opts.history {
		tp.history = &mockHistory{}
		history = tp.history
	}
	var publisher *Publisher
	if opts.publish {
		tp.store = &mockStore{}
		publisher = NewPublisher(tp.store, "", metrics, logger)
	}

	tp.orch = NewOrchestrator(
		tp.tracker,
		testCatalog(),
		NewFetcher(opts.coverage, fastRetry, 1, metrics, logger),
		NewFetcher(opts.maps, fastRetry, 4, metrics, logger),
		NewStitcher(testCodec{}, logger),
		testCodec{},
		NewTiler(opts.encoder, opts.tileSize, metrics, logger),
		publisher,
		history,
		metrics,
		logger,
		OrchestratorConfig{
			OutputDir:          root,
			DefaultPresets:     []string{"lossy-75", "lossless"},
			MinTileSourceBytes: opts.minSource,
		},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.orch.Shutdown(ctx)
	})
	return tp
}

// elevationSource answers every cell with samples of the right size.
func elevationSource(base float32) *mockSource {
	return &mockSource{protocol: "wcs", fn: func(c domain.RasterCell, _ int) ([]byte, error) {
		return elevationCell(c.Rect.Width, c.Rect.Height, base), nil
	}}
}

// imageSource answers every cell with a PNG of the right size.
func imageSource(fill color.NRGBA) *mockSource {
	return &mockSource{protocol: "wms", fn: func(c domain.RasterCell, _ int) ([]byte, error) {
		return pngCell(c.Rect.Width, c.Rect.Height, fill), nil
	}}
}

func waitTerminal(t *testing.T, tp *testPipeline, key string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := tp.orch.Job(context.Background(), key)
		if err != nil {
			t.Fatalf("Job() error = %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", key)
	return domain.Job{}
}

func TestRawPipelineScenario(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s (%+v), want complete", job.Status, job.Failure)
	}
	if job.Key != "raw_national_1s_152p9_-27p5_153_-27p4" {
		t.Errorf("Key = %q", job.Key)
	}

	res := job.Result
	wantW, wantH := testBBox.PixelSize(30)
	if res.Dimensions.Width != wantW || res.Dimensions.Height != wantH {
		t.Errorf("Dimensions = %+v, want %dx%d", res.Dimensions, wantW, wantH)
	}
	got, err := domain.BoundingBoxFromSlice(res.BBox)
	if err != nil || !got.ApproxEqual(testBBox, 1e-9) {
		t.Errorf("BBox = %v, want %v", res.BBox, testBBox.Slice())
	}
	if res.CellsTotal != 1 || res.CellsFailed != 0 {
		t.Errorf("cells = %d/%d, want 1 total 0 failed", res.CellsTotal, res.CellsFailed)
	}
	if res.Elevation == nil || res.Elevation.Min != 10 {
		t.Errorf("Elevation = %+v, want min 10", res.Elevation)
	}
	if res.Files.Raster != "raw/national_1s_152p9_-27p5_153_-27p4.tif" {
		t.Errorf("Files.Raster = %q", res.Files.Raster)
	}

	for _, rel := range []string{res.Files.Raster, res.Files.Info} {
		if _, err := os.Stat(filepath.Join(tp.root, rel)); err != nil {
			t.Errorf("artifact %s missing: %v", rel, err)
		}
	}

	data, _ := os.ReadFile(filepath.Join(tp.root, res.Files.Info))
	var info domain.RasterInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("info is not valid JSON: %v", err)
	}
	if info.Width != wantW || info.CRS != "EPSG:4326" || info.NoData == nil {
		t.Errorf("info = %+v", info)
	}

	for i := 1; i < len(job.Log); i++ {
		if job.Log[i] == "" {
			t.Errorf("empty log line at %d", i)
		}
	}
	if !strings.HasPrefix(job.Log[0], "started raw pipeline") {
		t.Errorf("Log[0] = %q", job.Log[0])
	}
}

func TestRawPipelineScalesToCoverageLimit(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})
	tp.orch.cfg.CoverageMaxDim = 100

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s, want complete", job.Status)
	}
	d := job.Result.Dimensions
	if d.Width > 100 || d.Height > 100 || d.Height < 99 || d.Width >= d.Height {
		t.Errorf("Dimensions = %+v, want the taller side scaled to about 100", d)
	}
	if job.Result.ResolutionM != 30 {
		t.Errorf("ResolutionM = %v, want the requested 30", job.Result.ResolutionM)
	}
	want := testBBox.ResolutionAt(d.Width, d.Height)
	if eff := job.Result.EffectiveResolutionM; eff < 100 || eff != want {
		t.Errorf("EffectiveResolutionM = %v, want %v", eff, want)
	}
}

// crsCodec records the CRS of every elevation raster it encodes.
type crsCodec struct {
	testCodec
	written []string
}

func (c *crsCodec) EncodeElevation(w io.Writer, r *domain.Raster) error {
	c.written = append(c.written, r.CRS)
	return c.testCodec.EncodeElevation(w, r)
}

func TestRawPipelineWritesLidarAsWGS84(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})
	tp.orch.cfg.CoverageMaxDim = 100
	codec := &crsCodec{}
	tp.orch.codec = codec

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "lidar_5m",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s (%+v), want complete", job.Status, job.Failure)
	}
	if len(codec.written) != 1 || codec.written[0] != "EPSG:4326" {
		t.Errorf("encoded CRS = %v, want [EPSG:4326]", codec.written)
	}

	data, _ := os.ReadFile(filepath.Join(tp.root, job.Result.Files.Info))
	var info domain.RasterInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("info is not valid JSON: %v", err)
	}
	if info.CRS != "EPSG:4326" {
		t.Errorf("info CRS = %q, want EPSG:4326", info.CRS)
	}

	var logged bool
	for _, line := range job.Log {
		if strings.Contains(line, "from EPSG:4283 to EPSG:4326") {
			logged = true
		}
	}
	if !logged {
		t.Errorf("log does not mention the conversion: %v", job.Log)
	}
}

func TestRGBPipelineScenario(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})

	key, err := tp.orch.Submit(context.Background(), domain.JobRequest{
		DEMType:    "national_1s",
		BBox:       testBBox,
		DataType:   domain.DataTypeRGB,
		MaxTileDim: 128,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	job := waitTerminal(t, tp, key)
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s (%+v), want complete", job.Status, job.Failure)
	}
	res := job.Result
	if res.CellsTotal <= 1 {
		t.Errorf("CellsTotal = %d, want more than one cell", res.CellsTotal)
	}
	if res.Files.WorldFile == "" {
		t.Error("rgb result should include a world file")
	}
	if len(res.Files.TileSets) != 2 {
		t.Fatalf("TileSets = %+v, want two presets", res.Files.TileSets)
	}

	for _, ts := range res.Files.TileSets {
		data, err := os.ReadFile(filepath.Join(tp.root, ts.Metadata))
		if err != nil {
			t.Fatalf("tile metadata for %s: %v", ts.Preset, err)
		}
		var records []domain.WebPTileRecord
		if err := json.Unmarshal(data, &records); err != nil {
			t.Fatalf("tile metadata for %s is not JSON: %v", ts.Preset, err)
		}
		within := 0
		for _, rec := range records {
			if testBBox.Contains(rec.BBox(), 1e-9) {
				within++
			}
		}
		if within == 0 {
			t.Errorf("preset %s has no tile within the bbox", ts.Preset)
		}
	}

	if job.Progress != 100 {
		t.Errorf("Progress = %v, want 100", job.Progress)
	}
}

func TestRGBPipelinePresetFailureStillCompletes(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{encoder: &mockEncoder{fail: map[string]bool{"lossy-75": true}}})

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRGB,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s, want complete", job.Status)
	}

	sets := job.Result.Files.TileSets
	if len(sets) != 2 || sets[0].Error == "" || sets[1].Error != "" {
		t.Errorf("TileSets = %+v, want lossy-75 failed and lossless produced", sets)
	}
	found := false
	for _, line := range job.Log {
		if strings.Contains(line, "lossy-75 skipped") {
			found = true
		}
	}
	if !found {
		t.Errorf("log %v should record the skipped preset", job.Log)
	}
}

func TestPipelineAbortThreshold(t *testing.T) {
	tests := []struct {
		name       string
		failEvery  int // fail cells whose index modulo failEvery is 0
		wantStatus domain.JobStatus
	}{
		{"quarter failed completes", 4, domain.JobComplete},
		{"half failed aborts", 2, domain.JobError},
		{"all failed aborts", 1, domain.JobError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maps := &mockSource{protocol: "wms", fn: func(c domain.RasterCell, _ int) ([]byte, error) {
				idx := c.Row*4 + c.Col
				if idx%tt.failEvery == 0 {
					return nil, errors.New("service unavailable")
				}
				return pngCell(c.Rect.Width, c.Rect.Height, color.NRGBA{A: 255}), nil
			}}
			tp := newTestPipeline(t, pipelineOptions{maps: maps})

			// 400 x 100 pixels in 100 pixel cells: 4 columns, 1 row.
			bbox := domain.BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 4, MaxLat: 1}
			job, err := tp.orch.Run(context.Background(), domain.JobRequest{
				DEMType:     "national_1s",
				BBox:        bbox,
				DataType:    domain.DataTypeRGB,
				ResolutionM: 1113.2,
				MaxTileDim:  100,
				Presets:     []string{"lossless"},
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if job.Status != tt.wantStatus {
				t.Fatalf("Status = %s, want %s (log %v)", job.Status, tt.wantStatus, job.Log)
			}
			if tt.wantStatus == domain.JobError && job.Failure.Code != domain.FailureAborted {
				t.Errorf("Failure = %+v, want code aborted", job.Failure)
			}
			if tt.wantStatus == domain.JobComplete && job.Result.CellsFailed != 1 {
				t.Errorf("CellsFailed = %d, want 1", job.Result.CellsFailed)
			}
		})
	}
}

func TestSubmitRejectsDuplicateActiveKey(t *testing.T) {
	release := make(chan struct{})
	maps := &mockSource{protocol: "wms", fn: func(c domain.RasterCell, _ int) ([]byte, error) {
		<-release
		return pngCell(c.Rect.Width, c.Rect.Height, color.NRGBA{A: 255}), nil
	}}
	tp := newTestPipeline(t, pipelineOptions{maps: maps})

	req := domain.JobRequest{
		Key:      "mine",
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRGB,
		Presets:  []string{"lossless"},
	}
	if _, err := tp.orch.Submit(context.Background(), req); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := tp.orch.Submit(context.Background(), req); !errors.Is(err, domain.ErrDuplicateJob) {
		t.Errorf("second Submit() error = %v, want ErrDuplicateJob", err)
	}

	close(release)
	job := waitTerminal(t, tp, "mine")
	if job.Status != domain.JobComplete {
		t.Errorf("Status = %s, want complete", job.Status)
	}

	// A finished key can be reused.
	if _, err := tp.orch.Submit(context.Background(), req); err != nil {
		t.Errorf("Submit() after completion error = %v", err)
	}
	waitTerminal(t, tp, "mine")
}

func TestSubmitRejectsConcurrentWritersOfSameArtifacts(t *testing.T) {
	release := make(chan struct{})
	maps := &mockSource{protocol: "wms", fn: func(c domain.RasterCell, _ int) ([]byte, error) {
		<-release
		return pngCell(c.Rect.Width, c.Rect.Height, color.NRGBA{A: 255}), nil
	}}
	tp := newTestPipeline(t, pipelineOptions{maps: maps})

	req := domain.JobRequest{
		Key:      AutoKey,
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRGB,
		Presets:  []string{"lossless"},
	}
	first, err := tp.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	for _, key := range []string{AutoKey, "other-key"} {
		again := req
		again.Key = key
		if _, err := tp.orch.Submit(context.Background(), again); !errors.Is(err, domain.ErrDuplicateJob) {
			t.Errorf("Submit(key %q) error = %v, want ErrDuplicateJob", key, err)
		}
	}

	// The raw product of the same area lives at other paths.
	raw := req
	raw.DataType = domain.DataTypeRaw
	rawKey, err := tp.orch.Submit(context.Background(), raw)
	if err != nil {
		t.Errorf("raw Submit() error = %v", err)
	}

	close(release)
	waitTerminal(t, tp, first)
	if rawKey != "" {
		waitTerminal(t, tp, rawKey)
	}
	if n := len(tp.tracker.List()); n != 2 {
		t.Errorf("%d jobs tracked, want 2", n)
	}
}

func TestMisconfiguredServiceFailsAsValidation(t *testing.T) {
	coverage := &mockSource{protocol: "wcs", fn: func(_ domain.RasterCell, _ int) ([]byte, error) {
		return nil, &domain.ConfigError{Field: "coverage_url", Message: "invalid coverage URL"}
	}}
	tp := newTestPipeline(t, pipelineOptions{coverage: coverage})

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobError || job.Failure == nil {
		t.Fatalf("job = %+v, want error", job)
	}
	if job.Failure.Code != domain.FailureValidation {
		t.Errorf("Failure.Code = %s, want %s", job.Failure.Code, domain.FailureValidation)
	}
	if !strings.Contains(job.Failure.Message, "coverage_url") {
		t.Errorf("Failure.Message = %q", job.Failure.Message)
	}
	if got := coverage.Calls("0,0"); got != 1 {
		t.Errorf("coverage calls = %d, want 1", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})

	tests := []struct {
		name string
		req  domain.JobRequest
	}{
		{"unknown dem type", domain.JobRequest{DEMType: "moon", BBox: testBBox, DataType: domain.DataTypeRaw}},
		{"bad data type", domain.JobRequest{DEMType: "national_1s", BBox: testBBox, DataType: "hillshade"}},
		{"inverted bbox", domain.JobRequest{DEMType: "national_1s", BBox: domain.BoundingBox{MinLon: 153, MinLat: -27.4, MaxLon: 152.9, MaxLat: -27.5}, DataType: domain.DataTypeRaw}},
		{"bad preset", domain.JobRequest{DEMType: "national_1s", BBox: testBBox, DataType: domain.DataTypeRGB, Presets: []string{"lossy-0"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tp.orch.Submit(context.Background(), tt.req)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("Submit() error = %v, want ValidationError", err)
			}
		})
	}
	if n := len(tp.tracker.List()); n != 0 {
		t.Errorf("%d jobs created for invalid requests, want 0", n)
	}
}

func TestSubmitAutoKey(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})

	key, err := tp.orch.Submit(context.Background(), domain.JobRequest{
		Key:      AutoKey,
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if key == AutoKey || len(key) != 36 {
		t.Errorf("key = %q, want a generated uuid", key)
	}
	waitTerminal(t, tp, key)
}

func TestPipelineRecordsHistoryAndPublishes(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{history: true, publish: true})

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRGB,
		Presets:  []string{"lossless"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s, want complete", job.Status)
	}

	if tp.history.Len() != 1 {
		t.Errorf("history has %d records, want 1", tp.history.Len())
	}
	for _, key := range []string{job.Result.Files.Raster, job.Result.Files.WorldFile, job.Result.Files.TileSets[0].Metadata} {
		if ok, _ := tp.store.Exists(context.Background(), key); !ok {
			t.Errorf("artifact %s was not published", key)
		}
	}

	if err := tp.orch.ClearJob(context.Background(), job.Key); err != nil {
		t.Fatalf("ClearJob() error = %v", err)
	}
	fromHistory, err := tp.orch.Job(context.Background(), job.Key)
	if err != nil {
		t.Fatalf("Job() after clear error = %v", err)
	}
	if fromHistory.RunID != job.RunID {
		t.Errorf("history RunID = %q, want %q", fromHistory.RunID, job.RunID)
	}
}

func TestPipelinePublishFailureKeepsJobComplete(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{publish: true})
	tp.store.putErr = errors.New("bucket missing")

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Errorf("Status = %s, want complete", job.Status)
	}
	if last := job.Log[len(job.Log)-2]; !strings.Contains(last, "published 0 of") {
		t.Errorf("log line %q should report the publish failure", last)
	}
}

func TestPipelineSkipsTilingForSmallSource(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{minSource: 1 << 40})

	job, err := tp.orch.Run(context.Background(), domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRGB,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobComplete {
		t.Fatalf("Status = %s, want complete", job.Status)
	}
	if len(job.Result.Files.TileSets) != 0 {
		t.Errorf("TileSets = %+v, want none", job.Result.Files.TileSets)
	}
}

func TestPipelineCanceledRunFails(t *testing.T) {
	tp := newTestPipeline(t, pipelineOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := tp.orch.Run(ctx, domain.JobRequest{
		DEMType:  "national_1s",
		BBox:     testBBox,
		DataType: domain.DataTypeRaw,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.Status != domain.JobError || job.Failure.Code != domain.FailureCanceled {
		t.Errorf("job = %s %+v, want error with code canceled", job.Status, job.Failure)
	}
}
