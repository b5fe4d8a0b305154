package application

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBBox is the box used throughout the scenario tests.
var testBBox = domain.BoundingBox{MinLon: 152.9, MinLat: -27.5, MaxLon: 153.0, MaxLat: -27.4}

func testCatalog() domain.DEMCatalog {
	return domain.DEMCatalog{
		"national_1s": {
			Key:         "national_1s",
			Name:        "National 1 Second DEM",
			CRS:         "EPSG:4326",
			ResolutionM: 30,
			CoverageID:  "1",
			Layer:       "0",
		},
		"lidar_5m": {
			Key:         "lidar_5m",
			Name:        "LiDAR 5 m DEM",
			CRS:         "EPSG:4283",
			ResolutionM: 5,
			CoverageID:  "1",
			Layer:       "0",
		},
	}
}

// mockSource implements output.CellSource for testing. fn decides each
// response; calls are counted per cell label.
type mockSource struct {
	protocol string
	fn       func(cell domain.RasterCell, attempt int) ([]byte, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *mockSource) Protocol() string {
	if m.protocol == "" {
		return "mock"
	}
	return m.protocol
}

func (m *mockSource) FetchCell(_ context.Context, _ domain.DEMType, cell domain.RasterCell) ([]byte, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[cell.Label()]++
	attempt := m.calls[cell.Label()]
	m.mu.Unlock()
	return m.fn(cell, attempt)
}

func (m *mockSource) Calls(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[label]
}

// testCodec implements output.RasterCodec. Elevation rasters use a minimal
// binary layout: width and height as uint32 followed by float32 samples.
type testCodec struct{}

func encodeSamples(w, h int, samples []float32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(w))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(h))
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

// elevationCell returns an encoded cell whose samples equal base + x.
func elevationCell(w, h int, base float32) []byte {
	samples := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			samples[y*w+x] = base + float32(x)
		}
	}
	return encodeSamples(w, h, samples)
}

func (testCodec) DecodeElevation(data []byte) (int, int, []float32, error) {
	if len(data) < 8 {
		return 0, 0, nil, errors.New("short elevation payload")
	}
	w := int(binary.LittleEndian.Uint32(data[0:4]))
	h := int(binary.LittleEndian.Uint32(data[4:8]))
	if len(data) != 8+4*w*h {
		return 0, 0, nil, fmt.Errorf("payload has %d bytes for %dx%d", len(data), w, h)
	}
	samples := make([]float32, w*h)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	return w, h, samples, nil
}

func (testCodec) DecodeImage(data []byte) (image.Image, error) {
	return png.Decode(bytes.NewReader(data))
}

func (testCodec) EncodeElevation(w io.Writer, r *domain.Raster) error {
	_, err := w.Write(encodeSamples(r.Width, r.Height, r.Elevation))
	return err
}

func (testCodec) EncodeImage(w io.Writer, r *domain.Raster) error {
	return png.Encode(w, r.Image)
}

// pngCell returns a PNG of w x h pixels filled with c.
func pngCell(w, h int, c color.NRGBA) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// mockEncoder implements output.TileEncoder. It writes a small header with
// the tile size and fails for presets listed in fail.
type mockEncoder struct {
	fail map[string]bool
}

func (m *mockEncoder) Encode(w io.Writer, img image.Image, preset domain.QualityPreset) error {
	if m.fail[preset.Name] {
		return errors.New("unsupported pixel format")
	}
	b := img.Bounds()
	_, err := fmt.Fprintf(w, "RIFF%dx%d:%s", b.Dx(), b.Dy(), preset.Name)
	return err
}

// mockHistory implements output.JobHistory in memory.
type mockHistory struct {
	mu      sync.Mutex
	jobs    []domain.Job
	pingErr error
}

func (m *mockHistory) Save(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockHistory) Latest(_ context.Context, key string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].Key == key {
			return m.jobs[i], nil
		}
	}
	return domain.Job{}, domain.ErrJobNotFound
}

func (m *mockHistory) List(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.Job(nil), m.jobs...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockHistory) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.jobs[:0]
	var n int64
	for _, j := range m.jobs {
		if j.FinishedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, j)
	}
	m.jobs = kept
	return n, nil
}

func (m *mockHistory) Ping(_ context.Context) error {
	return m.pingErr
}

func (m *mockHistory) Close() error {
	return nil
}

func (m *mockHistory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// mockStore implements output.ArtifactStore in memory.
type mockStore struct {
	mu      sync.Mutex
	objects map[string]string
	putErr  error
}

func (m *mockStore) Put(_ context.Context, key, path string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[key] = path
	return nil
}

func (m *mockStore) List(_ context.Context, _ string) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]output.StorageObject, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, output.StorageObject{Key: k})
	}
	return out, nil
}

func (m *mockStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *mockStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}
