package application

import (
	"context"
	"errors"
	"testing"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

func TestPublisherKey(t *testing.T) {
	tests := []struct {
		prefix string
		rel    string
		want   string
	}{
		{"", "rgb/a.png", "rgb/a.png"},
		{"demtiler", "rgb/a.png", "demtiler/rgb/a.png"},
		{"/exports/", "raw/a.tif", "exports/raw/a.tif"},
	}
	for _, tt := range tests {
		p := NewPublisher(&mockStore{}, tt.prefix, &output.NoOpMetrics{}, quietLogger())
		if got := p.Key(tt.rel); got != tt.want {
			t.Errorf("Key(%q) with prefix %q = %q, want %q", tt.rel, tt.prefix, got, tt.want)
		}
	}
}

func TestPublisherPublishAndUnpublish(t *testing.T) {
	store := &mockStore{}
	p := NewPublisher(store, "out", &output.NoOpMetrics{}, quietLogger())
	files := []string{"rgb/a.png", "rgb/a.pgw"}

	n, err := p.Publish(context.Background(), "/data", files)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Publish() = %d, want 2", n)
	}
	if got := store.objects["out/rgb/a.png"]; got != "/data/rgb/a.png" {
		t.Errorf("uploaded path = %q, want /data/rgb/a.png", got)
	}

	if err := p.Unpublish(context.Background(), files); err != nil {
		t.Fatalf("Unpublish() error = %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("%d objects left, want 0", len(store.objects))
	}
}

func TestPublisherContinuesPastFailures(t *testing.T) {
	store := &mockStore{putErr: errors.New("access denied")}
	p := NewPublisher(store, "", &output.NoOpMetrics{}, quietLogger())

	n, err := p.Publish(context.Background(), "/data", []string{"a", "b"})
	if n != 0 {
		t.Errorf("Publish() = %d, want 0", n)
	}
	var sErr *domain.StorageError
	if !errors.As(err, &sErr) || sErr.Operation != "put" {
		t.Errorf("Publish() error = %v, want StorageError", err)
	}
}

func TestResultFiles(t *testing.T) {
	files := domain.Artifacts{
		Raster:    "rgb/a.png",
		WorldFile: "rgb/a.pgw",
		Info:      "rgb/a_info.json",
		TileSets: []domain.TileSet{
			{Preset: "lossless", Metadata: "rgb/a_tiles_lossless.json"},
			{Preset: "lossy-75", Error: "encode failed"},
		},
	}
	tiles := map[string][]domain.WebPTileRecord{
		"lossless": {{Tile: "a_tiles_lossless/tile_0_0.webp"}, {Tile: "a_tiles_lossless/tile_1_0.webp"}},
		"lossy-75": {{Tile: "a_tiles_lossy-75/tile_0_0.webp"}},
	}

	got := ResultFiles(files, tiles)
	want := []string{
		"rgb/a.png",
		"rgb/a.pgw",
		"rgb/a_info.json",
		"rgb/a_tiles_lossless/tile_0_0.webp",
		"rgb/a_tiles_lossless/tile_1_0.webp",
		"rgb/a_tiles_lossless.json",
	}
	if len(got) != len(want) {
		t.Fatalf("ResultFiles() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ResultFiles()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
