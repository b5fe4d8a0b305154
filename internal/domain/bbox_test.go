package domain

import (
	"errors"
	"math"
	"testing"
)

func TestNewBoundingBox(t *testing.T) {
	tests := []struct {
		name    string
		coords  [4]float64
		wantErr bool
	}{
		{
			name:    "valid brisbane box",
			coords:  [4]float64{152.9, -27.5, 153.0, -27.4},
			wantErr: false,
		},
		{
			name:    "valid full world",
			coords:  [4]float64{-180, -90, 180, 90},
			wantErr: false,
		},
		{
			name:    "longitude out of range",
			coords:  [4]float64{-181, 0, 10, 10},
			wantErr: true,
		},
		{
			name:    "latitude out of range",
			coords:  [4]float64{0, 0, 10, 91},
			wantErr: true,
		},
		{
			name:    "min lon equals max lon",
			coords:  [4]float64{10, 0, 10, 10},
			wantErr: true,
		},
		{
			name:    "min lat greater than max lat",
			coords:  [4]float64{0, 10, 10, 0},
			wantErr: true,
		},
		{
			name:    "NaN coordinate",
			coords:  [4]float64{math.NaN(), 0, 10, 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBoundingBox(tt.coords[0], tt.coords[1], tt.coords[2], tt.coords[3])
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBoundingBox() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error should wrap ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestBoundingBoxFromSlice(t *testing.T) {
	if _, err := BoundingBoxFromSlice([]float64{1, 2, 3}); err == nil {
		t.Error("expected error for three values")
	}

	b, err := BoundingBoxFromSlice([]float64{152.9, -27.5, 153.0, -27.4})
	if err != nil {
		t.Fatalf("BoundingBoxFromSlice() error = %v", err)
	}
	if b.MinLon != 152.9 || b.MaxLat != -27.4 {
		t.Errorf("unexpected box %v", b)
	}
}

func TestBoundingBoxToken(t *testing.T) {
	b, _ := NewBoundingBox(152.9, -27.5, 153.0, -27.4)

	got := b.Token()
	want := "152p9_-27p5_153_-27p4"
	if got != want {
		t.Errorf("Token() = %q, want %q", got, want)
	}

	parsed, ok := ParseBBoxToken(got)
	if !ok {
		t.Fatal("ParseBBoxToken() failed on its own output")
	}
	if !parsed.ApproxEqual(b, 1e-12) {
		t.Errorf("ParseBBoxToken() = %v, want %v", parsed, b)
	}

	if _, ok := ParseBBoxToken("not_a_token"); ok {
		t.Error("ParseBBoxToken() accepted an invalid token")
	}
}

func TestBoundingBoxPixelSize(t *testing.T) {
	b, _ := NewBoundingBox(152.9, -27.5, 153.0, -27.4)

	w, h := b.PixelSize(30)

	// 0.1 degrees is about 11.1 km of latitude.
	if h != 371 {
		t.Errorf("height = %d, want 371", h)
	}
	// Longitude shrinks with cos(27.5 degrees).
	if w < 320 || w > 335 {
		t.Errorf("width = %d, want about 329", w)
	}

	w, h = b.PixelSize(1e9)
	if w != 1 || h != 1 {
		t.Errorf("PixelSize(huge) = %dx%d, want 1x1", w, h)
	}
}

func TestBoundingBoxResolutionAt(t *testing.T) {
	b, _ := NewBoundingBox(152.9, -27.5, 153.0, -27.4)

	w, h := b.PixelSize(30)
	if got := b.ResolutionAt(w, h); got < 30 || got > 30.2 {
		t.Errorf("ResolutionAt(%d, %d) = %v, want about 30", w, h, got)
	}
	// Halving both sides doubles the metres per pixel.
	if got := b.ResolutionAt(w/2, h/2); got < 59.9 || got > 60.5 {
		t.Errorf("ResolutionAt(half) = %v, want about 60", got)
	}
	if got := b.ResolutionAt(0, h); got != 0 {
		t.Errorf("ResolutionAt(0, h) = %v, want 0", got)
	}
}

func TestBoundingBoxContains(t *testing.T) {
	outer, _ := NewBoundingBox(0, 0, 10, 10)
	inner, _ := NewBoundingBox(1, 1, 9, 9)
	edge, _ := NewBoundingBox(0, 0, 10.0000001, 10)

	if !outer.Contains(inner, 0) {
		t.Error("outer should contain inner")
	}
	if outer.Contains(edge, 0) {
		t.Error("outer should not contain edge without tolerance")
	}
	if !outer.Contains(edge, 1e-6) {
		t.Error("outer should contain edge with tolerance")
	}
}
