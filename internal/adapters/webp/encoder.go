// Package webp encodes tiles for the quality presets: lossless tiles with
// the pure Go encoder, lossy tiles through libwebp.
package webp

import (
	"fmt"
	"image"
	"io"

	"github.com/HugoSmits86/nativewebp"
	lossy "github.com/chai2010/webp"

	"github.com/jobrunner/demtiler/internal/domain"
)

// Encoder implements output.TileEncoder.
type Encoder struct{}

// NewEncoder creates a new encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode writes img as WebP using preset.
func (e *Encoder) Encode(w io.Writer, img image.Image, preset domain.QualityPreset) error {
	if img.Bounds().Empty() {
		return fmt.Errorf("empty tile")
	}
	if preset.Lossless {
		return nativewebp.Encode(w, img, &nativewebp.Options{})
	}
	if preset.Quality < 1 || preset.Quality > 100 {
		return fmt.Errorf("quality %d out of range", preset.Quality)
	}
	return lossy.Encode(w, img, &lossy.Options{Quality: float32(preset.Quality)})
}
