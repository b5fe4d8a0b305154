package ows

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jobrunner/demtiler/internal/domain"
)

// ElevationDecoder reads the size of a coverage response.
type ElevationDecoder interface {
	DecodeElevation(data []byte) (width, height int, samples []float32, err error)
}

// CoverageSource implements output.CellSource with WCS 1.0.0 GetCoverage.
type CoverageSource struct {
	client  *Client
	decoder ElevationDecoder
}

// NewCoverageSource creates a new coverage source. Responses are decoded
// with decoder to check their size.
func NewCoverageSource(client *Client, decoder ElevationDecoder) *CoverageSource {
	return &CoverageSource{client: client, decoder: decoder}
}

// Protocol returns "wcs".
func (s *CoverageSource) Protocol() string {
	return "wcs"
}

// FetchCell requests one cell as GeoTIFF.
func (s *CoverageSource) FetchCell(ctx context.Context, dem domain.DEMType, cell domain.RasterCell) ([]byte, error) {
	u, err := CoverageURL(dem, cell)
	if err != nil {
		return nil, err
	}
	return s.client.Get(ctx, u, func(contentType string, body []byte) error {
		if err := checkException(contentType, body); err != nil {
			return err
		}
		w, h, _, err := s.decoder.DecodeElevation(body)
		if err != nil {
			return fmt.Errorf("invalid coverage: %w", err)
		}
		if w != cell.Rect.Width || h != cell.Rect.Height {
			return fmt.Errorf("coverage is %dx%d, requested %dx%d", w, h, cell.Rect.Width, cell.Rect.Height)
		}
		return nil
	})
}

// CoverageURL builds the GetCoverage request for cell.
func CoverageURL(dem domain.DEMType, cell domain.RasterCell) (string, error) {
	base, err := url.Parse(dem.CoverageURL)
	if err != nil || base.Host == "" {
		return "", &domain.ConfigError{Field: "coverage_url", Message: fmt.Sprintf("invalid coverage URL %q for %s", dem.CoverageURL, dem.Key)}
	}
	coverage := dem.CoverageID
	if coverage == "" {
		coverage = "1"
	}
	b := cell.BBox

	q := base.Query()
	q.Set("service", "WCS")
	q.Set("request", "GetCoverage")
	q.Set("version", "1.0.0")
	q.Set("coverage", coverage)
	q.Set("CRS", dem.CRS)
	q.Set("BBOX", joinFloats(b.MinLon, b.MinLat, b.MaxLon, b.MaxLat))
	q.Set("WIDTH", strconv.Itoa(cell.Rect.Width))
	q.Set("HEIGHT", strconv.Itoa(cell.Rect.Height))
	q.Set("FORMAT", "GeoTIFF")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func joinFloats(vs ...float64) string {
	buf := make([]byte, 0, 64)
	for i, v := range vs {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, v, 'f', -1, 64)
	}
	return string(buf)
}
