package ows

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jobrunner/demtiler/internal/domain"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// MapSource implements output.CellSource with WMS 1.3.0 GetMap.
type MapSource struct {
	client *Client
}

// NewMapSource creates a new map source.
func NewMapSource(client *Client) *MapSource {
	return &MapSource{client: client}
}

// Protocol returns "wms".
func (s *MapSource) Protocol() string {
	return "wms"
}

// FetchCell requests one cell as a transparent PNG.
func (s *MapSource) FetchCell(ctx context.Context, dem domain.DEMType, cell domain.RasterCell) ([]byte, error) {
	u, err := MapURL(dem, cell)
	if err != nil {
		return nil, err
	}
	return s.client.Get(ctx, u, validateMap)
}

func validateMap(contentType string, body []byte) error {
	if err := checkException(contentType, body); err != nil {
		return err
	}
	if !strings.Contains(strings.ToLower(contentType), "image") {
		return fmt.Errorf("unexpected content type %q", contentType)
	}
	if !bytes.HasPrefix(body, pngSignature) {
		return fmt.Errorf("response is not a PNG image")
	}
	return nil
}

// MapURL builds the GetMap request for cell. WMS 1.3.0 with EPSG:4326 uses
// latitude-first axis order.
func MapURL(dem domain.DEMType, cell domain.RasterCell) (string, error) {
	base, err := url.Parse(dem.MapURL)
	if err != nil || base.Host == "" {
		return "", &domain.ConfigError{Field: "map_url", Message: fmt.Sprintf("invalid map URL %q for %s", dem.MapURL, dem.Key)}
	}
	layer := dem.Layer
	if layer == "" {
		layer = "0"
	}
	b := cell.BBox

	q := base.Query()
	q.Set("service", "WMS")
	q.Set("version", "1.3.0")
	q.Set("request", "GetMap")
	q.Set("layers", layer)
	q.Set("styles", "")
	q.Set("crs", "EPSG:4326")
	q.Set("bbox", joinFloats(b.MinLat, b.MinLon, b.MaxLat, b.MaxLon))
	q.Set("width", strconv.Itoa(cell.Rect.Width))
	q.Set("height", strconv.Itoa(cell.Rect.Height))
	q.Set("format", "image/png")
	q.Set("transparent", "true")
	base.RawQuery = q.Encode()
	return base.String(), nil
}
