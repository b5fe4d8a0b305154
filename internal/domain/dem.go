package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DEMType describes one remote elevation dataset.
type DEMType struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	CoverageURL string  `json:"coverage_url"`
	MapURL      string  `json:"map_url"`
	CRS         string  `json:"crs"`
	ResolutionM float64 `json:"resolution_m"`
	CoverageID  string  `json:"coverage_id"`
	Layer       string  `json:"layer"`
}

// DEMCatalog is the set of DEM types a deployment can serve.
type DEMCatalog map[string]DEMType

// Lookup returns the DEM type for key.
func (c DEMCatalog) Lookup(key string) (DEMType, error) {
	t, ok := c[key]
	if !ok {
		return DEMType{}, &ValidationError{
			Field:      "demType",
			Value:      key,
			Constraint: strings.Join(c.Keys(), "|"),
			Message:    ErrUnknownDEMType.Error(),
		}
	}
	return t, nil
}

// Keys returns the sorted DEM type keys.
func (c DEMCatalog) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sorted returns the DEM types ordered by key.
func (c DEMCatalog) Sorted() []DEMType {
	out := make([]DEMType, 0, len(c))
	for _, k := range c.Keys() {
		out = append(out, c[k])
	}
	return out
}

// DataType selects the product a pipeline produces.
type DataType string

// Data types.
const (
	DataTypeRaw DataType = "raw"
	DataTypeRGB DataType = "rgb"
)

// ParseDataType validates a data type string.
func ParseDataType(s string) (DataType, error) {
	switch DataType(strings.ToLower(s)) {
	case DataTypeRaw:
		return DataTypeRaw, nil
	case DataTypeRGB:
		return DataTypeRGB, nil
	}
	return "", &ValidationError{
		Field:      "dataType",
		Value:      s,
		Constraint: "raw|rgb",
		Message:    "data type must be raw or rgb",
	}
}

// Extension returns the raster file extension for the data type.
func (d DataType) Extension() string {
	if d == DataTypeRGB {
		return ".png"
	}
	return ".tif"
}

// QualityPreset is a named WebP encoding configuration.
type QualityPreset struct {
	Name     string
	Quality  int
	Lossless bool
}

// PresetLossless is the lossless preset name.
const PresetLossless = "lossless"

// ParseQualityPreset accepts "lossless" or "lossy-<1..100>".
func ParseQualityPreset(name string) (QualityPreset, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == PresetLossless {
		return QualityPreset{Name: name, Quality: 100, Lossless: true}, nil
	}
	if q, ok := strings.CutPrefix(name, "lossy-"); ok {
		v, err := strconv.Atoi(q)
		if err == nil && v >= 1 && v <= 100 {
			return QualityPreset{Name: name, Quality: v}, nil
		}
	}
	return QualityPreset{}, &ValidationError{
		Field:      "presets",
		Value:      name,
		Constraint: "lossless|lossy-<1..100>",
		Message:    "unknown quality preset",
	}
}

// ParseQualityPresets parses names, dropping duplicates and keeping order.
func ParseQualityPresets(names []string) ([]QualityPreset, error) {
	seen := make(map[string]bool, len(names))
	presets := make([]QualityPreset, 0, len(names))
	for _, n := range names {
		p, err := ParseQualityPreset(n)
		if err != nil {
			return nil, err
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		presets = append(presets, p)
	}
	return presets, nil
}

// JobRequest is an accepted fetch request.
type JobRequest struct {
	Key         string
	DEMType     string
	BBox        BoundingBox
	DataType    DataType
	Name        string
	ResolutionM float64
	MaxTileDim  int
	Presets     []string
}

// ArtifactBase returns "<demType>_<bbox>", the stem of every artifact.
func (r JobRequest) ArtifactBase() string {
	return fmt.Sprintf("%s_%s", r.DEMType, r.BBox.Token())
}

// DefaultKey returns "<dataType>_<demType>_<bbox>".
func (r JobRequest) DefaultKey() string {
	return fmt.Sprintf("%s_%s", r.DataType, r.ArtifactBase())
}

// Validate checks fields that do not depend on the DEM catalog.
func (r JobRequest) Validate() error {
	if err := r.BBox.Validate(); err != nil {
		return err
	}
	if _, err := ParseDataType(string(r.DataType)); err != nil {
		return err
	}
	if r.ResolutionM < 0 {
		return &ValidationError{
			Field:      "resolution",
			Value:      r.ResolutionM,
			Constraint: ">= 0",
			Message:    "resolution must not be negative",
		}
	}
	if r.MaxTileDim < 0 {
		return &ValidationError{
			Field:      "maxTileDim",
			Value:      r.MaxTileDim,
			Constraint: ">= 0",
			Message:    "maximum tile dimension must not be negative",
		}
	}
	if strings.ContainsAny(r.Key, "/\\") {
		return &ValidationError{
			Field:      "key",
			Value:      r.Key,
			Constraint: "no path separators",
			Message:    "job key must not contain path separators",
		}
	}
	if _, err := ParseQualityPresets(r.Presets); err != nil {
		return err
	}
	return nil
}
