package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestJobStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobPending, false},
		{JobRunning, false},
		{JobComplete, true},
		{JobError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureCode
	}{
		{"aborted", &JobAbortedError{Failed: 3, Total: 4}, FailureAborted},
		{"wrapped persistence", fmt.Errorf("writing: %w", &PersistenceError{Op: "rename", Path: "x", Err: errors.New("disk full")}), FailurePersistence},
		{"validation", &ValidationError{Field: "bbox"}, FailureValidation},
		{"fetch", &FetchError{Cell: "0,0", Attempts: 3, Err: errors.New("timeout")}, FailureFetch},
		{"canceled", context.Canceled, FailureCanceled},
		{"other", errors.New("boom"), FailureInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FailureFromError(tt.err)
			if got.Code != tt.want {
				t.Errorf("FailureFromError() code = %q, want %q", got.Code, tt.want)
			}
			if got.Message == "" {
				t.Error("FailureFromError() message is empty")
			}
		})
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	j := &Job{
		Key: "k",
		Log: []string{"a"},
		Result: &JobResult{
			BBox:      []float64{1, 2, 3, 4},
			Elevation: &ElevationRange{Min: 1, Max: 2},
			Files:     Artifacts{TileSets: []TileSet{{Preset: "lossless"}}},
		},
	}

	c := j.Clone()
	c.Log[0] = "changed"
	c.Result.BBox[0] = 99
	c.Result.Elevation.Max = 99
	c.Result.Files.TileSets[0].Preset = "changed"

	if j.Log[0] != "a" {
		t.Error("Clone() shares the log slice")
	}
	if j.Result.BBox[0] != 1 {
		t.Error("Clone() shares the bbox slice")
	}
	if j.Result.Elevation.Max != 2 {
		t.Error("Clone() shares the elevation range")
	}
	if j.Result.Files.TileSets[0].Preset != "lossless" {
		t.Error("Clone() shares the tile sets")
	}
}
