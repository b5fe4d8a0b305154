package domain

import (
	"context"
	"errors"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job states. Transitions only move forward:
// pending -> running -> {complete, error}.
const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobError    JobStatus = "error"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobComplete || s == JobError
}

// Dimensions are raster pixel dimensions.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ElevationRange is the observed min/max of non-no-data samples.
type ElevationRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// TileSet describes one encoded WebP tile set.
type TileSet struct {
	Preset   string `json:"preset"`
	Dir      string `json:"dir"`
	Metadata string `json:"metadata"`
	Tiles    int    `json:"tiles"`
	Error    string `json:"error,omitempty"`
}

// Artifacts lists the files a run produced, relative to the output dir.
type Artifacts struct {
	Raster    string    `json:"raster"`
	WorldFile string    `json:"world_file,omitempty"`
	Info      string    `json:"info"`
	TileSets  []TileSet `json:"tile_sets,omitempty"`
}

// JobResult is the success payload of a finished job.
type JobResult struct {
	DEMType              string          `json:"dem_type"`
	DataType             DataType        `json:"data_type"`
	BBox                 []float64       `json:"bbox"`
	Dimensions           Dimensions      `json:"dimensions"`
	ResolutionM          float64         `json:"resolution_m"`
	EffectiveResolutionM float64         `json:"effective_resolution_m"`
	Elevation            *ElevationRange `json:"elevation,omitempty"`
	CellsTotal           int             `json:"cells_total"`
	CellsFailed          int             `json:"cells_failed"`
	Files                Artifacts       `json:"files"`
	Duration             time.Duration   `json:"duration_ns"`
}

// FailureCode classifies a failed job.
type FailureCode string

// Failure codes.
const (
	FailureValidation  FailureCode = "validation"
	FailureAborted     FailureCode = "aborted"
	FailurePersistence FailureCode = "persistence"
	FailureFetch       FailureCode = "fetch"
	FailureCanceled    FailureCode = "canceled"
	FailureInternal    FailureCode = "internal"
)

// JobFailure is the failure payload of a finished job.
type JobFailure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

// FailureFromError classifies err into a JobFailure.
func FailureFromError(err error) JobFailure {
	var (
		aborted     *JobAbortedError
		persistence *PersistenceError
		validation  *ValidationError
		fetch       *FetchError
	)
	code := FailureInternal
	switch {
	case errors.As(err, &aborted):
		code = FailureAborted
	case errors.As(err, &persistence):
		code = FailurePersistence
	case errors.As(err, &validation), errors.Is(err, ErrInvalidInput):
		code = FailureValidation
	case errors.As(err, &fetch):
		code = FailureFetch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = FailureCanceled
	}
	return JobFailure{Code: code, Message: err.Error()}
}

// Job is one fetch-and-process request. Values handed out by the tracker
// are snapshots and safe to read without locking.
type Job struct {
	Key        string      `json:"key"`
	RunID      string      `json:"run_id"`
	Request    JobRequest  `json:"-"`
	Status     JobStatus   `json:"status"`
	Progress   float64     `json:"progress"`
	Log        []string    `json:"log"`
	Result     *JobResult  `json:"result,omitempty"`
	Failure    *JobFailure `json:"failure,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() Job {
	c := *j
	c.Log = append([]string(nil), j.Log...)
	c.Request.Presets = append([]string(nil), j.Request.Presets...)
	if j.Result != nil {
		r := *j.Result
		r.BBox = append([]float64(nil), j.Result.BBox...)
		r.Files.TileSets = append([]TileSet(nil), j.Result.Files.TileSets...)
		if j.Result.Elevation != nil {
			e := *j.Result.Elevation
			r.Elevation = &e
		}
		c.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	return c
}
