package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// AutoKey asks the orchestrator to generate a random job key.
const AutoKey = "auto"

// Progress checkpoints in percent.
const (
	rawFetchWeight   = 60.0
	rawStitched      = 70.0
	rawPersisted     = 90.0
	rgbFetchWeight   = 50.0
	rgbStitched      = 60.0
	rgbPersisted     = 70.0
	rgbTilingWeight  = 30.0
	wgs84            = "EPSG:4326"
	defaultAbortRate = 0.5
)

// OrchestratorConfig holds configuration for the orchestrator.
type OrchestratorConfig struct {
	OutputDir          string
	CoverageMaxDim     int     // Largest side of a single coverage request
	TileMaxDim         int     // Default partition cell size for map requests
	MaxRasterDim       int     // Largest side of a stitched rgb raster
	AbortRatio         float64 // Failed/total cell ratio that aborts a job
	DefaultPresets     []string
	MinTileSourceBytes int64 // Skip tiling when the PNG is smaller
}

// Orchestrator runs the raw and rgb pipelines on background goroutines and
// records their progress in the JobTracker.
type Orchestrator struct {
	tracker   *JobTracker
	dems      domain.DEMCatalog
	coverage  *Fetcher
	maps      *Fetcher
	stitcher  *Stitcher
	codec     output.RasterCodec
	tiler     *Tiler
	publisher *Publisher
	history   output.JobHistory
	metrics   output.MetricsCollector
	logger    *slog.Logger
	cfg       OrchestratorConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator. publisher and history may be
// nil.
func NewOrchestrator(
	tracker *JobTracker,
	dems domain.DEMCatalog,
	coverage *Fetcher,
	maps *Fetcher,
	stitcher *Stitcher,
	codec output.RasterCodec,
	tiler *Tiler,
	publisher *Publisher,
	history output.JobHistory,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.CoverageMaxDim <= 0 {
		cfg.CoverageMaxDim = 2048
	}
	if cfg.TileMaxDim <= 0 {
		cfg.TileMaxDim = 4096
	}
	if cfg.MaxRasterDim <= 0 {
		cfg.MaxRasterDim = 16384
	}
	if cfg.AbortRatio <= 0 {
		cfg.AbortRatio = defaultAbortRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		tracker:   tracker,
		dems:      dems,
		coverage:  coverage,
		maps:      maps,
		stitcher:  stitcher,
		codec:     codec,
		tiler:     tiler,
		publisher: publisher,
		history:   history,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
	if history != nil {
		tracker.Observe(o.recordHistory)
	}
	return o
}

// Submit validates req, registers a pending job and runs the pipeline in the
// background. The returned key is used to poll status.
func (o *Orchestrator) Submit(_ context.Context, req domain.JobRequest) (string, error) {
	req, dem, err := o.prepare(req)
	if err != nil {
		return "", err
	}
	job, err := o.tracker.Create(req.Key, uuid.NewString(), req)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, job, dem)
	}()

	o.logger.Info("job accepted", "job", job.Key, "run", job.RunID, "data_type", req.DataType)
	return job.Key, nil
}

// Run executes req synchronously and returns the terminal job snapshot.
func (o *Orchestrator) Run(ctx context.Context, req domain.JobRequest) (domain.Job, error) {
	req, dem, err := o.prepare(req)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := o.tracker.Create(req.Key, uuid.NewString(), req)
	if err != nil {
		return domain.Job{}, err
	}
	o.run(ctx, job, dem)
	return o.tracker.Get(job.Key)
}

// Job returns a job snapshot, falling back to the history store for jobs
// that are no longer tracked in memory.
func (o *Orchestrator) Job(ctx context.Context, key string) (domain.Job, error) {
	job, err := o.tracker.Get(key)
	if err == nil || !errors.Is(err, domain.ErrJobNotFound) || o.history == nil {
		return job, err
	}
	return o.history.Latest(ctx, key)
}

// Jobs returns snapshots of all tracked jobs.
func (o *Orchestrator) Jobs(_ context.Context) []domain.Job {
	return o.tracker.List()
}

// ClearJob forgets a terminal job.
func (o *Orchestrator) ClearJob(_ context.Context, key string) error {
	return o.tracker.Clear(key)
}

// DEMTypes returns the configured DEM types.
func (o *Orchestrator) DEMTypes() []domain.DEMType {
	return o.dems.Sorted()
}

// Shutdown cancels running pipelines and waits for them to record their
// terminal state, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare validates req against the catalog and fills defaults.
func (o *Orchestrator) prepare(req domain.JobRequest) (domain.JobRequest, domain.DEMType, error) {
	dataType, err := domain.ParseDataType(string(req.DataType))
	if err != nil {
		return req, domain.DEMType{}, err
	}
	req.DataType = dataType
	if len(req.Presets) == 0 && dataType == domain.DataTypeRGB {
		req.Presets = append([]string(nil), o.cfg.DefaultPresets...)
	}
	if err := req.Validate(); err != nil {
		return req, domain.DEMType{}, err
	}
	dem, err := o.dems.Lookup(req.DEMType)
	if err != nil {
		return req, domain.DEMType{}, err
	}

	switch strings.TrimSpace(req.Key) {
	case "":
		req.Key = req.DefaultKey()
	case AutoKey:
		req.Key = uuid.NewString()
	}
	return req, dem, nil
}

// run drives one job to a terminal state.
func (o *Orchestrator) run(ctx context.Context, job domain.Job, dem domain.DEMType) {
	key := job.Key
	req := job.Request
	logger := o.logger.With("job", key, "run", job.RunID)
	start := time.Now()

	if err := o.tracker.Start(key); err != nil {
		logger.Error("failed to start job", "error", err)
		return
	}
	run := &pipelineRun{o: o, key: key, req: req, dem: dem, logger: logger}
	run.logf("started %s pipeline for %s %s", req.DataType, dem.Key, req.BBox)

	var (
		result domain.JobResult
		err    error
	)
	switch req.DataType {
	case domain.DataTypeRaw:
		result, err = run.raw(ctx)
	default:
		result, err = run.rgb(ctx)
	}

	elapsed := time.Since(start)
	o.metrics.ObserveJobDuration(string(req.DataType), elapsed)

	if err != nil {
		failure := domain.FailureFromError(err)
		run.logf("failed: %s", failure.Message)
		if ferr := o.tracker.Fail(key, failure); ferr != nil {
			logger.Error("failed to record job failure", "error", ferr)
		}
		return
	}

	result.Duration = elapsed
	run.logf("complete in %s", elapsed.Round(time.Millisecond))
	if cerr := o.tracker.Complete(key, result); cerr != nil {
		logger.Error("failed to record job result", "error", cerr)
	}
}

func (o *Orchestrator) recordHistory(job domain.Job) {
	// History must outlive request and shutdown contexts.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.history.Save(ctx, job); err != nil {
		o.logger.Warn("failed to save job history", "job", job.Key, "error", err)
	}
}

// pipelineRun carries the state of one pipeline execution.
type pipelineRun struct {
	o      *Orchestrator
	key    string
	req    domain.JobRequest
	dem    domain.DEMType
	logger *slog.Logger
}

// logf appends a line to the job log and mirrors it to the logger.
func (r *pipelineRun) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	r.logger.Info(line)
	if err := r.o.tracker.AppendLog(r.key, line); err != nil {
		r.logger.Debug("failed to append job log", "error", err)
	}
}

func (r *pipelineRun) progress(pct float64) {
	_ = r.o.tracker.SetProgress(r.key, pct)
}

func (r *pipelineRun) resolution() float64 {
	if r.req.ResolutionM > 0 {
		return r.req.ResolutionM
	}
	return r.dem.ResolutionM
}

// dimensions returns the raster size for the request, scaled down to fit
// maxDim.
func (r *pipelineRun) dimensions(maxDim int) (int, int) {
	res := r.resolution()
	w, h := r.req.BBox.PixelSize(res)
	sw, sh := ScaleToFit(w, h, maxDim)
	if sw != w || sh != h {
		r.logf("scaled %dx%d to %dx%d to stay within %d pixels", w, h, sw, sh, maxDim)
	}
	return sw, sh
}

// fetch runs the fetcher over cells, mapping completion onto [0, weight].
func (r *pipelineRun) fetch(ctx context.Context, f *Fetcher, cells []domain.RasterCell, weight float64) ([]domain.FetchedTile, error) {
	r.progress(0)
	tiles, err := f.FetchAll(ctx, r.dem, cells, func(done, total int, tile domain.FetchedTile) {
		if !tile.OK() {
			r.logf("cell %s failed after %d attempt(s): %v", tile.Cell.Label(), tile.Attempts, tile.Err)
		}
		r.progress(float64(done) / float64(total) * weight)
	})
	if err != nil {
		return nil, err
	}
	if err := ConfigErrorOf(tiles); err != nil {
		return nil, err
	}
	failed := CountFailed(tiles)
	r.logf("fetched %d of %d cell(s) via %s", len(tiles)-failed, len(tiles), f.Protocol())
	return tiles, nil
}

// coverage applies the abort policy, logging partial coverage.
func (r *pipelineRun) coverage(failed, total int) error {
	err := CheckCoverage(failed, total, r.o.cfg.AbortRatio)
	var warn *domain.PartialCoverageWarning
	if errors.As(err, &warn) {
		r.logf("warning: %s", warn.Error())
		return nil
	}
	return err
}

func (r *pipelineRun) stitch(tiles []domain.FetchedTile, w, h int, kind domain.RasterKind, noData float32) (*domain.Raster, StitchStats, error) {
	if err := r.coverage(CountFailed(tiles), len(tiles)); err != nil {
		return nil, StitchStats{}, err
	}
	grid, err := domain.NewGrid(r.req.BBox, w, h)
	if err != nil {
		return nil, StitchStats{}, err
	}
	raster, stats, err := r.o.stitcher.Stitch(tiles, grid, kind, noData)
	if err != nil {
		return nil, StitchStats{}, err
	}
	if stats.Rejected > 0 {
		r.logf("%d cell(s) had unexpected content and were filled with no-data", stats.Rejected)
		if err := r.coverage(stats.Filled(), len(tiles)); err != nil {
			return nil, StitchStats{}, err
		}
	}
	r.logf("stitched %dx%d raster from %d cell(s)", w, h, stats.Placed)
	return raster, stats, nil
}

func (r *pipelineRun) raw(ctx context.Context) (domain.JobResult, error) {
	w, h := r.dimensions(r.o.cfg.CoverageMaxDim)
	cells, err := Partition(r.req.BBox, w, h, max(w, h))
	if err != nil {
		return domain.JobResult{}, err
	}
	r.logf("grid computed: %d cell(s) for %dx%d pixels", len(cells), w, h)

	tiles, err := r.fetch(ctx, r.o.coverage, cells, rawFetchWeight)
	if err != nil {
		return domain.JobResult{}, err
	}
	raster, stats, err := r.stitch(tiles, w, h, domain.KindElevation, domain.NoDataElevation)
	if err != nil {
		return domain.JobResult{}, err
	}
	converted, err := ToWGS84(raster, r.dem.CRS)
	if err != nil {
		return domain.JobResult{}, err
	}
	if converted {
		r.logf("converted raster from %s to %s", r.dem.CRS, wgs84)
	}
	r.progress(rawStitched)

	geo := Georeference(raster)
	paths := NewArtifactPaths(r.o.cfg.OutputDir, r.req)
	if err := writeAtomic(paths.Raster, func(wr io.Writer) error {
		return r.o.codec.EncodeElevation(wr, raster)
	}); err != nil {
		return domain.JobResult{}, err
	}
	failed := stats.Filled()
	info := r.info(raster, geo, len(tiles), failed, nil)
	if err := writeJSONAtomic(paths.Info, info); err != nil {
		return domain.JobResult{}, err
	}
	if geo.Metadata.Elevation != nil {
		r.logf("elevation range %.2f to %.2f m", geo.Metadata.Elevation.Min, geo.Metadata.Elevation.Max)
	}
	r.logf("saved %s", paths.Rel(paths.Raster))
	r.progress(rawPersisted)

	result := r.result(raster, geo, len(tiles), failed)
	result.Files = domain.Artifacts{
		Raster: paths.Rel(paths.Raster),
		Info:   paths.Rel(paths.Info),
	}
	r.publish(ctx, paths, result.Files, nil)
	return result, nil
}

func (r *pipelineRun) rgb(ctx context.Context) (domain.JobResult, error) {
	presets, err := domain.ParseQualityPresets(r.req.Presets)
	if err != nil {
		return domain.JobResult{}, err
	}

	w, h := r.dimensions(r.o.cfg.MaxRasterDim)
	tileDim := r.req.MaxTileDim
	if tileDim <= 0 {
		tileDim = r.o.cfg.TileMaxDim
	}
	cells, err := Partition(r.req.BBox, w, h, tileDim)
	if err != nil {
		return domain.JobResult{}, err
	}
	r.logf("grid computed: %d cell(s) of up to %d pixels for %dx%d pixels", len(cells), tileDim, w, h)

	tiles, err := r.fetch(ctx, r.o.maps, cells, rgbFetchWeight)
	if err != nil {
		return domain.JobResult{}, err
	}
	raster, stats, err := r.stitch(tiles, w, h, domain.KindRGBA, 0)
	if err != nil {
		return domain.JobResult{}, err
	}
	raster.CRS = wgs84
	r.progress(rgbStitched)

	geo := Georeference(raster)
	paths := NewArtifactPaths(r.o.cfg.OutputDir, r.req)
	if err := writeAtomic(paths.Raster, func(wr io.Writer) error {
		return r.o.codec.EncodeImage(wr, raster)
	}); err != nil {
		return domain.JobResult{}, err
	}
	if err := writeFileAtomic(paths.WorldFile, geo.WorldFile); err != nil {
		return domain.JobResult{}, err
	}
	r.logf("saved %s and %s", paths.Rel(paths.Raster), paths.Rel(paths.WorldFile))
	r.progress(rgbPersisted)

	tileSets, records, err := r.tile(ctx, raster, paths, presets)
	if err != nil {
		return domain.JobResult{}, err
	}

	failed := stats.Filled()
	var names []string
	for _, ts := range tileSets {
		if ts.Error == "" {
			names = append(names, ts.Preset)
		}
	}
	info := r.info(raster, geo, len(tiles), failed, names)
	if err := writeJSONAtomic(paths.Info, info); err != nil {
		return domain.JobResult{}, err
	}

	result := r.result(raster, geo, len(tiles), failed)
	result.Files = domain.Artifacts{
		Raster:    paths.Rel(paths.Raster),
		WorldFile: paths.Rel(paths.WorldFile),
		Info:      paths.Rel(paths.Info),
		TileSets:  tileSets,
	}
	r.publish(ctx, paths, result.Files, records)
	return result, nil
}

// tile runs the tiler when presets were requested and the PNG is large
// enough. Preset failures are logged and reported, never returned.
func (r *pipelineRun) tile(
	ctx context.Context,
	raster *domain.Raster,
	paths ArtifactPaths,
	presets []domain.QualityPreset,
) ([]domain.TileSet, map[string][]domain.WebPTileRecord, error) {
	if len(presets) == 0 || r.o.tiler == nil {
		return nil, nil, nil
	}
	if minBytes := r.o.cfg.MinTileSourceBytes; minBytes > 0 {
		if fi, err := os.Stat(paths.Raster); err == nil && fi.Size() < minBytes {
			r.logf("skipped tiling: %s is %d bytes, below %d", paths.Rel(paths.Raster), fi.Size(), minBytes)
			return nil, nil, nil
		}
	}

	step := rgbTilingWeight / float64(len(presets))
	done := 0
	results, err := r.o.tiler.Tile(ctx, raster, paths, presets, func(res TileSetResult) {
		done++
		if res.Err != nil {
			r.logf("tile preset %s skipped: %v", res.Preset, res.Err)
		} else {
			r.logf("tile preset %s: %d tile(s) of %d pixels", res.Preset, len(res.Records), r.o.tiler.TileSize())
		}
		r.progress(rgbPersisted + step*float64(done))
	})
	if err != nil {
		return nil, nil, err
	}

	sets := make([]domain.TileSet, 0, len(results))
	records := make(map[string][]domain.WebPTileRecord, len(results))
	for _, res := range results {
		ts := domain.TileSet{
			Preset:   res.Preset,
			Dir:      paths.Rel(res.Dir),
			Metadata: paths.Rel(res.Metadata),
			Tiles:    len(res.Records),
		}
		if res.Err != nil {
			ts.Dir, ts.Metadata = "", ""
			ts.Error = res.Err.Error()
		}
		records[res.Preset] = res.Records
		sets = append(sets, ts)
	}
	return sets, records, nil
}

func (r *pipelineRun) info(raster *domain.Raster, geo Georef, total, failed int, tileSets []string) domain.RasterInfo {
	return domain.RasterInfo{
		Name:                 r.req.Name,
		DEMType:              r.dem.Key,
		DataType:             r.req.DataType,
		CRS:                  raster.CRS,
		BBox:                 r.req.BBox.Slice(),
		Width:                raster.Width,
		Height:               raster.Height,
		ResolutionM:          r.resolution(),
		EffectiveResolutionM: r.req.BBox.ResolutionAt(raster.Width, raster.Height),
		PixelSize:            geo.Metadata.PixelSize,
		Elevation:            geo.Metadata.Elevation,
		NoData:               geo.Metadata.NoData,
		CellsTotal:           total,
		CellsFailed:          failed,
		TileSets:             tileSets,
		CreatedAt:            time.Now().UTC(),
	}
}

func (r *pipelineRun) result(raster *domain.Raster, geo Georef, total, failed int) domain.JobResult {
	return domain.JobResult{
		DEMType:              r.dem.Key,
		DataType:             r.req.DataType,
		BBox:                 r.req.BBox.Slice(),
		Dimensions:           geo.Metadata.Dimensions,
		ResolutionM:          r.resolution(),
		EffectiveResolutionM: r.req.BBox.ResolutionAt(raster.Width, raster.Height),
		Elevation:            geo.Metadata.Elevation,
		CellsTotal:           total,
		CellsFailed:          failed,
	}
}

// publish uploads the artifacts when a publisher is configured. Failures
// are logged against the job and do not fail it.
func (r *pipelineRun) publish(ctx context.Context, paths ArtifactPaths, files domain.Artifacts, records map[string][]domain.WebPTileRecord) {
	if r.o.publisher == nil {
		return
	}
	list := ResultFiles(files, records)
	n, err := r.o.publisher.Publish(ctx, paths.Root, list)
	if err != nil {
		r.logf("published %d of %d file(s): %v", n, len(list), err)
		return
	}
	r.logf("published %d file(s)", n)
}
