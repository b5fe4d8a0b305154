package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// RetryPolicy controls how often a cell is attempted.
type RetryPolicy struct {
	Attempts int           // Total attempts per cell, at least 1
	Backoff  time.Duration // Fixed delay between attempts
}

var errEmptyResponse = errors.New("empty response")

// DefaultRetryPolicy is three attempts two seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}

// FetchProgress is called once per resolved cell. Calls are serialized.
type FetchProgress func(done, total int, tile domain.FetchedTile)

// Fetcher fetches raster cells from a CellSource with retry and bounded
// concurrency. A cell that exhausts its attempts is returned as failed
// instead of failing the batch.
type Fetcher struct {
	source  output.CellSource
	policy  RetryPolicy
	workers int
	metrics output.MetricsCollector
	logger  *slog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(
	source output.CellSource,
	policy RetryPolicy,
	workers int,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *Fetcher {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Fetcher{
		source:  source,
		policy:  policy,
		workers: workers,
		metrics: metrics,
		logger:  logger,
	}
}

// Protocol returns the protocol of the underlying source.
func (f *Fetcher) Protocol() string {
	return f.source.Protocol()
}

// Fetch fetches one cell, retrying transient failures until the policy is
// exhausted or ctx is done.
func (f *Fetcher) Fetch(ctx context.Context, dem domain.DEMType, cell domain.RasterCell) domain.FetchedTile {
	tile := domain.FetchedTile{Cell: cell}
	protocol := f.source.Protocol()

	var lastErr error
	for attempt := 1; attempt <= f.policy.Attempts; attempt++ {
		tile.Attempts = attempt

		start := time.Now()
		data, err := f.source.FetchCell(ctx, dem, cell)
		f.metrics.ObserveCellFetchDuration(protocol, time.Since(start))

		if err == nil && len(data) == 0 {
			err = errEmptyResponse
		}
		if err == nil {
			f.metrics.IncCellFetch(protocol, "success")
			tile.Data = data
			return tile
		}
		f.metrics.IncCellFetch(protocol, "failure")
		lastErr = err

		if ctx.Err() != nil || !retryable(err) {
			break
		}
		f.logger.Debug("cell fetch attempt failed",
			"cell", cell.Label(),
			"attempt", attempt,
			"error", err,
		)
		if attempt == f.policy.Attempts {
			break
		}
		if !sleepCtx(ctx, f.policy.Backoff) {
			break
		}
	}

	tile.Err = asFetchError(cell, tile.Attempts, lastErr)
	return tile
}

// FetchAll fetches every cell with at most workers requests in flight. The
// result has one entry per cell in input order. It returns an error only if
// ctx is canceled before all cells resolved.
func (f *Fetcher) FetchAll(
	ctx context.Context,
	dem domain.DEMType,
	cells []domain.RasterCell,
	progress FetchProgress,
) ([]domain.FetchedTile, error) {
	tiles := make([]domain.FetchedTile, len(cells))

	var (
		mu   sync.Mutex
		done int
	)

	g := new(errgroup.Group)
	g.SetLimit(f.workers)
	for i, cell := range cells {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tile := f.Fetch(ctx, dem, cell)
			tiles[i] = tile

			mu.Lock()
			done++
			if progress != nil {
				progress(done, len(cells), tile)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tiles, nil
}

// CountFailed returns the number of tiles that did not fetch.
func CountFailed(tiles []domain.FetchedTile) int {
	failed := 0
	for _, t := range tiles {
		if !t.OK() {
			failed++
		}
	}
	return failed
}

// CheckCoverage applies the abort policy. It returns a JobAbortedError when
// failed/total reaches abortRatio, a PartialCoverageWarning when some cells
// failed, and nil otherwise.
func CheckCoverage(failed, total int, abortRatio float64) error {
	switch {
	case failed <= 0 || total <= 0:
		return nil
	case float64(failed)/float64(total) >= abortRatio:
		return &domain.JobAbortedError{Failed: failed, Total: total}
	default:
		return &domain.PartialCoverageWarning{Failed: failed, Total: total}
	}
}

// retryable reports whether another attempt could succeed. Bad service
// configuration and explicit service exceptions fail the cell at once.
func retryable(err error) bool {
	var cfgErr *domain.ConfigError
	return !errors.As(err, &cfgErr) && !errors.Is(err, domain.ErrServiceRejected)
}

// ConfigErrorOf returns the configuration error that failed any of tiles.
func ConfigErrorOf(tiles []domain.FetchedTile) error {
	for _, t := range tiles {
		var cfgErr *domain.ConfigError
		if errors.As(t.Err, &cfgErr) {
			return cfgErr
		}
	}
	return nil
}

func asFetchError(cell domain.RasterCell, attempts int, err error) error {
	if err == nil {
		err = errEmptyResponse
	}
	fe := &domain.FetchError{Cell: cell.Label(), Attempts: attempts, Err: err}
	var inner *domain.FetchError
	if errors.As(err, &inner) {
		fe.StatusCode = inner.StatusCode
		fe.Err = inner.Err
	}
	return fe
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
