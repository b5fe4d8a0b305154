// Package app provides application initialization and wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jobrunner/demtiler/internal/adapters/geotiff"
	httpAdapter "github.com/jobrunner/demtiler/internal/adapters/http"
	"github.com/jobrunner/demtiler/internal/adapters/jobstore"
	"github.com/jobrunner/demtiler/internal/adapters/metrics"
	"github.com/jobrunner/demtiler/internal/adapters/ows"
	"github.com/jobrunner/demtiler/internal/adapters/storage"
	tlsAdapter "github.com/jobrunner/demtiler/internal/adapters/tls"
	"github.com/jobrunner/demtiler/internal/adapters/watcher"
	"github.com/jobrunner/demtiler/internal/adapters/webp"
	"github.com/jobrunner/demtiler/internal/application"
	"github.com/jobrunner/demtiler/internal/config"
	"github.com/jobrunner/demtiler/internal/domain"
	"github.com/jobrunner/demtiler/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Store         output.ArtifactStore
	History       *jobstore.Store
	Tracker       *application.JobTracker
	Orchestrator  *application.Orchestrator
	Catalog       *application.Catalog
	Janitor       *application.Janitor
	HealthService *application.HealthService
	HTTPServer    *httpAdapter.Server
	TLS           *tlsAdapter.Manager
	Watcher       *watcher.Watcher

	ows            *ows.Client
	janitorRunning bool
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	for _, dt := range []domain.DataType{domain.DataTypeRaw, domain.DataTypeRGB} {
		if err := os.MkdirAll(filepath.Join(cfg.Output.Dir, string(dt)), 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	// Initialize metrics
	var metricsCollector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector("demtiler")
		metricsCollector = app.Metrics
	}

	// Job history is optional; keep the interface nil when disabled.
	var history output.JobHistory
	if cfg.Jobs.History.Enabled {
		store, err := jobstore.Open(ctx, cfg.Jobs.History.Path)
		if err != nil {
			return nil, fmt.Errorf("opening job history: %w", err)
		}
		app.History = store
		history = store
	}

	// Initialize publishing
	var publisher *application.Publisher
	if cfg.Publish.Enabled {
		store, err := initStorage(ctx, cfg.Publish.Storage)
		if err != nil {
			app.closeHistory()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Store = store
		publisher = application.NewPublisher(store, cfg.Publish.Prefix, metricsCollector, logger)
	}

	codec, err := geotiff.NewCodec(geotiff.CodecConfig{
		Compression: cfg.Output.Compression,
		FastPNG:     cfg.Output.FastPNG,
	})
	if err != nil {
		app.closeHistory()
		return nil, fmt.Errorf("initializing codec: %w", err)
	}

	client := ows.NewClient(ows.ClientConfig{
		Timeout:   cfg.Fetch.Timeout,
		UserAgent: cfg.Fetch.UserAgent,
		CacheSize: cfg.Fetch.CacheSize,
		CacheTTL:  cfg.Fetch.CacheTTL,
	})
	app.ows = client
	policy := application.RetryPolicy{Attempts: cfg.Fetch.Attempts, Backoff: cfg.Fetch.Backoff}

	coverage := application.NewFetcher(ows.NewCoverageSource(client, codec), policy, cfg.Fetch.Workers, metricsCollector, logger)
	maps := application.NewFetcher(ows.NewMapSource(client), policy, cfg.Fetch.Workers, metricsCollector, logger)

	app.Tracker = application.NewJobTracker(metricsCollector, logger)
	app.Orchestrator = application.NewOrchestrator(
		app.Tracker,
		cfg.Catalog(),
		coverage,
		maps,
		application.NewStitcher(codec, logger),
		codec,
		application.NewTiler(webp.NewEncoder(), cfg.Tiling.TileSize, metricsCollector, logger),
		publisher,
		history,
		metricsCollector,
		logger,
		application.OrchestratorConfig{
			OutputDir:          cfg.Output.Dir,
			CoverageMaxDim:     cfg.Grid.CoverageMaxDim,
			TileMaxDim:         cfg.Grid.TileMaxDim,
			MaxRasterDim:       cfg.Grid.MaxRasterDim,
			AbortRatio:         cfg.Fetch.AbortRatio,
			DefaultPresets:     cfg.Tiling.Presets,
			MinTileSourceBytes: cfg.Tiling.MinSourceBytes,
		},
	)

	app.Catalog = application.NewCatalog(cfg.Output.Dir, logger)
	app.Janitor = application.NewJanitor(app.Tracker, history, cfg.Jobs.Retention, cfg.Jobs.PruneInterval, logger)
	app.HealthService = application.NewHealthService(app.Tracker, app.Catalog, history)

	// Initialize HTTP server
	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		app.Orchestrator,
		app.Catalog,
		app.HealthService,
		logger,
	)
	if app.Metrics != nil {
		app.HTTPServer.EnableMetrics(cfg.Metrics.Path, app.Metrics)
	}

	app.TLS, err = tlsAdapter.NewManager(tlsAdapter.Config{
		Enabled:  cfg.TLS.Enabled,
		Domains:  cfg.TLS.Domains,
		Email:    cfg.TLS.Email,
		CacheDir: cfg.TLS.CacheDir,
		Staging:  cfg.TLS.Staging,
		DNS: tlsAdapter.DNSConfig{
			SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
			ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
			ClientID:          cfg.TLS.DNS.ClientID,
		},
	}, logger)
	if err != nil {
		app.ows.Close()
		app.closeHistory()
		return nil, fmt.Errorf("initializing TLS: %w", err)
	}

	// Watch the output directories so products written or removed outside
	// the API show up in the catalog.
	w, err := watcher.New(
		watcher.Config{
			Paths: []string{
				filepath.Join(cfg.Output.Dir, string(domain.DataTypeRaw)),
				filepath.Join(cfg.Output.Dir, string(domain.DataTypeRGB)),
			},
			Filter: application.IsProductFile,
		},
		app.handleFileEvents,
		logger,
	)
	if err != nil {
		logger.Warn("failed to initialize file watcher", "error", err)
	} else {
		app.Watcher = w
	}

	return app, nil
}

// Start starts the background components and serves HTTP until the server
// stops.
func (a *App) Start(ctx context.Context) error {
	if err := a.StartBackground(ctx); err != nil {
		return err
	}

	var err error
	if a.TLS.Enabled() {
		if err := a.TLS.ManageCertificates(ctx); err != nil {
			return err
		}
		err = a.HTTPServer.StartTLS(a.TLS.TLSConfig())
	} else {
		err = a.HTTPServer.Start()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartBackground loads the catalog and starts the watcher and janitor.
func (a *App) StartBackground(ctx context.Context) error {
	if err := a.Catalog.Refresh(ctx); err != nil {
		a.Logger.Warn("failed to scan output directory", "error", err)
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.Config.Jobs.PruneInterval > 0 {
		a.Janitor.Start(ctx)
		a.janitorRunning = true
	}
	return nil
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		_ = a.Watcher.Stop()
	}

	if a.janitorRunning {
		a.Janitor.Stop()
		a.janitorRunning = false
	}

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := a.Orchestrator.Shutdown(ctx); err != nil {
		// Pipelines that outlived ctx may still fetch through the client.
		a.Logger.Error("pipeline shutdown error", "error", err)
	} else {
		a.ows.Close()
	}

	a.closeHistory()
	return nil
}

func (a *App) closeHistory() {
	if a.History == nil {
		return
	}
	if err := a.History.Close(); err != nil {
		a.Logger.Error("failed to close job history", "error", err)
	}
}

// handleFileEvents rescans the catalog after a batch of product changes.
func (a *App) handleFileEvents(ctx context.Context, events []watcher.Event) error {
	for _, e := range events {
		a.Logger.Debug("product file event", "path", e.Path, "operation", e.Operation.String())
	}
	return a.Catalog.Refresh(ctx)
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ArtifactStore, error) {
	switch output.StorageType(cfg.Type) {
	case output.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case output.StorageTypeS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case output.StorageTypeAzure:
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case output.StorageTypeHTTP:
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
