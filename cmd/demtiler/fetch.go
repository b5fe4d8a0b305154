package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jobrunner/demtiler/internal/app"
	"github.com/jobrunner/demtiler/internal/config"
	"github.com/jobrunner/demtiler/internal/domain"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one DEM job in the foreground",
	Long: `Fetch runs a single job synchronously and prints its log and result.

Example:
  demtiler fetch --dem-type national_1s --bbox 152.9,-27.5,153.0,-27.4 --data-type rgb`,
	RunE: runFetch,
}

var demTypesCmd = &cobra.Command{
	Use:   "dem-types",
	Short: "List the configured DEM types",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return printDEMTypes(cmd.OutOrStdout(), cfg.Catalog().Sorted())
	},
}

func init() {
	fetchCmd.Flags().String("dem-type", "national_1s", "DEM type key")
	fetchCmd.Flags().String("bbox", "", "bounding box minLon,minLat,maxLon,maxLat")
	fetchCmd.Flags().String("data-type", "raw", "output type (raw, rgb)")
	fetchCmd.Flags().Float64("resolution", 0, "ground resolution in metres (default: DEM native)")
	fetchCmd.Flags().Int("max-tile-dim", 0, "largest WebP tile edge, rgb only")
	fetchCmd.Flags().StringSlice("preset", nil, "WebP presets (lossless, lossy-<1..100>)")
	fetchCmd.Flags().String("name", "", "optional display name")
	_ = fetchCmd.MarkFlagRequired("bbox")
}

func runFetch(cmd *cobra.Command, _ []string) error {
	req, err := fetchRequest(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = application.Shutdown(context.Background()) }()

	job, err := application.Orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, line := range job.Log {
		fmt.Fprintln(out, line)
	}
	if job.Status != domain.JobComplete {
		if job.Failure != nil {
			return fmt.Errorf("job %s failed (%s): %s", job.Key, job.Failure.Code, job.Failure.Message)
		}
		return fmt.Errorf("job %s ended with status %s", job.Key, job.Status)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job.Result)
}

func fetchRequest(cmd *cobra.Command) (domain.JobRequest, error) {
	flags := cmd.Flags()
	bboxFlag, _ := flags.GetString("bbox")
	bbox, err := parseBBox(bboxFlag)
	if err != nil {
		return domain.JobRequest{}, err
	}
	dataTypeFlag, _ := flags.GetString("data-type")
	dataType, err := domain.ParseDataType(dataTypeFlag)
	if err != nil {
		return domain.JobRequest{}, err
	}

	demType, _ := flags.GetString("dem-type")
	resolution, _ := flags.GetFloat64("resolution")
	maxTileDim, _ := flags.GetInt("max-tile-dim")
	presets, _ := flags.GetStringSlice("preset")
	name, _ := flags.GetString("name")

	return domain.JobRequest{
		DEMType:     demType,
		BBox:        bbox,
		DataType:    dataType,
		Name:        name,
		ResolutionM: resolution,
		MaxTileDim:  maxTileDim,
		Presets:     presets,
	}, nil
}

// parseBBox parses "minLon,minLat,maxLon,maxLat".
func parseBBox(s string) (domain.BoundingBox, error) {
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.BoundingBox{}, &domain.ValidationError{
				Field:   "bbox",
				Value:   s,
				Message: fmt.Sprintf("invalid coordinate %q", p),
			}
		}
		values = append(values, v)
	}
	return domain.BoundingBoxFromSlice(values)
}

func printDEMTypes(w io.Writer, types []domain.DEMType) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tCRS\tRESOLUTION")
	for _, d := range types {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%gm\n", d.Key, d.Name, d.CRS, d.ResolutionM)
	}
	return tw.Flush()
}
