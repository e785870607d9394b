package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mrsinham/dicomseg/cmd/dicomseg/tui"
	"github.com/mrsinham/dicomseg/internal/aiseg"
	"github.com/mrsinham/dicomseg/internal/annotation"
	"github.com/mrsinham/dicomseg/internal/config"
	"github.com/mrsinham/dicomseg/internal/dicom"
	"github.com/mrsinham/dicomseg/internal/eventbus"
	"github.com/mrsinham/dicomseg/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultViewportID = "viewport-1"

func phantomCmd() *cobra.Command {
	var opts dicom.PhantomOptions

	cmd := &cobra.Command{
		Use:   "phantom",
		Short: "Generate a synthetic MR series with a bright lesion to segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "dicomseg phantom")
			fmt.Fprintln(out, "================")

			opts.ProgressCallback = func(current, total int) {
				fmt.Fprintf(out, "\r  Slice %d/%d", current, total)
			}
			files, err := dicom.GeneratePhantomSeries(opts)
			if err != nil {
				return fmt.Errorf("generating phantom: %w", err)
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "\n✓ %d slices written to %s\n", len(files), opts.OutputDir)
			if f, ok := lesionSlice(files); ok {
				fmt.Fprintf(out, "  Lesion is largest on slice %d, try:\n", f.InstanceNumber-1)
				fmt.Fprintf(out, "  dicomseg segment --input %s --slice %d --bbox %s\n", opts.OutputDir, f.InstanceNumber-1, f.Lesion)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.OutputDir, "output", "phantom_series", "Output directory")
	cmd.Flags().IntVar(&opts.NumImages, "num-images", 16, "Number of slices")
	cmd.Flags().IntVar(&opts.Size, "size", 128, "Slice width and height in pixels (>= 64)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Seed for reproducibility (derived from the output directory if 0)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, fmt.Sprintf("Parallel workers (default: %d = CPU cores)", dicom.DefaultWorkers()))
	cmd.Flags().StringVar(&opts.PatientName, "patient-name", "", "Patient name (random if empty)")
	cmd.Flags().StringVar(&opts.PatientSex, "patient-sex", "", "Patient sex: M or F (random if empty)")
	return cmd
}

// lesionSlice returns the generated slice with the widest lesion section.
func lesionSlice(files []dicom.GeneratedFile) (dicom.GeneratedFile, bool) {
	var (
		best     dicom.GeneratedFile
		bestArea float64
	)
	for _, f := range files {
		if f.Lesion.Empty() {
			continue
		}
		area := (f.Lesion.MaxX() - f.Lesion.MinX()) * (f.Lesion.MaxY() - f.Lesion.MinY())
		if area > bestArea {
			best, bestArea = f, area
		}
	}
	return best, bestArea > 0
}

type segmentFlags struct {
	input       string
	seriesUID   string
	slice       int
	bbox        string
	layer       string
	output      string
	description string
	previewDir  string
	tags        []string
	stats       bool
}

func segmentCmd(g *globalFlags) *cobra.Command {
	var f segmentFlags

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Segment the object inside a bounding box and write the labelmap as DICOM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g)
			if err != nil {
				return err
			}
			if f.previewDir != "" {
				cfg.Render.OutputDir = f.previewDir
			}
			return runSegment(cmd.Context(), cmd.OutOrStdout(), cfg, logger, f)
		},
	}

	cmd.Flags().StringVar(&f.input, "input", "", "Directory containing the DICOM series (required)")
	cmd.Flags().StringVar(&f.seriesUID, "series", "", "Series instance UID (default: first series found)")
	cmd.Flags().IntVar(&f.slice, "slice", -1, "Zero-based slice index (default: middle slice)")
	cmd.Flags().StringVar(&f.bbox, "bbox", "", "Bounding box minX,minY,maxX,maxY in pixels (required)")
	cmd.Flags().StringVar(&f.layer, "layer", "layer-1", "Layer receiving the result")
	cmd.Flags().StringVar(&f.output, "output", "labelmap_series", "Output directory for the labelmap series")
	cmd.Flags().StringVar(&f.description, "description", "AI Segmentation", "Series description of the labelmap series")
	cmd.Flags().StringVar(&f.previewDir, "preview-dir", "", "Write PNG overlay previews to this directory")
	cmd.Flags().StringArrayVar(&f.tags, "tag", nil, "Set DICOM tag on the labelmap series: 'TagName=Value' (repeatable)")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Print session metrics when done")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("bbox")
	return cmd
}

func runSegment(ctx context.Context, out io.Writer, cfg config.Config, logger zerolog.Logger, f segmentFlags) error {
	bbox, err := annotation.ParseBBox(f.bbox)
	if err != nil {
		return err
	}
	overrides, err := dicom.ParseTagOverrides(f.tags)
	if err != nil {
		return err
	}
	if cfg.Render.OutputDir != "" {
		if err := os.MkdirAll(cfg.Render.OutputDir, 0755); err != nil {
			return fmt.Errorf("create preview directory: %w", err)
		}
	}

	series, err := loadSeries(ctx, f.input, f.seriesUID, cfg.Cache.LoadConcurrency, logger)
	if err != nil {
		return err
	}
	slice := f.slice
	if slice < 0 {
		slice = len(series.Instances) / 2
	}

	reg := prometheus.NewRegistry()
	notes := &aiseg.RecordingNotifier{}
	s, err := session.New(cfg, session.Deps{
		Loader:     dicom.FileLoader{},
		Registerer: reg,
		Notifier:   notes,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close session")
		}
	}()

	if _, err := s.OpenViewport(ctx, defaultViewportID, series.ImageIDs(), series.InstanceMap()); err != nil {
		return err
	}
	if err := s.SelectLayer(defaultViewportID, f.layer); err != nil {
		return err
	}
	started, err := s.StartAI(defaultViewportID, slice)
	if err != nil {
		return err
	}
	if !started {
		return notificationError(notes, "AI segmentation did not start")
	}

	s.DrawBoundingBox(defaultViewportID, bbox)
	s.Wait()

	st := s.Controller().State()
	if st.Err != "" {
		return errors.New(st.Err)
	}
	if st.LastResult == nil {
		return notificationError(notes, "segmentation produced no result")
	}

	files, err := dicom.WriteLabelmapSeries(st.LastResult, s.Cache(), dicom.LabelmapSeriesOptions{
		OutputDir:         f.output,
		SeriesDescription: f.description,
		Overrides:         overrides,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✓ Segmented slice %d of %s\n", slice, series.SeriesUID)
	fmt.Fprintf(out, "  Labelmap series: %d files in %s\n", len(files), f.output)
	if cfg.Render.OutputDir != "" {
		fmt.Fprintf(out, "  Previews: %s\n", cfg.Render.OutputDir)
	}
	if f.stats {
		printEvents(out, s.Bus())
		return printStats(out, reg)
	}
	return nil
}

// statsEvents are the bus events summarized by --stats, in lifecycle order.
var statsEvents = []eventbus.Type{
	eventbus.AISegmentViewport,
	eventbus.AISegmentationStart,
	eventbus.SegmentationDataModified,
	eventbus.AISegmentationSuccess,
	eventbus.AISegmentationError,
	eventbus.AISegmentationCancel,
}

// printEvents writes how many events of each type the run published.
func printEvents(out io.Writer, bus *eventbus.Bus) {
	fmt.Fprintln(out, "\nEvents:")
	for _, t := range statsEvents {
		fmt.Fprintf(out, "  %-60s %d\n", string(t), len(bus.BufferByType(t)))
	}
}

// loadSeries scans dir and picks one series.
func loadSeries(ctx context.Context, dir, seriesUID string, workers int, logger zerolog.Logger) (dicom.Series, error) {
	result, err := dicom.ScanSeries(ctx, dir, workers)
	if err != nil {
		return dicom.Series{}, err
	}
	for _, skipped := range result.Skipped {
		logger.Debug().Str("path", skipped).Msg("not a DICOM file")
	}
	if len(result.Series) == 0 {
		return dicom.Series{}, fmt.Errorf("no DICOM series found in %s", dir)
	}
	if seriesUID == "" {
		return result.Series[0], nil
	}
	for _, s := range result.Series {
		if s.SeriesUID == seriesUID {
			return s, nil
		}
	}
	return dicom.Series{}, fmt.Errorf("series %s not found in %s", seriesUID, dir)
}

func notificationError(notes *aiseg.RecordingNotifier, fallback string) error {
	if n, ok := notes.Last(); ok && n.Level == "error" {
		return errors.New(n.Text)
	}
	return errors.New(fallback)
}

// printStats writes every collected sample as "name{labels} value".
func printStats(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	fmt.Fprintln(out, "\nMetrics:")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(out, "  %-60s %g\n", name, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Fprintf(out, "  %-60s %g\n", name, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(out, "  %-60s count=%d sum=%g\n", name, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}

type interactiveFlags struct {
	input     string
	seriesUID string
	layer     string
}

func interactiveCmd(g *globalFlags) *cobra.Command {
	var f interactiveFlags

	cmd := &cobra.Command{
		Use:     "interactive",
		Aliases: []string{"i"},
		Short:   "Browse a series, paint, undo and run AI segmentation in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g)
			if err != nil {
				return err
			}
			// The TUI owns the terminal.
			if cfg.Log.Level != "debug" {
				logger = zerolog.Nop()
			}

			series, err := loadSeries(cmd.Context(), f.input, f.seriesUID, cfg.Cache.LoadConcurrency, logger)
			if err != nil {
				return err
			}
			notes := &aiseg.RecordingNotifier{}
			s, err := session.New(cfg, session.Deps{Loader: dicom.FileLoader{}, Notifier: notes, Logger: logger})
			if err != nil {
				return err
			}
			defer s.Close()

			return tui.Run(cmd.Context(), s, tui.Options{
				ViewportID:  defaultViewportID,
				Series:      series,
				Layer:       f.layer,
				Notes:       notes,
				PreviewDir:  cfg.Render.OutputDir,
				BrushRadius: 4,
			})
		},
	}

	cmd.Flags().StringVar(&f.input, "input", "", "Directory containing the DICOM series (required)")
	cmd.Flags().StringVar(&f.seriesUID, "series", "", "Series instance UID (default: first series found)")
	cmd.Flags().StringVar(&f.layer, "layer", "layer-1", "Initially selected layer")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func configCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(g)
			if err != nil {
				return err
			}
			return config.WriteYAML(cmd.OutOrStdout(), cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveToYAML(config.Default(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", args[0])
			return nil
		},
	})
	return cmd
}
