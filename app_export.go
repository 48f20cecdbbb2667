package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"

	"sustainbench-ee/internal/common"
	"sustainbench-ee/internal/config"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/patches"
	"sustainbench-ee/internal/pipeline"
	"sustainbench-ee/internal/verify"
)

type exportFlags struct {
	latCol, lonCol      string
	countryCol, yearCol string
	target, bucket      string
	prefix              string
	scale, tileScale    float64
	radius, chunkSize   int
	latlon              bool
	selectors, drop     []string
	wait, verify        bool
	metricsAddr         string
}

func newExportCmd(c *cli) *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export points.csv",
		Short: "Start one patch export per (country, year) chunk of survey points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runExport(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.latCol, "lat-col", "lat", "latitude column")
	cmd.Flags().StringVar(&f.lonCol, "lon-col", "lon", "longitude column")
	cmd.Flags().StringVar(&f.countryCol, "country-col", "country", "country column")
	cmd.Flags().StringVar(&f.yearCol, "year-col", "year", "survey year column")
	cmd.Flags().StringVar(&f.target, "target", "", "export target: gcs or drive (default from settings)")
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "GCS bucket (default from settings)")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "GCS object prefix or Drive folder (default from settings)")
	cmd.Flags().Float64Var(&f.scale, "scale", 0, "meters per pixel (default from settings)")
	cmd.Flags().IntVar(&f.radius, "radius", -1, "patch radius in pixels (default from settings)")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "points per export (default from settings)")
	cmd.Flags().Float64Var(&f.tileScale, "tile-scale", patches.DefaultTileScale, "backend tiling hint")
	cmd.Flags().BoolVar(&f.latlon, "latlon", false, "add LAT and LON bands")
	cmd.Flags().StringSliceVar(&f.selectors, "select", nil, "properties to export (default all)")
	cmd.Flags().StringSliceVar(&f.drop, "drop", nil, "properties to leave out")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "wait for the exports to finish")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "check the output of completed exports (implies --wait)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (c *cli) pipelineConfig(f exportFlags) pipeline.Config {
	s := c.settings
	cfg := pipeline.Config{
		Patch: patches.Options{
			Scale:     s.Scale,
			Radius:    s.Radius,
			TileScale: f.tileScale,
		},
		ChunkSize:     s.ChunkSize,
		AddLatLon:     s.AddLatLon || f.latlon,
		Target:        s.Target,
		Bucket:        s.Bucket,
		Prefix:        s.Prefix,
		Selectors:     f.selectors,
		DropSelectors: f.drop,
	}
	if f.scale > 0 {
		cfg.Patch.Scale = f.scale
	}
	if f.radius >= 0 {
		cfg.Patch.Radius = f.radius
	}
	if f.chunkSize > 0 {
		cfg.ChunkSize = f.chunkSize
	}
	if f.target != "" {
		cfg.Target = f.target
	}
	if f.bucket != "" {
		cfg.Bucket = f.bucket
	}
	if f.prefix != "" {
		cfg.Prefix = f.prefix
	}
	return cfg
}

func (c *cli) runExport(cmd *cobra.Command, csvPath string, f exportFlags) error {
	ctx := cmd.Context()
	if f.metricsAddr != "" {
		c.app.ServeMetrics(ctx, f.metricsAddr)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("failed to open points: %w", err)
	}
	points, err := patches.LoadPointsCSV(file, f.latCol, f.lonCol)
	file.Close()
	if err != nil {
		return err
	}

	exporter, err := c.app.Exporter(ctx)
	if err != nil {
		return err
	}
	cfg := c.pipelineConfig(f)
	p := pipeline.New(exporter, cfg, c.log)

	tasks, runErr := p.Run(ctx, points, f.countryCol, f.yearCol)
	out := cmd.OutOrStdout()
	for _, t := range tasks {
		fmt.Fprintf(out, "Started %s -> %s\n", t.ID, t.Destination().URI())
	}
	if runErr != nil && len(tasks) > 0 {
		c.log.Warn(ctx, "some exports failed to start", logging.Int("started", len(tasks)), logging.Err(runErr))
	}
	if len(tasks) == 0 {
		return runErr
	}

	// Offline operations live in this process only.
	if c.settings.Backend == config.BackendOffline {
		f.wait = true
	}
	if !f.wait && !f.verify {
		fmt.Fprintf(out, "%d exports started. Run `sbexport wait` to follow them.\n", len(tasks))
		return runErr
	}
	return errors.Join(runErr, c.waitTasks(ctx, cmd, tasks, f.verify))
}

func newWaitCmd(c *cli) *cobra.Command {
	var (
		verifyOut   bool
		clearDone   bool
		list        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "wait [task-id...]",
		Short: "Poll started exports until every one has finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := c.app.Store()
			if err != nil {
				return err
			}
			if list {
				return printTasks(cmd, store.All())
			}
			if metricsAddr != "" {
				c.app.ServeMetrics(ctx, metricsAddr)
			}

			var tasks []*export.ExportTask
			if len(args) == 0 {
				tasks = store.Active()
			} else {
				for _, id := range args {
					t, err := store.Get(id)
					if err != nil {
						return err
					}
					tasks = append(tasks, t)
				}
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No active exports.")
				return nil
			}

			waitErr := c.waitTasks(ctx, cmd, tasks, verifyOut)
			if clearDone {
				n, err := store.ClearFinished()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d finished exports.\n", n)
			}
			return waitErr
		},
	}
	cmd.Flags().BoolVar(&verifyOut, "verify", false, "check the output of completed exports")
	cmd.Flags().BoolVar(&clearDone, "clear", false, "forget finished exports afterwards")
	cmd.Flags().BoolVar(&list, "list", false, "list known exports and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func printTasks(cmd *cobra.Command, tasks []*export.ExportTask) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCREATED\tDESTINATION\tERROR")
	for _, t := range tasks {
		created := t.CreatedAt
		if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil {
			created = common.FormatDisplay(ts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.State, created, t.Destination().URI(), t.Error)
	}
	return tw.Flush()
}

// waitTasks polls tasks to completion, optionally verifies completed output,
// and returns the joined failures.
func (c *cli) waitTasks(ctx context.Context, cmd *cobra.Command, tasks []*export.ExportTask, verifyOut bool) error {
	var progress export.ProgressSink = export.NewBarProgress(cmd.ErrOrStderr())
	if c.plain {
		progress = export.LineProgress{W: cmd.ErrOrStderr()}
	}
	w, err := c.app.Waiter(ctx, progress)
	if err != nil {
		return err
	}
	reports, err := w.Wait(ctx, tasks)
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range reports {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}

	if verifyOut {
		if err := c.verifyReports(ctx, cmd, reports); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *cli) verifyReports(ctx context.Context, cmd *cobra.Command, reports []export.Report) error {
	var v verify.Verifier
	if c.settings.Backend == config.BackendOffline {
		if c.app.executor == nil {
			return fmt.Errorf("offline backend is not initialized")
		}
		v = verify.LocalVerifier{Path: c.app.executor.OutputPath}
	} else {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		defer client.Close()
		v = verify.NewGCSVerifier(client)
	}

	var errs []error
	out := cmd.OutOrStdout()
	for _, r := range reports {
		if r.State != export.StateCompleted || r.Task == nil {
			continue
		}
		if c.settings.Backend != config.BackendOffline && r.Task.Target != export.TargetGCS {
			fmt.Fprintf(out, "Skipping %s: only GCS exports can be verified\n", r.TaskID)
			continue
		}
		res, err := v.Verify(ctx, r.Task)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.TaskID, err))
			continue
		}
		if res.Records >= 0 {
			fmt.Fprintf(out, "Verified %s: %d records, %d bytes\n", r.TaskID, res.Records, res.Bytes)
		} else {
			fmt.Fprintf(out, "Verified %s: %d objects, %d bytes\n", r.TaskID, res.Objects, res.Bytes)
		}
	}
	return errors.Join(errs...)
}
