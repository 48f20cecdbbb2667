package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sustainbench-ee/internal/common"
	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/landsat"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/nightlights"
	"sustainbench-ee/internal/offline"
	"sustainbench-ee/internal/pipeline"
	"sustainbench-ee/internal/utils/naming"
)

func newNightlightsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "nightlights [year...]",
		Short: "Show which nightlights product and calibration each survey year uses",
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				fmt.Fprintln(tw, "PRODUCT\tSTART\tEND\tBIAS\tSLOPE")
				for _, r := range nightlights.Records() {
					bias, slope := "-", "-"
					if r.Calibration != nil {
						bias = strconv.FormatFloat(r.Calibration.Bias, 'f', -1, 64)
						slope = strconv.FormatFloat(r.Calibration.Slope, 'f', -1, 64)
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.ID, r.Start, r.End, bias, slope)
				}
				return nil
			}

			fmt.Fprintln(tw, "YEAR\tERA\tSOURCE\tCALIBRATION")
			for _, arg := range args {
				year, err := strconv.Atoi(arg)
				if err != nil {
					return fmt.Errorf("invalid year %q", arg)
				}
				src, err := nightlights.SourceFor(year)
				if err != nil {
					return err
				}
				switch src.Era {
				case nightlights.EraDMSP:
					cal := "none"
					if c := src.Record.Calibration; c != nil {
						cal = fmt.Sprintf("x*%g + %g", c.Slope, c.Bias)
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", year, src.Era, nightlights.DMSPCollection+src.Record.ID, cal)
				case nightlights.EraVIIRS:
					fmt.Fprintf(tw, "%d\t%s\t%s [%s, %s)\tmedian\n", year, src.Era, nightlights.VIIRSCollection, src.Start, src.End)
				}
			}
			return nil
		},
	}
}

func newPreviewCmd(c *cli) *cobra.Command {
	var (
		year       int
		start, end string
		outDir     string
		bands      []string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Render a composite from the offline catalog as GeoTIFFs, one per band",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var img ee.Image
			source := "composite"
			switch {
			case start != "" && end != "":
				if err := common.ValidateDateRange(start, end); err != nil {
					return err
				}
				img = landsat.NewLandsatSR(start, end, nil).MedianComposite()
				source = "landsat"
			case year != 0:
				var err error
				if img, err = pipeline.CompositeImage(year, nil, false); err != nil {
					return err
				}
				if start, end, err = nightlights.SurveyYearToRange(year); err != nil {
					return err
				}
			default:
				return fmt.Errorf("either --year or both --start and --end are required")
			}

			cat, err := offline.LoadCatalog(c.settings.CatalogDir)
			if err != nil {
				return err
			}
			expr, err := ee.Encode(img)
			if err != nil {
				return err
			}
			v, err := offline.NewEvaluator(cat, expr).Evaluate(ctx)
			if err != nil {
				return err
			}
			result, ok := v.(*offline.Image)
			if !ok {
				return fmt.Errorf("composite evaluated to %T, not an image", v)
			}

			if outDir == "" {
				outDir = filepath.Join(c.settings.OutputDir, "preview")
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}

			names := bands
			if len(names) == 0 {
				names = result.BandNames()
			}
			for _, band := range names {
				path := filepath.Join(outDir, naming.PreviewFileName(source, start, end, cat.Grid.Bound(), band))
				if err := writePreview(path, result, cat.Grid, band); err != nil {
					return err
				}
				c.log.Info(ctx, "preview written", logging.String("band", band), logging.String("path", path))
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "survey year: Landsat window year-1..year+1 plus NIGHTLIGHTS")
	cmd.Flags().StringVar(&start, "start", "", "Landsat start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Landsat end date, exclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default <outputDir>/preview)")
	cmd.Flags().StringSliceVar(&bands, "bands", nil, "bands to write (default all)")
	return cmd
}

func writePreview(path string, img *offline.Image, grid offline.Grid, band string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := img.WriteGeoTIFF(f, grid, band); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
