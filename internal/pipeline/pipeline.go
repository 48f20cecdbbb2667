// Package pipeline turns survey points into patch exports: one Landsat plus
// nightlights composite per survey year, sampled around each point and
// exported in fixed-size chunks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/landsat"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/internal/nightlights"
	"sustainbench-ee/internal/patches"
	"sustainbench-ee/internal/utils/naming"
)

// DefaultRegionPad is the margin in degrees added around a chunk's points
// when filtering scenes.
const DefaultRegionPad = 0.1

// Survey is the set of points collected in one country and year
type Survey struct {
	Country string
	Year    int
	Points  []patches.Point
}

// GroupSurveys splits points by the values of countryCol and yearCol. The
// result is sorted by country then year; points keep their input order.
func GroupSurveys(points []patches.Point, countryCol, yearCol string) ([]Survey, error) {
	type key struct {
		country string
		year    int
	}
	groups := make(map[key]*Survey)
	for i, p := range points {
		country, ok := p.Props[countryCol]
		if !ok {
			return nil, fmt.Errorf("point %d has no %q column", i, countryCol)
		}
		year, err := yearOf(p.Props[yearCol])
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		k := key{fmt.Sprint(country), year}
		s, ok := groups[k]
		if !ok {
			s = &Survey{Country: k.country, Year: k.year}
			groups[k] = s
		}
		s.Points = append(s.Points, p)
	}

	out := make([]Survey, 0, len(groups))
	for _, s := range groups {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

func yearOf(v any) (int, error) {
	switch y := v.(type) {
	case float64:
		if y != float64(int(y)) {
			return 0, fmt.Errorf("year %v is not a whole number", y)
		}
		return int(y), nil
	case int:
		return y, nil
	case string:
		n, err := strconv.Atoi(y)
		if err != nil {
			return 0, fmt.Errorf("invalid year %q", y)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing year")
	}
	return 0, fmt.Errorf("invalid year %v (%T)", v, v)
}

// CompositeImage builds the image sampled for a survey year: the masked
// Landsat median over the three-year window centred on year plus the
// NIGHTLIGHTS band, and LON/LAT when addLatLon is set.
func CompositeImage(year int, region *ee.Geometry, addLatLon bool) (ee.Image, error) {
	start, end, err := nightlights.SurveyYearToRange(year)
	if err != nil {
		return ee.Image{}, err
	}
	lights, err := nightlights.Composite(year)
	if err != nil {
		return ee.Image{}, err
	}
	img := landsat.NewLandsatSR(start, end, region).MedianComposite().AddBands(lights)
	if addLatLon {
		img = patches.AddLatLon(img)
	}
	return img, nil
}

// Config controls how surveys are exported
type Config struct {
	Patch     patches.Options
	ChunkSize int
	AddLatLon bool
	RegionPad float64 // degrees; 0 means DefaultRegionPad, negative disables the filter

	Target string
	Bucket string
	Prefix string

	Selectors     []string
	DropSelectors []string
}

// Job is one planned export
type Job struct {
	Country  string
	Year     int
	Chunk    int
	FileName string
	Points   []patches.Point
}

// Plan splits every survey into chunks. It does not touch a backend. Two
// surveys whose names map to the same file name are an error, since the
// file name is also the task id.
func Plan(surveys []Survey, chunkSize int) ([]Job, error) {
	var jobs []Job
	owner := make(map[string]string)
	for _, s := range surveys {
		for i, chunk := range patches.Chunk(s.Points, chunkSize) {
			name := naming.ExportFileName(s.Country, s.Year, i)
			if prev, ok := owner[name]; ok {
				return nil, fmt.Errorf("surveys %q and %q both export as %s", prev, s.Country, name)
			}
			owner[name] = s.Country
			jobs = append(jobs, Job{
				Country:  s.Country,
				Year:     s.Year,
				Chunk:    i,
				FileName: name,
				Points:   chunk,
			})
		}
	}
	return jobs, nil
}

// Pipeline submits planned jobs through an exporter
type Pipeline struct {
	exporter *export.Exporter
	cfg      Config
	log      logging.Logger
	tracer   trace.Tracer
}

// New creates a pipeline
func New(exporter *export.Exporter, cfg Config, log logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Noop()
	}
	return &Pipeline{
		exporter: exporter,
		cfg:      cfg,
		log:      log.With(logging.String("component", "pipeline")),
		tracer:   otel.Tracer("sustainbench-ee/pipeline"),
	}
}

// Collection builds the patch collection for one job
func (p *Pipeline) Collection(job Job) (ee.FeatureCollection, error) {
	var region *ee.Geometry
	if pad := p.regionPad(); pad >= 0 {
		g := ee.FromOrb(patches.Bound(job.Points, pad))
		region = &g
	}
	img, err := CompositeImage(job.Year, region, p.cfg.AddLatLon)
	if err != nil {
		return ee.FeatureCollection{}, err
	}
	return patches.Sample(img, patches.FeatureCollection(job.Points), p.cfg.Patch), nil
}

func (p *Pipeline) regionPad() float64 {
	if p.cfg.RegionPad == 0 {
		return DefaultRegionPad
	}
	return p.cfg.RegionPad
}

// Submit starts one export per job, in order. A job that fails to start is
// logged and skipped; the joined failures are returned with every task that
// did start. Only context cancellation stops the loop early.
func (p *Pipeline) Submit(ctx context.Context, jobs []Job) ([]*export.ExportTask, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(attribute.Int("pipeline.jobs", len(jobs))))
	defer span.End()

	tasks := make([]*export.ExportTask, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		task, err := p.submit(ctx, job)
		if err != nil {
			p.log.Warn(ctx, "chunk not submitted", logging.String("file", job.FileName), logging.Err(err))
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, task)
	}
	if len(errs) > 0 {
		span.SetStatus(codes.Error, "submission failures")
	}
	return tasks, errors.Join(errs...)
}

func (p *Pipeline) submit(ctx context.Context, job Job) (*export.ExportTask, error) {
	coll, err := p.Collection(job)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", job.FileName, err)
	}
	task, err := p.exporter.Start(ctx, coll, export.Params{
		Target:        p.cfg.Target,
		Bucket:        p.cfg.Bucket,
		Prefix:        p.cfg.Prefix,
		FileName:      job.FileName,
		Selectors:     p.cfg.Selectors,
		DropSelectors: p.cfg.DropSelectors,
	})
	if err != nil {
		return nil, err
	}
	p.log.Debug(ctx, "chunk submitted",
		logging.String("file", job.FileName),
		logging.Int("points", len(job.Points)),
	)
	return task, nil
}

// Run groups, plans and submits points
func (p *Pipeline) Run(ctx context.Context, points []patches.Point, countryCol, yearCol string) ([]*export.ExportTask, error) {
	surveys, err := GroupSurveys(points, countryCol, yearCol)
	if err != nil {
		return nil, err
	}
	for _, s := range surveys {
		if err := nightlights.ValidateYear(s.Year); err != nil {
			return nil, fmt.Errorf("survey %s: %w", s.Country, err)
		}
	}
	jobs, err := Plan(surveys, p.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	p.log.Info(ctx, "submitting exports",
		logging.Int("surveys", len(surveys)),
		logging.Int("exports", len(jobs)),
		logging.Int("points", len(points)),
	)
	return p.Submit(ctx, jobs)
}
