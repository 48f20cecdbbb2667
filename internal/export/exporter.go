package export

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/logging"
)

const tracerName = "sustainbench-ee/export"

// Params are the caller-facing export arguments
type Params struct {
	Target   string // "gcs" or "drive"
	Bucket   string // gcs only
	Prefix   string
	FileName string

	// Selectors limits the exported properties; nil keeps all of them.
	Selectors []string
	// DropSelectors are removed from Selectors. Without Selectors they are
	// removed from the properties of the first record.
	DropSelectors []string
}

// Exporter starts table exports on a backend
type Exporter struct {
	backend   Backend
	store     *Store
	metrics   MetricsRecorder
	log       logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
	onStarted func(task *ExportTask)
}

// Option configures an Exporter or a Waiter
type Option func(*options)

type options struct {
	store     *Store
	metrics   MetricsRecorder
	log       logging.Logger
	now       func() time.Time
	onStarted func(*ExportTask)
	onReport  func(Report)
	progress  ProgressSink
}

// WithStore persists tasks as they are started and updated
func WithStore(s *Store) Option { return func(o *options) { o.store = s } }

// WithMetrics records lifecycle metrics
func WithMetrics(m MetricsRecorder) Option { return func(o *options) { o.metrics = m } }

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option { return func(o *options) { o.log = l } }

// WithOnStarted is called after each export is started
func WithOnStarted(fn func(*ExportTask)) Option { return func(o *options) { o.onStarted = fn } }

// WithOnReport is called once for every task that reaches a terminal state
func WithOnReport(fn func(Report)) Option { return func(o *options) { o.onReport = fn } }

// WithProgress sets the progress sink used while waiting
func WithProgress(p ProgressSink) Option { return func(o *options) { o.progress = p } }

func buildOptions(opts []Option) options {
	o := options{
		metrics:  noopMetrics{},
		log:      logging.Noop(),
		now:      time.Now,
		progress: NopProgress{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.log == nil {
		o.log = logging.Noop()
	}
	if o.progress == nil {
		o.progress = NopProgress{}
	}
	return o
}

// NewExporter creates an exporter for backend
func NewExporter(backend Backend, opts ...Option) *Exporter {
	o := buildOptions(opts)
	return &Exporter{
		backend:   backend,
		store:     o.store,
		metrics:   o.metrics,
		log:       o.log.With(logging.String("component", "export")),
		tracer:    otel.Tracer(tracerName),
		now:       o.now,
		onStarted: o.onStarted,
	}
}

// Start validates the destination, resolves selectors and starts the export
// immediately. The returned task is PENDING; use a Waiter to follow it.
func (x *Exporter) Start(ctx context.Context, coll ee.FeatureCollection, p Params) (*ExportTask, error) {
	// Validation happens before any remote call.
	dest, err := NewDestination(p.Target, p.Bucket, p.Prefix, p.FileName)
	if err != nil {
		return nil, err
	}

	if x.store != nil {
		if err := x.store.CheckAvailable(dest.FileName); err != nil {
			return nil, err
		}
	}
	expr, err := ee.Encode(coll)
	if err != nil {
		return nil, fmt.Errorf("failed to encode export %s: %w", dest.FileName, err)
	}

	ctx, span := x.tracer.Start(ctx, "export.Start", trace.WithAttributes(
		attribute.String("export.target", string(dest.Target)),
		attribute.String("export.uri", dest.URI()),
	))
	defer span.End()

	selectors, err := x.ResolveSelectors(ctx, coll, p.Selectors, p.DropSelectors)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve selectors")
		return nil, err
	}

	req := TableExportRequest{
		Expression:  expr,
		Description: dest.FileName,
		Destination: dest,
		FileFormat:  FileFormat,
		Selectors:   selectors,
	}
	opName, err := x.backend.StartTableExport(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start export")
		return nil, fmt.Errorf("failed to start export %s: %w", dest.FileName, err)
	}

	task := NewExportTask(dest.FileName, opName, dest, selectors, x.now())
	span.SetAttributes(attribute.String("export.operation", opName))

	if x.store != nil {
		if err := x.store.Add(task); err != nil {
			// The remote job is already running; keep going without persistence.
			x.log.Warn(ctx, "failed to persist task", logging.String("task_id", task.ID), logging.Err(err))
		}
	}

	x.metrics.ExportStarted(string(dest.Target))
	x.log.Info(ctx, "export started",
		logging.String("task_id", task.ID),
		logging.String("operation", opName),
		logging.String("destination", dest.URI()),
	)
	if x.onStarted != nil {
		x.onStarted(task)
	}
	return task, nil
}

// ResolveSelectors applies the allow/deny rules. When only a deny-list is
// given, the allow-list is the property names of the first record, computed
// once with a single backend call.
func (x *Exporter) ResolveSelectors(ctx context.Context, coll ee.FeatureCollection, allow, deny []string) ([]string, error) {
	if deny == nil {
		return allow, nil
	}
	if allow != nil {
		out := make([]string, 0, len(allow))
		for _, name := range allow {
			if !slices.Contains(deny, name) {
				out = append(out, name)
			}
		}
		return out, nil
	}

	names := coll.First().PropertyNames().RemoveAll(ee.StringList(deny...))
	expr, err := ee.Encode(names)
	if err != nil {
		return nil, fmt.Errorf("failed to encode property names: %w", err)
	}
	v, err := x.backend.ComputeValue(ctx, expr)
	x.metrics.ValueComputed(err)
	if err != nil {
		return nil, fmt.Errorf("failed to compute property names: %w", err)
	}
	return toStrings(v)
}

func toStrings(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("property name %v is %T, not string", item, item)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of property names, got %T", v)
}
