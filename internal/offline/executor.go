package offline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/logging"
	"sustainbench-ee/pkg/tfrecord"
)

// OperationPrefix starts every operation name issued by an Executor
const OperationPrefix = "projects/offline/operations/"

// Executor runs table exports in process and writes TFRecord files under
// OutDir. It implements export.Backend.
type Executor struct {
	Catalog *Catalog
	OutDir  string

	log logging.Logger
	now func() time.Time

	mu  sync.Mutex
	ops map[string]*export.Operation
	wg  sync.WaitGroup
}

// NewExecutor creates an executor over cat writing into outDir
func NewExecutor(cat *Catalog, outDir string, log logging.Logger) *Executor {
	if log == nil {
		log = logging.Noop()
	}
	return &Executor{
		Catalog: cat,
		OutDir:  outDir,
		log:     log.With(logging.String("component", "offline")),
		now:     time.Now,
		ops:     make(map[string]*export.Operation),
	}
}

// SetClock replaces time.Now for operation timestamps
func (x *Executor) SetClock(now func() time.Time) { x.now = now }

var _ export.Backend = (*Executor)(nil)

// ComputeValue evaluates expr and converts the result to JSON-like values.
func (x *Executor) ComputeValue(ctx context.Context, expr *ee.Expression) (any, error) {
	v, err := NewEvaluator(x.Catalog, expr).Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	return plainValue(v)
}

// Evaluate returns the raw evaluated result of expr, images included.
func (x *Executor) Evaluate(ctx context.Context, expr *ee.Expression) (any, error) {
	return NewEvaluator(x.Catalog, expr).Evaluate(ctx)
}

// StartTableExport registers a PENDING operation and runs the export in its
// own goroutine. The caller's context only bounds the submission.
func (x *Executor) StartTableExport(ctx context.Context, req export.TableExportRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Expression == nil {
		return "", fmt.Errorf("export %s has no expression", req.Description)
	}
	if req.FileFormat != "" && req.FileFormat != export.FileFormat {
		return "", fmt.Errorf("unsupported file format %s", req.FileFormat)
	}

	name := OperationPrefix + uuid.NewString()
	now := x.now()
	x.mu.Lock()
	x.ops[name] = &export.Operation{Name: name, State: export.StatePending, CreateTime: now, UpdateTime: now}
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.run(name, req)
	}()
	return name, nil
}

// GetOperation returns a snapshot of an operation
func (x *Executor) GetOperation(ctx context.Context, name string) (*export.Operation, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	op, ok := x.ops[name]
	if !ok {
		return nil, fmt.Errorf("operation %s not found", name)
	}
	snapshot := *op
	snapshot.DestinationURIs = append([]string(nil), op.DestinationURIs...)
	return &snapshot, nil
}

// Wait blocks until every started export has finished
func (x *Executor) Wait() { x.wg.Wait() }

func (x *Executor) update(name string, fn func(op *export.Operation)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	op := x.ops[name]
	fn(op)
	op.UpdateTime = x.now()
}

func (x *Executor) run(name string, req export.TableExportRequest) {
	ctx := context.Background()
	x.update(name, func(op *export.Operation) { op.State = export.StateRunning })

	path, n, err := x.write(ctx, req)
	if err != nil {
		x.log.Warn(ctx, "offline export failed", logging.String("operation", name), logging.Err(err))
		x.update(name, func(op *export.Operation) {
			op.State = export.StateFailed
			op.ErrorMessage = err.Error()
		})
		return
	}
	x.log.Info(ctx, "offline export finished",
		logging.String("operation", name),
		logging.String("path", path),
		logging.Int("records", n),
	)
	x.update(name, func(op *export.Operation) {
		op.State = export.StateCompleted
		op.DestinationURIs = []string{path}
	})
}

// OutputPath is where the file for dest is written under OutDir
func (x *Executor) OutputPath(dest export.Destination) string {
	rel := dest.FileName + export.FileExtension
	if dest.Prefix != "" {
		rel = filepath.Join(filepath.FromSlash(dest.Prefix), rel)
	}
	if dest.Target == export.TargetGCS {
		return filepath.Join(x.OutDir, "gcs", dest.Bucket, rel)
	}
	return filepath.Join(x.OutDir, "drive", rel)
}

func (x *Executor) write(ctx context.Context, req export.TableExportRequest) (string, int, error) {
	v, err := NewEvaluator(x.Catalog, req.Expression).Evaluate(ctx)
	if err != nil {
		return "", 0, err
	}
	features, ok := v.(FeatureCollection)
	if !ok {
		return "", 0, fmt.Errorf("table export needs a feature collection, got %T", v)
	}

	path := x.OutputPath(req.Destination)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := tfrecord.NewWriter(f)
	ints := integerProperties(features)
	for i, feat := range features {
		ex, err := toExample(feat, req.Selectors, ints)
		if err != nil {
			return "", 0, fmt.Errorf("record %d: %w", i, err)
		}
		if err := w.Write(ex.Marshal()); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, fmt.Errorf("failed to flush output: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close output: %w", err)
	}
	return path, w.Count(), nil
}

// integerProperties finds the numeric properties that hold whole numbers in
// every feature. They are written as int64 so ids and counts above 2^24
// survive; float32 cannot represent them.
func integerProperties(features FeatureCollection) map[string]bool {
	ints := make(map[string]bool)
	mixed := make(map[string]bool)
	for _, f := range features {
		for k, v := range f.Props {
			if mixed[k] || v == nil {
				continue
			}
			x, ok := v.(float64)
			if ok && x == math.Trunc(x) && math.Abs(x) < math.MaxInt64 {
				ints[k] = true
				continue
			}
			delete(ints, k)
			mixed[k] = true
		}
	}
	return ints
}

// toExample converts a feature into a tf.train.Example. Null values are
// omitted; a selector naming a missing property is an error. Scalars named
// in ints are written as int64.
func toExample(f *Feature, selectors []string, ints map[string]bool) (tfrecord.Example, error) {
	keys := selectors
	if keys == nil {
		for k := range f.Props {
			if !isSystemProperty(k) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}

	ex := make(tfrecord.Example, len(keys))
	for _, k := range keys {
		v, ok := f.Props[k]
		if !ok {
			return nil, fmt.Errorf("selector %q does not name a property", k)
		}
		switch val := v.(type) {
		case nil:
		case []float64:
			floats := make([]float32, len(val))
			for i, x := range val {
				floats[i] = float32(x)
			}
			ex[k] = tfrecord.Feature{Floats: floats}
		case float64:
			if ints[k] {
				ex[k] = tfrecord.Feature{Ints: []int64{int64(val)}}
				break
			}
			ex[k] = tfrecord.Feature{Floats: []float32{float32(val)}}
		case bool:
			var n int64
			if val {
				n = 1
			}
			ex[k] = tfrecord.Feature{Ints: []int64{n}}
		case string:
			ex[k] = tfrecord.Feature{Bytes: [][]byte{[]byte(val)}}
		default:
			return nil, fmt.Errorf("property %q has unsupported type %T", k, v)
		}
	}
	return ex, nil
}

// plainValue converts evaluated values into what a remote value computation
// would return. Images and collections of images are not plain values.
func plainValue(v any) (any, error) {
	switch val := v.(type) {
	case *Image, ImageCollection:
		return nil, fmt.Errorf("cannot return %T as a value", v)
	case *Feature:
		return map[string]any{"type": "Feature", "properties": val.Props}, nil
	case FeatureCollection:
		out := make([]any, len(val))
		for i, f := range val {
			out[i] = map[string]any{"type": "Feature", "properties": f.Props}
		}
		return map[string]any{"type": "FeatureCollection", "features": out}, nil
	case []any:
		out := make([]any, len(val))
		for i, it := range val {
			p, err := plainValue(it)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}
	return v, nil
}
