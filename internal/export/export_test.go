package export

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/ratelimit"
)

type step struct {
	state   TaskState
	elapsed time.Duration
	msg     string
	err     error
}

type fakeBackend struct {
	mu       sync.Mutex
	created  time.Time
	scripts  map[string][]step
	calls    map[string]int
	started  []TableExportRequest
	computed []*ee.Expression
	value    any
}

func newFakeBackend(scripts map[string][]step) *fakeBackend {
	return &fakeBackend{
		created: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		scripts: scripts,
		calls:   make(map[string]int),
	}
}

func (f *fakeBackend) ComputeValue(_ context.Context, expr *ee.Expression) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.computed = append(f.computed, expr)
	return f.value, nil
}

func (f *fakeBackend) StartTableExport(_ context.Context, req TableExportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return "projects/p/operations/" + req.Description, nil
}

func (f *fakeBackend) GetOperation(_ context.Context, name string) (*Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[name]
	i := f.calls[name]
	f.calls[name]++
	if i >= len(script) {
		i = len(script) - 1
	}
	s := script[i]
	if s.err != nil {
		return nil, s.err
	}
	return &Operation{
		Name:         name,
		State:        s.state,
		CreateTime:   f.created,
		UpdateTime:   f.created.Add(s.elapsed),
		ErrorMessage: s.msg,
	}, nil
}

func (f *fakeBackend) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func task(id string) *ExportTask {
	return &ExportTask{ID: id, Operation: id, State: StatePending}
}

func newTestWaiter(b Backend, strategy *ratelimit.RetryStrategy, sleeps *int) *Waiter {
	w := NewWaiter(b, ratelimit.NewHandler(strategy, nil))
	w.sleep = func(ctx context.Context, _ time.Duration) error {
		*sleeps++
		return ctx.Err()
	}
	return w
}

func TestWaitReportsEachTaskOnce(t *testing.T) {
	b := newFakeBackend(map[string][]step{
		"a": {{state: StateRunning}, {state: StateCompleted, elapsed: 90 * time.Second}},
		"b": {{state: StatePending}, {state: StateRunning}, {state: StateRunning}, {state: StateFailed, elapsed: 61 * time.Minute, msg: "out of memory"}},
		"c": {{state: StateCancelRequested, elapsed: 5 * time.Minute}},
	})
	sleeps := 0
	w := newTestWaiter(b, nil, &sleeps)

	reports, err := w.Wait(context.Background(), []*ExportTask{task("a"), task("b"), task("c")})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var order []string
	for _, r := range reports {
		order = append(order, r.TaskID)
	}
	if got := strings.Join(order, ","); got != "c,a,b" {
		t.Fatalf("report order = %s, want c,a,b", got)
	}
	if sleeps != 3 {
		t.Fatalf("sleeps = %d, want 3", sleeps)
	}
	for id, want := range map[string]int{"a": 2, "b": 4, "c": 1} {
		if got := b.callCount(id); got != want {
			t.Fatalf("status checks for %s = %d, want %d", id, got, want)
		}
	}

	if reports[1].ElapsedMinutes != 1 {
		t.Fatalf("a elapsed = %d, want 1", reports[1].ElapsedMinutes)
	}
	failed := reports[2]
	if failed.State != StateFailed || failed.ErrorMessage != "out of memory" || failed.ElapsedMinutes != 61 {
		t.Fatalf("b report = %+v", failed)
	}
	var rjf *RemoteJobFailure
	if !errors.As(failed.Err(), &rjf) || rjf.Message != "out of memory" {
		t.Fatalf("b Err() = %v, want RemoteJobFailure", failed.Err())
	}
	if reports[0].Err() != nil {
		t.Fatalf("cancel-requested report should carry no error")
	}
}

func TestWaitDeduplicatesAndSkipsTerminalTasks(t *testing.T) {
	b := newFakeBackend(map[string][]step{
		"a": {{state: StateCompleted}},
	})
	done := task("done")
	done.State = StateCompleted
	sleeps := 0
	w := newTestWaiter(b, nil, &sleeps)

	reports, err := w.Wait(context.Background(), []*ExportTask{task("a"), task("a"), done})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if b.callCount("done") != 0 {
		t.Fatalf("terminal task should not be queried")
	}
	if sleeps != 0 {
		t.Fatalf("sleeps = %d, want 0", sleeps)
	}
}

func TestWaitRetriesTransientErrors(t *testing.T) {
	flaky := &TransientError{StatusCode: 503, Err: errors.New("unavailable")}
	b := newFakeBackend(map[string][]step{
		"a": {{err: flaky}, {err: flaky}, {state: StateCompleted}},
		"b": {{state: StateRunning}, {state: StateCompleted}},
	})
	sleeps := 0
	w := newTestWaiter(b, &ratelimit.RetryStrategy{Intervals: []time.Duration{0}, MaxRetries: 5}, &sleeps)

	reports, err := w.Wait(context.Background(), []*ExportTask{task("a"), task("b")})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	for _, r := range reports {
		if r.State != StateCompleted {
			t.Fatalf("%s state = %s, want COMPLETED", r.TaskID, r.State)
		}
	}
}

func TestWaitAbandonsAfterMaxRetries(t *testing.T) {
	flaky := &TransientError{Err: errors.New("connection reset")}
	b := newFakeBackend(map[string][]step{
		"a": {{err: flaky}},
		"b": {{state: StateRunning}, {state: StateRunning}, {state: StateRunning}, {state: StateRunning}, {state: StateCompleted}},
	})
	sleeps := 0
	w := newTestWaiter(b, &ratelimit.RetryStrategy{Intervals: []time.Duration{0}, MaxRetries: 2}, &sleeps)

	reports, err := w.Wait(context.Background(), []*ExportTask{task("a"), task("b")})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	if reports[0].TaskID != "a" || reports[0].State != StateFailed {
		t.Fatalf("first report = %+v, want a FAILED", reports[0])
	}
	if !strings.Contains(reports[0].ErrorMessage, "connection reset") {
		t.Fatalf("a error = %q", reports[0].ErrorMessage)
	}
	if got := b.callCount("a"); got != 3 {
		t.Fatalf("status checks for a = %d, want 3", got)
	}
	if reports[1].TaskID != "b" || reports[1].State != StateCompleted {
		t.Fatalf("second report = %+v, want b COMPLETED", reports[1])
	}
}

func TestWaitFailsTaskOnPermanentError(t *testing.T) {
	b := newFakeBackend(map[string][]step{
		"a": {{err: errors.New("operation not found")}},
	})
	sleeps := 0
	w := newTestWaiter(b, nil, &sleeps)

	reports, err := w.Wait(context.Background(), []*ExportTask{task("a")})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(reports) != 1 || reports[0].State != StateFailed {
		t.Fatalf("reports = %+v", reports)
	}
	if b.callCount("a") != 1 {
		t.Fatalf("permanent errors should not be retried")
	}
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	b := newFakeBackend(map[string][]step{
		"a": {{state: StateRunning}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWaiter(b, nil)
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	reports, err := w.Wait(ctx, []*ExportTask{task("a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
	if len(reports) != 0 {
		t.Fatalf("reports = %d, want 0", len(reports))
	}
}

func TestReportString(t *testing.T) {
	r := Report{TaskID: "ng_2015_00", State: StateCompleted, ElapsedMinutes: 12}
	if got, want := r.String(), "Task ng_2015_00 finished in 12 min with state: COMPLETED"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	r = Report{TaskID: "x", State: StateFailed, ElapsedMinutes: 0, ErrorMessage: "boom"}
	if got, want := r.String(), "Task x finished in 0 min with state: (FAILED, boom)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func testCollection() ee.FeatureCollection {
	return ee.NewFeatureCollection([]ee.Feature{
		ee.NewFeature(ee.Point(3.4, 6.5), map[string]any{"lat": 6.5, "lon": 3.4, "wealthpooled": 0.3}),
	})
}

func TestStartRejectsUnknownTargetBeforeRemoteCall(t *testing.T) {
	b := newFakeBackend(nil)
	x := NewExporter(b)

	_, err := x.Start(context.Background(), testCollection(), Params{
		Target:        "s3",
		Prefix:        "p",
		FileName:      "f",
		DropSelectors: []string{"lat"},
	})
	var ute *UnsupportedExportTargetError
	if !errors.As(err, &ute) || ute.Target != "s3" {
		t.Fatalf("Start err = %v, want UnsupportedExportTargetError", err)
	}
	if len(b.started) != 0 || len(b.computed) != 0 {
		t.Fatalf("backend was called before validation")
	}
}

func TestStartResolvesDenyListOnce(t *testing.T) {
	b := newFakeBackend(nil)
	b.value = []any{"lon", "wealthpooled"}
	var startedTasks []*ExportTask
	x := NewExporter(b, WithOnStarted(func(t *ExportTask) { startedTasks = append(startedTasks, t) }))

	task, err := x.Start(context.Background(), testCollection(), Params{
		Target:        "gcs",
		Bucket:        "bucket",
		Prefix:        "dhs_tfrecords_raw",
		FileName:      "ng_2015_00",
		DropSelectors: []string{"lat"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(b.computed) != 1 {
		t.Fatalf("value computations = %d, want 1", len(b.computed))
	}
	root, err := b.computed[0].Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if root.FunctionInvocationValue == nil || root.FunctionInvocationValue.FunctionName != "List.removeAll" {
		t.Fatalf("selector expression root = %+v, want List.removeAll", root)
	}

	if len(b.started) != 1 {
		t.Fatalf("exports started = %d, want 1", len(b.started))
	}
	req := b.started[0]
	if got := strings.Join(req.Selectors, ","); got != "lon,wealthpooled" {
		t.Fatalf("selectors = %s", got)
	}
	if req.FileFormat != FileFormat {
		t.Fatalf("file format = %s", req.FileFormat)
	}
	if req.Destination.FileNamePrefix() != "dhs_tfrecords_raw/ng_2015_00" {
		t.Fatalf("file name prefix = %s", req.Destination.FileNamePrefix())
	}
	if task.State != StatePending || task.Operation != "projects/p/operations/ng_2015_00" {
		t.Fatalf("task = %+v", task)
	}
	if len(startedTasks) != 1 {
		t.Fatalf("onStarted calls = %d, want 1", len(startedTasks))
	}
}

func TestResolveSelectorsWithAllowList(t *testing.T) {
	b := newFakeBackend(nil)
	x := NewExporter(b)

	got, err := x.ResolveSelectors(context.Background(), testCollection(), []string{"a", "b", "c"}, []string{"b"})
	if err != nil {
		t.Fatalf("ResolveSelectors: %v", err)
	}
	if strings.Join(got, ",") != "a,c" {
		t.Fatalf("selectors = %v, want [a c]", got)
	}
	if len(b.computed) != 0 {
		t.Fatalf("allow-list subtraction should not call the backend")
	}

	got, err = x.ResolveSelectors(context.Background(), testCollection(), nil, nil)
	if err != nil || got != nil {
		t.Fatalf("no lists = %v, %v; want nil, nil", got, err)
	}
}

func TestDestinationURI(t *testing.T) {
	cases := []struct {
		target, bucket, prefix, name string
		want                         string
	}{
		{"gcs", "b", "dir", "f", "gs://b/dir/f.tfrecord"},
		{"gcs", "b", "", "f", "gs://b/f.tfrecord"},
		{"drive", "", "folder/", "f", "folder/f.tfrecord"},
	}
	for _, c := range cases {
		d, err := NewDestination(c.target, c.bucket, c.prefix, c.name)
		if err != nil {
			t.Fatalf("NewDestination(%s): %v", c.target, err)
		}
		if got := d.URI(); got != c.want {
			t.Fatalf("URI = %s, want %s", got, c.want)
		}
	}
	if _, err := NewDestination("gcs", "", "p", "f"); err == nil {
		t.Fatalf("gcs without bucket should fail")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	s, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	dest := Destination{Target: TargetGCS, Bucket: "b", Prefix: "p", FileName: "f"}
	for _, id := range []string{"z", "a", "m"} {
		if err := s.Add(NewExportTask(id, "op/"+id, dest, nil, now)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	m, _ := s.Get("m")
	m.State = StateCompleted
	if err := s.Update(m); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var ids []string
	for _, task := range reopened.Active() {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "z,a" {
		t.Fatalf("active = %v, want [z a]", ids)
	}
	removed, err := reopened.ClearFinished()
	if err != nil || removed != 1 {
		t.Fatalf("ClearFinished = %d, %v; want 1, nil", removed, err)
	}
	if len(reopened.All()) != 2 {
		t.Fatalf("tasks after clear = %d, want 2", len(reopened.All()))
	}
}

func TestStartReplacesFinishedTask(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	store, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	b := newFakeBackend(nil)
	x := NewExporter(b, WithStore(store))
	params := Params{Target: "drive", Prefix: "dhs", FileName: "nigeria_2015_00"}

	first, err := x.Start(context.Background(), testCollection(), params)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	first.MarkFailed(errors.New("out of memory"), time.Now())
	if err := store.Update(first); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := x.Start(context.Background(), testCollection(), params); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	reopened, err := OpenStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := len(reopened.All()); n != 1 {
		t.Fatalf("stored tasks = %d, want 1", n)
	}
	active := reopened.Active()
	if len(active) != 1 || active[0].ID != "nigeria_2015_00" || active[0].Error != "" {
		t.Fatalf("active = %+v, want the resubmitted task", active)
	}
}

func TestStartRejectsActiveDuplicate(t *testing.T) {
	store, err := OpenStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	b := newFakeBackend(nil)
	x := NewExporter(b, WithStore(store))
	params := Params{Target: "drive", Prefix: "dhs", FileName: "nigeria_2015_00"}

	if _, err := x.Start(context.Background(), testCollection(), params); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err = x.Start(context.Background(), testCollection(), params)
	var active *TaskActiveError
	if !errors.As(err, &active) || active.State != StatePending {
		t.Fatalf("second Start err = %v, want TaskActiveError", err)
	}
	if len(b.started) != 1 {
		t.Fatalf("exports started = %d, want 1", len(b.started))
	}
}

func TestStartRejectsNonFiniteConstant(t *testing.T) {
	b := newFakeBackend(nil)
	x := NewExporter(b)
	coll := ee.NewFeatureCollection([]ee.Feature{
		ee.NewFeature(ee.Point(3.4, 6.5), map[string]any{"wealth": math.NaN()}),
	})
	if _, err := x.Start(context.Background(), coll, Params{Target: "drive", FileName: "f"}); err == nil {
		t.Fatalf("expected an encoding error for NaN")
	}
	if len(b.started) != 0 {
		t.Fatalf("export started with an unencodable graph")
	}
}
