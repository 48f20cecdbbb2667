package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sustainbench-ee/internal/ee"
	"sustainbench-ee/internal/export"
	"sustainbench-ee/internal/landsat"
	"sustainbench-ee/internal/nightlights"
	"sustainbench-ee/internal/offline"
	"sustainbench-ee/internal/patches"
	"sustainbench-ee/pkg/tfrecord"
)

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func millis(date string) float64 {
	ts, _ := time.Parse("2006-01-02", date)
	return float64(ts.UnixMilli())
}

func newCatalog(t *testing.T) *offline.Catalog {
	t.Helper()
	cat, err := offline.NewCatalog(offline.Grid{Width: 3, Height: 3, OriginX: 0, OriginY: 300, PixelSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range landsat.Sensors {
		cat.AddCollection(s.Spec().CollectionID)
	}
	cat.AddCollection(nightlights.VIIRSCollection)

	n := cat.Grid.Len()
	l8 := &offline.Image{ID: "LC08_2015", Props: map[string]any{ee.SystemTimeStart: millis("2015-07-01")}}
	raw := [landsat.NumBands]float64{1000, 2000, 3000, 4000, 5000, 6000, 2900, 0}
	for b, name := range landsat.Landsat8.NativeNames() {
		l8.Bands = append(l8.Bands, offline.NewBand(name, fill(n, raw[b])))
	}
	if err := cat.AddToCollection(landsat.Landsat8.Spec().CollectionID, l8); err != nil {
		t.Fatal(err)
	}

	for i, month := range []string{"2014-03-01", "2015-03-01", "2016-03-01", "2017-03-01"} {
		img := &offline.Image{
			ID:    nightlights.VIIRSCollection + "/" + month,
			Bands: []*offline.Band{offline.NewBand(nightlights.VIIRSBand, fill(n, float64(i+1)))},
			Props: map[string]any{ee.SystemTimeStart: millis(month)},
		}
		if err := cat.AddToCollection(nightlights.VIIRSCollection, img); err != nil {
			t.Fatal(err)
		}
	}
	return cat
}

func point(cat *offline.Catalog, col, row int, country string, year any) patches.Point {
	c := cat.Grid.Center(col, row)
	return patches.Point{Lat: c.Lat(), Lon: c.Lon(), Props: map[string]any{
		"country": country, "year": year, "lat": c.Lat(), "lon": c.Lon(),
	}}
}

func TestGroupSurveys(t *testing.T) {
	pts := []patches.Point{
		{Props: map[string]any{"country": "ng", "year": 2015.0, "i": 0.0}},
		{Props: map[string]any{"country": "angola", "year": "2011", "i": 1.0}},
		{Props: map[string]any{"country": "ng", "year": 2015.0, "i": 2.0}},
		{Props: map[string]any{"country": "ng", "year": 2010.0, "i": 3.0}},
	}
	surveys, err := GroupSurveys(pts, "country", "year")
	if err != nil {
		t.Fatalf("GroupSurveys: %v", err)
	}
	if len(surveys) != 3 {
		t.Fatalf("surveys = %d, want 3", len(surveys))
	}
	if surveys[0].Country != "angola" || surveys[1].Year != 2010 || surveys[2].Year != 2015 {
		t.Fatalf("order = %+v", surveys)
	}
	if got := surveys[2].Points; len(got) != 2 || got[0].Props["i"] != 0.0 || got[1].Props["i"] != 2.0 {
		t.Fatalf("points not in input order: %v", got)
	}
}

func TestGroupSurveysErrors(t *testing.T) {
	cases := [][]patches.Point{
		{{Props: map[string]any{"year": 2015.0}}},
		{{Props: map[string]any{"country": "ng"}}},
		{{Props: map[string]any{"country": "ng", "year": 2015.5}}},
		{{Props: map[string]any{"country": "ng", "year": "soon"}}},
	}
	for i, pts := range cases {
		if _, err := GroupSurveys(pts, "country", "year"); err == nil {
			t.Errorf("case %d: expected an error", i)
		}
	}
}

func TestPlanChunksAndNames(t *testing.T) {
	surveys := []Survey{
		{Country: "ng", Year: 2015, Points: make([]patches.Point, 5)},
		{Country: "mw", Year: 2010, Points: make([]patches.Point, 2)},
	}
	jobs, err := Plan(surveys, 2)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"ng_2015_00", "ng_2015_01", "ng_2015_02", "mw_2010_00"}
	if len(jobs) != len(want) {
		t.Fatalf("jobs = %d, want %d", len(jobs), len(want))
	}
	for i, j := range jobs {
		if j.FileName != want[i] {
			t.Fatalf("job %d = %s, want %s", i, j.FileName, want[i])
		}
	}
	if len(jobs[2].Points) != 1 {
		t.Fatalf("last chunk = %d points", len(jobs[2].Points))
	}
}

func TestCompositeImageRejectsYear(t *testing.T) {
	if _, err := CompositeImage(1990, nil, false); err == nil {
		t.Fatalf("expected an error for 1990")
	}
}

func readRecords(t *testing.T, path string) []tfrecord.Example {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	r := tfrecord.NewReader(bytes.NewReader(data))
	var out []tfrecord.Example
	for {
		rec, err := r.Next()
		if err != nil {
			break
		}
		ex, err := tfrecord.UnmarshalExample(rec)
		if err != nil {
			t.Fatalf("UnmarshalExample: %v", err)
		}
		out = append(out, ex)
	}
	return out
}

func TestRunExportsEveryPoint(t *testing.T) {
	cat := newCatalog(t)
	x := offline.NewExecutor(cat, t.TempDir(), nil)
	exp := export.NewExporter(x)
	p := New(exp, Config{
		Patch:         patches.Options{Scale: 100, Radius: 1},
		ChunkSize:     2,
		AddLatLon:     true,
		Target:        "gcs",
		Bucket:        "bkt",
		Prefix:        "dhs",
		DropSelectors: []string{"lat", "lon"},
	}, nil)

	points := []patches.Point{
		point(cat, 1, 1, "ng", 2015.0),
		point(cat, 0, 0, "ng", 2015.0),
		point(cat, 2, 2, "ng", 2015.0),
	}
	tasks, err := p.Run(context.Background(), points, "country", "year")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	x.Wait()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}

	var total int
	for _, task := range tasks {
		op, err := x.GetOperation(context.Background(), task.Operation)
		if err != nil {
			t.Fatal(err)
		}
		if op.State != export.StateCompleted {
			t.Fatalf("%s: %s %s", task.ID, op.State, op.ErrorMessage)
		}
		total += len(readRecords(t, filepath.Join(x.OutDir, "gcs", "bkt", "dhs", task.FileName+export.FileExtension)))
	}
	if total != len(points) {
		t.Fatalf("records = %d, want %d", total, len(points))
	}

	recs := readRecords(t, filepath.Join(x.OutDir, "gcs", "bkt", "dhs", "ng_2015_00.tfrecord"))
	centre := recs[0]
	if _, ok := centre["lat"]; ok {
		t.Fatalf("dropped selector was exported")
	}
	if got := centre["BLUE"].Floats; len(got) != 9 || absDiff(got[4], 0.1) > 1e-6 {
		t.Fatalf("BLUE = %v", got)
	}
	// VIIRS window for 2015 is 2014-01-01..2016-12-31: months 1, 2, 3
	if got := centre["NIGHTLIGHTS"].Floats; len(got) != 9 || got[4] != 2 {
		t.Fatalf("NIGHTLIGHTS = %v", got)
	}
	if got := centre["LAT"].Floats; len(got) != 9 {
		t.Fatalf("LAT = %v", got)
	}
	if _, ok := centre["pixel_qa"]; ok {
		t.Fatalf("QA band was exported")
	}
	if got := centre["country"].Bytes; len(got) != 1 || string(got[0]) != "ng" {
		t.Fatalf("country = %v", got)
	}
}

func absDiff(a, b float32) float32 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestPlanRejectsCollidingNames(t *testing.T) {
	surveys := []Survey{
		{Country: "Côte d'Ivoire", Year: 2012, Points: make([]patches.Point, 1)},
		{Country: "c-te-d-ivoire", Year: 2012, Points: make([]patches.Point, 1)},
	}
	if _, err := Plan(surveys, 10); err == nil || !strings.Contains(err.Error(), "c-te-d-ivoire_2012_00") {
		t.Fatalf("Plan err = %v, want a file name collision", err)
	}
}

// flakyStart fails the nth table export it is asked to start.
type flakyStart struct {
	export.Backend
	failOn int
	calls  int
}

func (f *flakyStart) StartTableExport(ctx context.Context, req export.TableExportRequest) (string, error) {
	f.calls++
	if f.calls == f.failOn {
		return "", errors.New("quota exceeded")
	}
	return f.Backend.StartTableExport(ctx, req)
}

func TestSubmitContinuesPastFailedStart(t *testing.T) {
	cat := newCatalog(t)
	x := offline.NewExecutor(cat, t.TempDir(), nil)
	p := New(export.NewExporter(&flakyStart{Backend: x, failOn: 2}), Config{
		Patch:     patches.Options{Scale: 100, Radius: 1},
		ChunkSize: 1,
		Target:    "drive",
		Prefix:    "dhs",
	}, nil)

	points := []patches.Point{
		point(cat, 0, 0, "ng", 2015.0),
		point(cat, 1, 1, "ng", 2015.0),
		point(cat, 2, 2, "ng", 2015.0),
	}
	tasks, err := p.Run(context.Background(), points, "country", "year")
	x.Wait()
	if err == nil || !strings.Contains(err.Error(), "ng_2015_01") {
		t.Fatalf("Run err = %v, want the failed chunk named", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	if strings.Join(ids, ",") != "ng_2015_00,ng_2015_02" {
		t.Fatalf("started = %v, want the chunks around the failure", ids)
	}
}
