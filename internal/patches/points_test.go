package patches

import (
	"strings"
	"testing"

	"sustainbench-ee/internal/ee"
)

const surveyCSV = `country,year,lat,lon,wealthpooled,households
angola,2015,-12.35,13.53,0.25,10
angola,2015,-12.40,13.60,-0.5,8
benin,2012,6.37,2.39,1.1,12
`

func TestLoadPointsCSVKeepsAllColumns(t *testing.T) {
	points, err := LoadPointsCSV(strings.NewReader(surveyCSV), "lat", "lon")
	if err != nil {
		t.Fatalf("LoadPointsCSV: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("points = %d, want 3", len(points))
	}
	p := points[0]
	if p.Lat != -12.35 || p.Lon != 13.53 {
		t.Fatalf("coords = %v,%v", p.Lat, p.Lon)
	}
	if len(p.Props) != 6 {
		t.Fatalf("props = %v, want every column", p.Props)
	}
	if p.Props["country"] != "angola" || p.Props["year"] != 2015.0 || p.Props["wealthpooled"] != 0.25 {
		t.Fatalf("props = %v", p.Props)
	}
	if g := p.Geometry(); g.Lon() != 13.53 || g.Lat() != -12.35 {
		t.Fatalf("geometry = %v, want (lon, lat)", g)
	}
}

func TestLoadPointsCSVCustomColumns(t *testing.T) {
	in := "LATNUM,LONGNUM,id\n1.5,2.5,a\n"
	points, err := LoadPointsCSV(strings.NewReader(in), "LATNUM", "LONGNUM")
	if err != nil {
		t.Fatalf("LoadPointsCSV: %v", err)
	}
	if len(points) != 1 || points[0].Lat != 1.5 || points[0].Lon != 2.5 {
		t.Fatalf("points = %+v", points)
	}
	if points[0].Props["LATNUM"] != 1.5 {
		t.Fatalf("coordinate column not kept as a property: %v", points[0].Props)
	}
}

func TestLoadPointsCSVErrors(t *testing.T) {
	if _, err := LoadPointsCSV(strings.NewReader("a,b\n1,2\n"), "lat", "lon"); err == nil {
		t.Fatalf("expected an error for missing coordinate columns")
	}
	if _, err := LoadPointsCSV(strings.NewReader("lat,lon\nx,2\n"), "", ""); err == nil {
		t.Fatalf("expected an error for a non-numeric latitude")
	}
	if _, err := LoadPointsCSV(strings.NewReader(""), "", ""); err == nil {
		t.Fatalf("expected an error for an empty file")
	}
}

func TestChunk(t *testing.T) {
	points := make([]Point, 7)
	for i := range points {
		points[i].Lat = float64(i)
	}
	batches := Chunk(points, 3)
	if len(batches) != 3 || len(batches[0]) != 3 || len(batches[2]) != 1 {
		t.Fatalf("batches = %d", len(batches))
	}
	if batches[2][0].Lat != 6 {
		t.Fatalf("order not preserved")
	}
	if got := Chunk(points, 0); len(got) != 1 || len(got[0]) != 7 {
		t.Fatalf("size 0 should keep one batch, got %d", len(got))
	}
	if got := Chunk(nil, 3); len(got) != 0 {
		t.Fatalf("empty input gave %d batches", len(got))
	}
}

func TestBound(t *testing.T) {
	points := []Point{{Lat: 1, Lon: 2}, {Lat: -1, Lon: 4}}
	b := Bound(points, 0.5)
	if b.Min.Lon() != 1.5 || b.Max.Lon() != 4.5 || b.Min.Lat() != -1.5 || b.Max.Lat() != 1.5 {
		t.Fatalf("bound = %v", b)
	}
}

func TestPatchSize(t *testing.T) {
	if got := (Options{Radius: 127}).PatchSize(); got != 255 {
		t.Fatalf("PatchSize = %d, want 255", got)
	}
	if got := (Options{}).tileScale(); got != DefaultTileScale {
		t.Fatalf("tileScale = %v, want %v", got, DefaultTileScale)
	}
}

func TestLoadPointsCSVKeepsNonFiniteAsText(t *testing.T) {
	in := "lat,lon,wealth,nightlights,score\n1,2,NaN,+Inf,-inf\n"
	points, err := LoadPointsCSV(strings.NewReader(in), "lat", "lon")
	if err != nil {
		t.Fatalf("LoadPointsCSV: %v", err)
	}
	props := points[0].Props
	if props["wealth"] != "NaN" || props["nightlights"] != "+Inf" || props["score"] != "-inf" {
		t.Fatalf("props = %v, want non-finite values kept as text", props)
	}
	if _, err := ee.Encode(FeatureCollection(points)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestLoadPointsCSVRejectsBadCoordinates(t *testing.T) {
	for _, in := range []string{
		"lat,lon\nNaN,2\n",
		"lat,lon\n1,Inf\n",
		"lat,lon\n91,2\n",
	} {
		if _, err := LoadPointsCSV(strings.NewReader(in), "lat", "lon"); err == nil {
			t.Fatalf("%q: expected a coordinate error", in)
		}
	}
}
