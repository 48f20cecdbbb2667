package patches

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/jszwec/csvutil"
	"github.com/paulmach/orb"

	"sustainbench-ee/internal/ee"
)

// Point is one survey location with its tabular properties.
type Point struct {
	Lat   float64
	Lon   float64
	Props map[string]any
}

// Geometry returns the point in (lon, lat) order.
func (p Point) Geometry() orb.Point { return orb.Point{p.Lon, p.Lat} }

// Feature converts the point to a server-side feature carrying every property.
func (p Point) Feature() ee.Feature {
	return ee.NewFeature(ee.Point(p.Lon, p.Lat), p.Props)
}

type latLonRow struct {
	Lat float64 `csv:"lat"`
	Lon float64 `csv:"lon"`
}

// LoadPointsCSV reads a CSV with a header row. The columns named latCol and
// lonCol hold the coordinates; every column, coordinates included, is kept as
// a property. Values that parse as finite numbers are stored as float64;
// everything else, including "NaN" and "Inf", stays a string.
func LoadPointsCSV(r io.Reader, latCol, lonCol string) ([]Point, error) {
	if latCol == "" {
		latCol = "lat"
	}
	if lonCol == "" {
		lonCol = "lon"
	}

	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	// Rename the coordinate columns so the decoder can bind them to
	// latLonRow regardless of what the file calls them.
	bound := make([]string, len(header))
	foundLat, foundLon := false, false
	for i, h := range header {
		switch h {
		case latCol:
			bound[i] = "lat"
			foundLat = true
		case lonCol:
			bound[i] = "lon"
			foundLon = true
		default:
			bound[i] = "\x00" + h
		}
	}
	if !foundLat || !foundLon {
		return nil, fmt.Errorf("CSV header %v lacks coordinate columns %q and %q", header, latCol, lonCol)
	}

	dec, err := csvutil.NewDecoder(reader, bound...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV decoder: %w", err)
	}

	var points []Point
	for {
		var row latLonRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode CSV row %d: %w", len(points)+1, err)
		}
		if !validCoord(row.Lat, 90) || !validCoord(row.Lon, 180) {
			return nil, fmt.Errorf("CSV row %d: invalid coordinates lat=%v lon=%v", len(points)+1, row.Lat, row.Lon)
		}
		record := dec.Record()
		props := make(map[string]any, len(header))
		for i, h := range header {
			if i < len(record) {
				props[h] = parseValue(record[i])
			}
		}
		points = append(points, Point{Lat: row.Lat, Lon: row.Lon, Props: props})
	}
	return points, nil
}

func validCoord(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

func parseValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}

// FeatureCollection converts points to a server-side collection in order.
func FeatureCollection(points []Point) ee.FeatureCollection {
	features := make([]ee.Feature, len(points))
	for i, p := range points {
		features[i] = p.Feature()
	}
	return ee.NewFeatureCollection(features)
}

// Bound returns the bounding box of the points padded by pad degrees.
func Bound(points []Point, pad float64) orb.Bound {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = p.Geometry()
	}
	return mp.Bound().Pad(pad)
}

// Chunk groups points into batches of at most size, preserving order.
func Chunk(points []Point, size int) [][]Point {
	if size <= 0 {
		size = len(points)
	}
	if size == 0 {
		return nil
	}

	batches := make([][]Point, 0, (len(points)+size-1)/size)
	for i := 0; i < len(points); i += size {
		end := i + size
		if end > len(points) {
			end = len(points)
		}
		batches = append(batches, points[i:end])
	}

	return batches
}
