// Package patches samples square image neighbourhoods around survey points.
package patches

import (
	"sustainbench-ee/internal/ee"
)

const (
	// Projection is the fixed sampling projection.
	Projection = "EPSG:3857"

	// DefaultTileScale trades memory for parallelism on the backend; it does
	// not change results.
	DefaultTileScale = 12
)

// Options controls patch extraction.
type Options struct {
	// Scale is the ground sample distance in meters.
	Scale float64
	// Radius is the kernel radius in pixels; patches are (2r+1)x(2r+1).
	Radius int
	// TileScale is an execution hint. Zero means DefaultTileScale.
	TileScale float64
}

func (o Options) tileScale() float64 {
	if o.TileScale <= 0 {
		return DefaultTileScale
	}
	return o.TileScale
}

// PatchSize is the side length of a patch in pixels.
func (o Options) PatchSize() int { return 2*o.Radius + 1 }

// ArrayPatches converts every pixel of img into the array of its square
// neighbourhood. Neighbours that are still masked become 0.
func ArrayPatches(img ee.Image, radius int) ee.Image {
	return img.NeighborhoodToArray(ee.SquareKernel(float64(radius), "pixels"))
}

// SamplePatch samples the array image at one point and copies the point's
// properties onto the sample. Nulls are kept, so every point yields exactly
// one feature.
func SamplePatch(point ee.Feature, arrays ee.Image, opts Options) ee.Feature {
	samples := arrays.Sample(ee.SampleOptions{
		Region:     point.Geometry(),
		Scale:      opts.Scale,
		Projection: Projection,
		DropNulls:  false,
		TileScale:  opts.tileScale(),
	})
	return samples.First().CopyProperties(point)
}

// Sample extracts one patch per point. The output has the same cardinality
// and order as points.
func Sample(img ee.Image, points ee.FeatureCollection, opts Options) ee.FeatureCollection {
	arrays := ArrayPatches(img, opts.Radius)
	// sampleRegions does not scale to large collections; map a per-point
	// sample instead.
	return points.Map(func(pt ee.Feature) ee.Feature {
		return SamplePatch(pt, arrays, opts)
	})
}

// AddLatLon appends LON and LAT bands holding each pixel's coordinates.
func AddLatLon(img ee.Image) ee.Image {
	latlon := ee.PixelLonLat().Rename("LON", "LAT")
	return img.AddBands(latlon)
}
