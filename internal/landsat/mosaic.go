package landsat

import (
	"sustainbench-ee/internal/ee"
)

// LandsatSR is the merged Landsat 5/7/8 surface reflectance series for a date
// range. Construction only builds a graph; nothing is fetched until the graph
// is submitted to a backend.
type LandsatSR struct {
	Start, End string
	Filter     *ee.Geometry

	collections [numSensors]ee.ImageCollection
	merged      ee.ImageCollection
}

// NewLandsatSR builds the per-sensor collections, each filtered to
// [start, end) and optionally to filter, renamed to canonical bands and
// rescaled, then merges them in sensor order and sorts by acquisition time.
// Scenes from overlapping sensors are all kept.
func NewLandsatSR(start, end string, filter *ee.Geometry) *LandsatSR {
	sr := &LandsatSR{Start: start, End: end, Filter: filter}
	canonical := CanonicalNames()
	for _, s := range Sensors {
		spec := s.Spec()
		family := spec.Family
		sr.collections[s] = sr.initCollection(spec.CollectionID).
			Select(s.NativeNames(), canonical).
			Map(func(img ee.Image) ee.Image { return Rescale(img, family) })
	}
	merged := sr.collections[Sensors[0]]
	for _, s := range Sensors[1:] {
		merged = merged.Merge(sr.collections[s])
	}
	sr.merged = merged.Sort(ee.SystemTimeStart)
	return sr
}

func (sr *LandsatSR) initCollection(id string) ee.ImageCollection {
	coll := ee.LoadImageCollection(id).FilterDate(sr.Start, sr.End)
	if sr.Filter != nil {
		coll = coll.FilterBounds(*sr.Filter)
	}
	return coll
}

// Sensor returns the renamed and rescaled collection of one sensor.
func (sr *LandsatSR) Sensor(s Sensor) ee.ImageCollection {
	return sr.collections[s]
}

// Merged returns all scenes sorted by acquisition time.
func (sr *LandsatSR) Merged() ee.ImageCollection {
	return sr.merged
}

// MedianComposite masks cloud, shadow and snow in every scene and takes the
// per-pixel median. The QA band is dropped from the result.
func (sr *LandsatSR) MedianComposite() ee.Image {
	return sr.merged.
		Map(MaskQAClear).
		Median().
		Select(Names(Blue, Green, Red, NIR, SWIR1, SWIR2, Temp1), nil)
}
