package landsat

import "fmt"

// Band is a canonical band shared by every Landsat sensor after renaming.
type Band int

const (
	Blue Band = iota
	Green
	Red
	NIR
	SWIR1
	SWIR2
	Temp1
	QA
	NumBands
)

var canonicalNames = [NumBands]string{
	Blue:  "BLUE",
	Green: "GREEN",
	Red:   "RED",
	NIR:   "NIR",
	SWIR1: "SWIR1",
	SWIR2: "SWIR2",
	Temp1: "TEMP1",
	QA:    "pixel_qa",
}

func (b Band) String() string {
	if b < 0 || b >= NumBands {
		return fmt.Sprintf("Band(%d)", int(b))
	}
	return canonicalNames[b]
}

// OpticalBands are the surface reflectance bands.
var OpticalBands = []Band{Blue, Green, Red, NIR, SWIR1, SWIR2}

// CanonicalNames returns all canonical band names in band order.
func CanonicalNames() []string {
	out := make([]string, NumBands)
	copy(out, canonicalNames[:])
	return out
}

// Names maps bands to their canonical names.
func Names(bands ...Band) []string {
	out := make([]string, len(bands))
	for i, b := range bands {
		out[i] = b.String()
	}
	return out
}

// Family groups sensors that share a radiometric definition.
type Family int

const (
	FamilyL57 Family = iota
	FamilyL8
)

func (f Family) String() string {
	if f == FamilyL8 {
		return "L8"
	}
	return "L57"
}

// Sensor is a Landsat surface reflectance product.
type Sensor int

const (
	Landsat5 Sensor = iota
	Landsat7
	Landsat8
	numSensors
)

// Sensors lists every sensor in merge order.
var Sensors = []Sensor{Landsat5, Landsat7, Landsat8}

// SensorSpec describes a sensor's collection and its native band ids, indexed
// by canonical band. The fixed array length makes an incomplete mapping a
// compile error.
type SensorSpec struct {
	Name         string
	CollectionID string
	Family       Family
	Native       [NumBands]string
}

var (
	nativeL57 = [NumBands]string{
		Blue: "B1", Green: "B2", Red: "B3", NIR: "B4",
		SWIR1: "B5", SWIR2: "B7", Temp1: "B6", QA: "pixel_qa",
	}
	nativeL8 = [NumBands]string{
		Blue: "B2", Green: "B3", Red: "B4", NIR: "B5",
		SWIR1: "B6", SWIR2: "B7", Temp1: "B10", QA: "pixel_qa",
	}

	sensorSpecs = [numSensors]SensorSpec{
		Landsat5: {Name: "Landsat 5", CollectionID: "LANDSAT/LT05/C01/T1_SR", Family: FamilyL57, Native: nativeL57},
		Landsat7: {Name: "Landsat 7", CollectionID: "LANDSAT/LE07/C01/T1_SR", Family: FamilyL57, Native: nativeL57},
		Landsat8: {Name: "Landsat 8", CollectionID: "LANDSAT/LC08/C01/T1_SR", Family: FamilyL8, Native: nativeL8},
	}
)

func init() {
	if err := validateSpecs(sensorSpecs[:]); err != nil {
		panic(err)
	}
}

// validateSpecs rejects mappings with empty or duplicated native band ids.
func validateSpecs(specs []SensorSpec) error {
	for _, s := range specs {
		if s.CollectionID == "" {
			return fmt.Errorf("landsat: sensor %q has no collection id", s.Name)
		}
		seen := make(map[string]Band, NumBands)
		for b := Band(0); b < NumBands; b++ {
			id := s.Native[b]
			if id == "" {
				return fmt.Errorf("landsat: sensor %q has no native band for %s", s.Name, b)
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("landsat: sensor %q maps %s and %s to %s", s.Name, prev, b, id)
			}
			seen[id] = b
		}
	}
	return nil
}

// Spec returns the sensor's static description.
func (s Sensor) Spec() SensorSpec {
	if s < 0 || s >= numSensors {
		panic(fmt.Sprintf("landsat: unknown sensor %d", int(s)))
	}
	return sensorSpecs[s]
}

func (s Sensor) String() string {
	if s < 0 || s >= numSensors {
		return fmt.Sprintf("Sensor(%d)", int(s))
	}
	return sensorSpecs[s].Name
}

// NativeNames returns the sensor's band ids in canonical band order.
func (s Sensor) NativeNames() []string {
	spec := s.Spec()
	out := make([]string, NumBands)
	copy(out, spec.Native[:])
	return out
}
