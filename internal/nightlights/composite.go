// Package nightlights builds a single calibrated NIGHTLIGHTS band for a
// survey year, bridging the DMSP (1996-2011) and VIIRS (2012+) eras.
package nightlights

import (
	"fmt"
	"time"

	"sustainbench-ee/internal/common"
	"sustainbench-ee/internal/ee"
)

const (
	DMSPCollection  = "NOAA/DMSP-OLS/CALIBRATED_LIGHTS_V4/"
	VIIRSCollection = "NOAA/VIIRS/DNB/MONTHLY_V1/VCMCFG"

	DMSPBand  = "avg_vis"
	VIIRSBand = "avg_rad"
	BandName  = "NIGHTLIGHTS"

	MinYear      = 1996
	MaxYear      = 2019
	LastDMSPYear = 2011

	// ClampMax is an arbitrary large upper bound that removes radiance spikes
	// while keeping true zero as the lower bound.
	ClampMax = 1e9
)

// InvalidYearError reports a survey year outside [MinYear, MaxYear]. 2020 is
// excluded because a symmetric 3-year window would need 2021 imagery.
type InvalidYearError struct {
	Year int
}

func (e *InvalidYearError) Error() string {
	return fmt.Sprintf("invalid survey year %d: must be between %d and %d (inclusive)", e.Year, MinYear, MaxYear)
}

// ValidateYear returns an *InvalidYearError for unsupported years.
func ValidateYear(year int) error {
	if year < MinYear || year > MaxYear {
		return &InvalidYearError{Year: year}
	}
	return nil
}

// SurveyYearToRange returns the start and end dates of the 3-year window
// centred on year: Jan 1 of year-1 through Dec 31 of year+1.
func SurveyYearToRange(year int) (start, end string, err error) {
	if err := ValidateYear(year); err != nil {
		return "", "", err
	}
	s := time.Date(year-1, time.January, 1, 0, 0, 0, 0, time.UTC)
	e := time.Date(year+1, time.December, 31, 0, 0, 0, 0, time.UTC)
	return common.FormatISO8601(s), common.FormatISO8601(e), nil
}

// Era is the nightlights sensor generation serving a year.
type Era string

const (
	EraDMSP  Era = "DMSP"
	EraVIIRS Era = "VIIRS"
)

// Source describes which imagery Composite uses for a year.
type Source struct {
	Year   int
	Era    Era
	Record Record // DMSP only
	Start  string // VIIRS only
	End    string // VIIRS only
}

// SourceFor resolves the imagery for a survey year without building a graph.
func SourceFor(year int) (Source, error) {
	if err := ValidateYear(year); err != nil {
		return Source{}, err
	}
	if year <= LastDMSPYear {
		rec, ok := LookupDMSP(year)
		if !ok {
			return Source{}, fmt.Errorf("no DMSP composite covers year %d", year)
		}
		return Source{Year: year, Era: EraDMSP, Record: rec}, nil
	}
	start, end, err := SurveyYearToRange(year)
	if err != nil {
		return Source{}, err
	}
	return Source{Year: year, Era: EraVIIRS, Start: start, End: end}, nil
}

// Composite returns one image with a single NIGHTLIGHTS band for the survey
// year. Both source products are global mosaics, so no region filter is used.
func Composite(year int) (ee.Image, error) {
	src, err := SourceFor(year)
	if err != nil {
		return ee.Image{}, err
	}

	var img ee.Image
	switch src.Era {
	case EraDMSP:
		img = ee.LoadImage(DMSPCollection+src.Record.ID).
			Select([]string{DMSPBand}, []string{BandName})
		if c := src.Record.Calibration; c != nil {
			img = img.Multiply(c.Slope).Add(c.Bias)
		}
	case EraVIIRS:
		img = ee.LoadImageCollection(VIIRSCollection).
			FilterDate(src.Start, src.End).
			Select([]string{VIIRSBand}, []string{BandName}).
			Median()
	}
	return img.Clamp(0, ClampMax), nil
}
