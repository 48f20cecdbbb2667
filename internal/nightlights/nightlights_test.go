package nightlights

import (
	"errors"
	"testing"
)

func TestValidateYear(t *testing.T) {
	for _, year := range []int{1995, 2020, 2025, 0} {
		err := ValidateYear(year)
		var invalid *InvalidYearError
		if !errors.As(err, &invalid) || invalid.Year != year {
			t.Fatalf("ValidateYear(%d) = %v, want InvalidYearError", year, err)
		}
	}
	for year := MinYear; year <= MaxYear; year++ {
		if err := ValidateYear(year); err != nil {
			t.Fatalf("ValidateYear(%d) = %v", year, err)
		}
	}
}

func TestSurveyYearToRange(t *testing.T) {
	start, end, err := SurveyYearToRange(2015)
	if err != nil {
		t.Fatalf("SurveyYearToRange: %v", err)
	}
	if start != "2014-01-01" || end != "2016-12-31" {
		t.Fatalf("range = %s..%s, want 2014-01-01..2016-12-31", start, end)
	}
	if _, _, err := SurveyYearToRange(2020); err == nil {
		t.Fatalf("expected an error for 2020")
	}
}

func TestLookupDMSP(t *testing.T) {
	rec, ok := LookupDMSP(2003)
	if !ok || rec.ID != "F14-F15_20021230-20031127_V4" {
		t.Fatalf("2003 -> %+v, %v", rec, ok)
	}
	if rec.Calibration == nil || rec.Calibration.Bias != 3.736 || rec.Calibration.Slope != 0.797 {
		t.Fatalf("2003 calibration = %+v", rec.Calibration)
	}

	rec, ok = LookupDMSP(2006)
	if !ok || rec.ID != "F16_20051128-20061224_V4" || rec.Calibration != nil {
		t.Fatalf("2006 -> %+v, want the uncalibrated reference composite", rec)
	}

	if _, ok := LookupDMSP(2012); ok {
		t.Fatalf("2012 should not be covered by DMSP")
	}
}

func TestRecordsReturnsACopy(t *testing.T) {
	recs := Records()
	recs[0].Calibration.Bias = 99
	recs[0].ID = "changed"
	rec, _ := LookupDMSP(1996)
	if rec.Calibration.Bias != 4.336 || rec.ID == "changed" {
		t.Fatalf("calibration table was modified through Records")
	}
}

func TestSourceForEveryValidYear(t *testing.T) {
	for year := MinYear; year <= MaxYear; year++ {
		src, err := SourceFor(year)
		if err != nil {
			t.Fatalf("SourceFor(%d): %v", year, err)
		}
		wantEra := EraVIIRS
		if year <= LastDMSPYear {
			wantEra = EraDMSP
		}
		if src.Era != wantEra {
			t.Fatalf("SourceFor(%d).Era = %s, want %s", year, src.Era, wantEra)
		}
		if _, err := Composite(year); err != nil {
			t.Fatalf("Composite(%d): %v", year, err)
		}
	}
}

func TestCompositeRejectsInvalidYear(t *testing.T) {
	_, err := Composite(1995)
	var invalid *InvalidYearError
	if !errors.As(err, &invalid) {
		t.Fatalf("Composite(1995) = %v, want InvalidYearError", err)
	}
}

func TestLinearApply(t *testing.T) {
	l := Linear{Bias: 1.5, Slope: 2}
	if got := l.Apply(3); got != 7.5 {
		t.Fatalf("Apply(3) = %v, want 7.5", got)
	}
}
