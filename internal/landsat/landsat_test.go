package landsat

import (
	"strings"
	"testing"
)

func TestCanonicalNames(t *testing.T) {
	want := "BLUE,GREEN,RED,NIR,SWIR1,SWIR2,TEMP1,pixel_qa"
	if got := strings.Join(CanonicalNames(), ","); got != want {
		t.Fatalf("CanonicalNames = %s, want %s", got, want)
	}
}

func TestNativeBandMappings(t *testing.T) {
	tests := []struct {
		sensor Sensor
		want   string
		coll   string
	}{
		{Landsat5, "B1,B2,B3,B4,B5,B7,B6,pixel_qa", "LANDSAT/LT05/C01/T1_SR"},
		{Landsat7, "B1,B2,B3,B4,B5,B7,B6,pixel_qa", "LANDSAT/LE07/C01/T1_SR"},
		{Landsat8, "B2,B3,B4,B5,B6,B7,B10,pixel_qa", "LANDSAT/LC08/C01/T1_SR"},
	}
	for _, tt := range tests {
		if got := strings.Join(tt.sensor.NativeNames(), ","); got != tt.want {
			t.Fatalf("%s native = %s, want %s", tt.sensor, got, tt.want)
		}
		if got := tt.sensor.Spec().CollectionID; got != tt.coll {
			t.Fatalf("%s collection = %s, want %s", tt.sensor, got, tt.coll)
		}
	}
}

func TestValidateSpecsRejectsIncompleteMapping(t *testing.T) {
	broken := sensorSpecs[Landsat8]
	broken.Native[Temp1] = ""
	if err := validateSpecs([]SensorSpec{broken}); err == nil {
		t.Fatalf("expected an error for a missing native band")
	}

	dup := sensorSpecs[Landsat5]
	dup.Native[NIR] = dup.Native[Red]
	if err := validateSpecs([]SensorSpec{dup}); err == nil {
		t.Fatalf("expected an error for a duplicated native band")
	}

	if err := validateSpecs(sensorSpecs[:]); err != nil {
		t.Fatalf("built-in specs: %v", err)
	}
}

func TestQAMasked(t *testing.T) {
	tests := []struct {
		qa   uint16
		want bool
	}{
		{0, false},
		{1 << QAClear, false},
		{1 << QAWater, false},
		{1 << QACloudShadow, true},
		{1 << QASnow, true},
		{1 << QACloud, true},
		{0b101000, true},
		{0b000100, false},
		{0b000110, false},
	}
	for _, tt := range tests {
		if got := QAMasked(tt.qa); got != tt.want {
			t.Fatalf("QAMasked(%#b) = %v, want %v", tt.qa, got, tt.want)
		}
	}
}

func TestScalingIsSharedAcrossFamilies(t *testing.T) {
	for _, f := range []Family{FamilyL57, FamilyL8} {
		sc := ScalingFor(f)
		if sc.OpticalMax != 10000 || sc.OpticalScale != 0.0001 || sc.ThermalScale != 0.1 {
			t.Fatalf("%s scaling = %+v", f, sc)
		}
	}
}
