package landsat

import "sustainbench-ee/internal/ee"

// Scaling describes how raw digital numbers map to physical units.
type Scaling struct {
	OpticalMax   float64 // valid optical range is [0, OpticalMax]
	OpticalScale float64 // to reflectance
	ThermalScale float64 // to Kelvin
}

// Collection 1 SR products. Optical: range -20000..16000, valid 0..10000,
// fill -9999, saturation 20000.
var familyScaling = [...]Scaling{
	FamilyL57: {OpticalMax: 10000, OpticalScale: 0.0001, ThermalScale: 0.1},
	FamilyL8:  {OpticalMax: 10000, OpticalScale: 0.0001, ThermalScale: 0.1},
}

// ScalingFor returns the radiometric scaling of a sensor family.
func ScalingFor(f Family) Scaling { return familyScaling[f] }

// Rescale converts a renamed raw scene into reflectance and Kelvin.
//
// Negative optical values are masked. Values above the valid range are
// clamped to it.
func Rescale(img ee.Image, family Family) ee.Image {
	sc := ScalingFor(family)
	opt := img.Select(Names(OpticalBands...), nil)
	therm := img.Select(Names(Temp1), nil)
	qa := img.Select(Names(QA), nil)

	opt = opt.UpdateMask(opt.Gte(0)).Clamp(0, sc.OpticalMax).Multiply(sc.OpticalScale)
	therm = therm.Multiply(sc.ThermalScale)

	scaled := ee.Cat(opt, therm, qa).CopyProperties(img)
	// system properties are not copied
	return scaled.Set(ee.SystemTimeStart, img.Get(ee.SystemTimeStart))
}

// RescaleL57 rescales a Landsat 5 or 7 scene.
func RescaleL57(img ee.Image) ee.Image { return Rescale(img, FamilyL57) }

// RescaleL8 rescales a Landsat 8 scene.
func RescaleL8(img ee.Image) ee.Image { return Rescale(img, FamilyL8) }
