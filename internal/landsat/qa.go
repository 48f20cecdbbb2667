package landsat

import "sustainbench-ee/internal/ee"

// Pixel QA bit flags, identical across Landsat 5/7/8 Collection 1 SR.
const (
	QAFill        = 0
	QAClear       = 1
	QAWater       = 2
	QACloudShadow = 3
	QASnow        = 4
	QACloud       = 5
)

// MaskedQABits are the flags that invalidate a pixel. Clear and water are
// deliberately not used, so water pixels survive.
var MaskedQABits = []uint{QACloud, QACloudShadow, QASnow}

// MaskQAClear masks every band wherever the pixel_qa band flags cloud,
// cloud shadow or snow.
func MaskQAClear(img ee.Image) ee.Image {
	qa := img.Select(Names(QA), nil)
	for _, bit := range MaskedQABits {
		unflagged := qa.BitwiseAnd(float64(uint(1) << bit)).Eq(0)
		img = img.UpdateMask(unflagged)
	}
	return img
}

// QAMasked reports whether a raw QA value would be masked by MaskQAClear.
func QAMasked(qa uint16) bool {
	for _, bit := range MaskedQABits {
		if qa&(1<<bit) != 0 {
			return true
		}
	}
	return false
}
