package naming

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// SanitizeComponent lowercases s and replaces anything outside [a-z0-9-]
// with '-', so it is safe in GCS object names and Drive file names.
func SanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ExportFileName names one export chunk
// Format: {country}_{year}_{chunk:02}
func ExportFileName(country string, year, chunk int) string {
	return fmt.Sprintf("%s_%d_%02d", SanitizeComponent(country), year, chunk)
}

// PreviewFileName names a composite preview GeoTIFF
// Format: {source}_{start}_{end}_{bbox}_{band}.tif
func PreviewFileName(source, start, end string, b orb.Bound, band string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s.tif", SanitizeComponent(source), start, end, BoundString(b), band)
}
