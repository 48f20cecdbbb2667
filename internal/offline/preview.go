package offline

import (
	"fmt"
	"io"
	"math"

	"sustainbench-ee/pkg/geotiff"
)

// GeoRef places the grid in EPSG:3857
func (g Grid) GeoRef() *geotiff.GeoRef {
	return &geotiff.GeoRef{
		OriginX:   g.OriginX,
		OriginY:   g.OriginY,
		PixelSize: g.PixelSize,
		EPSG:      geotiff.EPSGWebMercator,
	}
}

// Raster converts a scalar band to float32 with masked pixels as NaN
func (img *Image) Raster(grid Grid, name string) (geotiff.Raster, error) {
	b, ok := img.band(name)
	if !ok {
		return geotiff.Raster{}, fmt.Errorf("image %s has no band %s", img.ID, name)
	}
	if b.IsArray() {
		return geotiff.Raster{}, fmt.Errorf("band %s holds arrays", name)
	}
	if len(b.Data) != grid.Len() {
		return geotiff.Raster{}, fmt.Errorf("band %s has %d pixels, grid has %d", name, len(b.Data), grid.Len())
	}
	nan := float32(math.NaN())
	data := make([]float32, len(b.Data))
	for i, v := range b.Data {
		if b.Mask[i] {
			data[i] = float32(v)
		} else {
			data[i] = nan
		}
	}
	return geotiff.Raster{
		Width:       grid.Width,
		Height:      grid.Height,
		Data:        data,
		NoData:      nan,
		Description: name,
	}, nil
}

// WriteGeoTIFF writes one band of img as a georeferenced float32 GeoTIFF
func (img *Image) WriteGeoTIFF(w io.Writer, grid Grid, band string) error {
	r, err := img.Raster(grid, band)
	if err != nil {
		return err
	}
	return geotiff.Encode(w, r, grid.GeoRef())
}
