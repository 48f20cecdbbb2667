// Package offline evaluates computation graphs in process over a small local
// raster catalog. It implements the same backend contract as the Earth Engine
// REST client, so pipelines can be run and tested without a remote service.
package offline

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Grid is the shared EPSG:3857 pixel grid of every raster in a catalog.
// Origin is the top-left corner in meters.
type Grid struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	OriginX   float64 `json:"originX"`
	OriginY   float64 `json:"originY"`
	PixelSize float64 `json:"pixelSize"`
}

// Validate checks that the grid has a usable size
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("grid size %dx%d must be positive", g.Width, g.Height)
	}
	if g.PixelSize <= 0 {
		return fmt.Errorf("grid pixel size %v must be positive", g.PixelSize)
	}
	return nil
}

// Len is the number of pixels
func (g Grid) Len() int { return g.Width * g.Height }

// PixelAt returns the pixel containing a (lon, lat) point.
func (g Grid) PixelAt(p orb.Point) (col, row int, ok bool) {
	m := project.WGS84.ToMercator(p)
	c := math.Floor((m[0] - g.OriginX) / g.PixelSize)
	r := math.Floor((g.OriginY - m[1]) / g.PixelSize)
	if c < 0 || r < 0 || c >= float64(g.Width) || r >= float64(g.Height) {
		return 0, 0, false
	}
	return int(c), int(r), true
}

// Center returns the (lon, lat) of a pixel centre.
func (g Grid) Center(col, row int) orb.Point {
	m := orb.Point{
		g.OriginX + (float64(col)+0.5)*g.PixelSize,
		g.OriginY - (float64(row)+0.5)*g.PixelSize,
	}
	return project.Mercator.ToWGS84(m)
}

// Bound is the geographic extent of the grid.
func (g Grid) Bound() orb.Bound {
	tl := project.Mercator.ToWGS84(orb.Point{g.OriginX, g.OriginY})
	br := project.Mercator.ToWGS84(orb.Point{
		g.OriginX + float64(g.Width)*g.PixelSize,
		g.OriginY - float64(g.Height)*g.PixelSize,
	})
	return orb.MultiPoint{tl, br}.Bound()
}

// Band is one raster layer. Mask marks valid pixels. Array bands carry one
// flattened neighbourhood per pixel in Arrays and have no Data.
type Band struct {
	Name   string
	Data   []float64
	Mask   []bool
	Arrays [][]float64
}

// NewBand builds a scalar band. NaN values are masked.
func NewBand(name string, values []float64) *Band {
	b := &Band{Name: name, Data: make([]float64, len(values)), Mask: make([]bool, len(values))}
	for i, v := range values {
		if !math.IsNaN(v) {
			b.Data[i] = v
			b.Mask[i] = true
		}
	}
	return b
}

// IsArray reports whether the band holds per-pixel arrays
func (b *Band) IsArray() bool { return b.Arrays != nil }

func (b *Band) renamed(name string) *Band {
	c := *b
	c.Name = name
	return &c
}

// Image is an immutable multi-band raster with properties. Operations always
// build new images; band slices may be shared between images.
type Image struct {
	ID        string
	Bands     []*Band
	Props     map[string]any
	Footprint *orb.Bound
}

func (img *Image) band(name string) (*Band, bool) {
	for _, b := range img.Bands {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// BandNames lists band names in order
func (img *Image) BandNames() []string {
	names := make([]string, len(img.Bands))
	for i, b := range img.Bands {
		names[i] = b.Name
	}
	return names
}

// withBands returns a copy of img carrying bands and, optionally, its
// properties.
func (img *Image) withBands(bands []*Band, keepProps bool) *Image {
	out := &Image{ID: img.ID, Bands: bands, Footprint: img.Footprint}
	if keepProps {
		out.Props = copyProps(img.Props)
	} else {
		out.Props = map[string]any{}
	}
	return out
}

func (img *Image) withProps(props map[string]any) *Image {
	return &Image{ID: img.ID, Bands: img.Bands, Props: props, Footprint: img.Footprint}
}

// Feature is an evaluated feature. Geometry may be nil for samples.
type Feature struct {
	Geometry orb.Geometry
	Props    map[string]any
}

func copyProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func isSystemProperty(name string) bool {
	return strings.HasPrefix(name, "system:")
}
