package offline

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/stat"
)

type pixelOp func(a, b float64) float64

func boolValue(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

var binaryOps = map[string]pixelOp{
	"Image.gte":        func(a, b float64) float64 { return boolValue(a >= b) },
	"Image.eq":         func(a, b float64) float64 { return boolValue(a == b) },
	"Image.bitwiseAnd": func(a, b float64) float64 { return float64(int64(a) & int64(b)) },
	"Image.multiply":   func(a, b float64) float64 { return a * b },
	"Image.add":        func(a, b float64) float64 { return a + b },
}

func (e *Evaluator) pixelLonLat() *Image {
	g := e.cat.Grid
	n := g.Len()
	lon := &Band{Name: "longitude", Data: make([]float64, n), Mask: make([]bool, n)}
	lat := &Band{Name: "latitude", Data: make([]float64, n), Mask: make([]bool, n)}
	for row := 0; row < g.Height; row++ {
		for col := 0; col < g.Width; col++ {
			i := row*g.Width + col
			p := g.Center(col, row)
			lon.Data[i], lat.Data[i] = p.Lon(), p.Lat()
			lon.Mask[i], lat.Mask[i] = true, true
		}
	}
	return &Image{Bands: []*Band{lon, lat}, Props: map[string]any{}}
}

// selectBands keeps sel in order, renaming positionally when names is set.
func selectBands(img *Image, sel, names []string) (*Image, error) {
	if names != nil && len(names) != len(sel) {
		return nil, fmt.Errorf("selected %d band(s) but got %d new name(s)", len(sel), len(names))
	}
	bands := make([]*Band, len(sel))
	for i, s := range sel {
		b, ok := img.band(s)
		if !ok {
			return nil, fmt.Errorf("band %q not found, image has %v", s, img.BandNames())
		}
		if names != nil {
			b = b.renamed(names[i])
		}
		bands[i] = b
	}
	return img.withBands(bands, true), nil
}

func addBands(dst, src *Image) (*Image, error) {
	bands := append(append([]*Band(nil), dst.Bands...), src.Bands...)
	seen := make(map[string]bool, len(bands))
	for _, b := range bands {
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate band name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return dst.withBands(bands, true), nil
}

// pairBands matches bands of a and b: one-band images broadcast, otherwise
// the counts must agree.
func pairBands(a, b *Image) ([]*Band, error) {
	switch {
	case len(b.Bands) == 1:
		out := make([]*Band, len(a.Bands))
		for i := range out {
			out[i] = b.Bands[0]
		}
		return out, nil
	case len(b.Bands) == len(a.Bands):
		return b.Bands, nil
	}
	return nil, fmt.Errorf("images have %d and %d bands", len(a.Bands), len(b.Bands))
}

func scalarBand(b *Band) error {
	if b.IsArray() {
		return fmt.Errorf("band %q holds arrays", b.Name)
	}
	return nil
}

// updateMask keeps a pixel only where it was valid and the mask is valid and
// non-zero.
func updateMask(img, mask *Image) (*Image, error) {
	masks, err := pairBands(img, mask)
	if err != nil {
		return nil, err
	}
	bands := make([]*Band, len(img.Bands))
	for i, b := range img.Bands {
		m := masks[i]
		if err := scalarBand(b); err != nil {
			return nil, err
		}
		out := &Band{Name: b.Name, Data: b.Data, Mask: make([]bool, len(b.Mask))}
		for p := range out.Mask {
			out.Mask[p] = b.Mask[p] && m.Mask[p] && m.Data[p] != 0
		}
		bands[i] = out
	}
	return img.withBands(bands, true), nil
}

// binary applies op pixel by pixel. Band names come from a; a pixel is valid
// only where both inputs are. Properties are not carried over.
func binary(a, b *Image, op pixelOp) (*Image, error) {
	if op == nil {
		return nil, fmt.Errorf("unknown pixel operation")
	}
	other, err := pairBands(a, b)
	if err != nil {
		return nil, err
	}
	bands := make([]*Band, len(a.Bands))
	for i, x := range a.Bands {
		y := other[i]
		if err := scalarBand(x); err != nil {
			return nil, err
		}
		out := &Band{Name: x.Name, Data: make([]float64, len(x.Data)), Mask: make([]bool, len(x.Mask))}
		for p := range out.Data {
			out.Data[p] = op(x.Data[p], y.Data[p])
			out.Mask[p] = x.Mask[p] && y.Mask[p]
		}
		bands[i] = out
	}
	return a.withBands(bands, false), nil
}

func mapPixels(img *Image, fn func(float64) float64) (*Image, error) {
	bands := make([]*Band, len(img.Bands))
	for i, b := range img.Bands {
		if err := scalarBand(b); err != nil {
			return nil, err
		}
		out := &Band{Name: b.Name, Data: make([]float64, len(b.Data)), Mask: b.Mask}
		for p, v := range b.Data {
			out.Data[p] = fn(v)
		}
		bands[i] = out
	}
	return img.withBands(bands, false), nil
}

// median reduces a collection per band and pixel over valid values only. A
// pixel with no valid value stays masked. Band names follow the first image.
func median(coll ImageCollection) (*Image, error) {
	if len(coll) == 0 {
		return &Image{Props: map[string]any{}}, nil
	}
	first := coll[0]
	bands := make([]*Band, len(first.Bands))
	for i, fb := range first.Bands {
		inputs := make([]*Band, len(coll))
		for j, img := range coll {
			b, ok := img.band(fb.Name)
			if !ok {
				return nil, fmt.Errorf("image %d lacks band %q", j, fb.Name)
			}
			if err := scalarBand(b); err != nil {
				return nil, err
			}
			inputs[j] = b
		}

		n := len(fb.Data)
		out := &Band{Name: fb.Name, Data: make([]float64, n), Mask: make([]bool, n)}
		values := make([]float64, 0, len(coll))
		for p := 0; p < n; p++ {
			values = values[:0]
			for _, b := range inputs {
				if b.Mask[p] {
					values = append(values, b.Data[p])
				}
			}
			if len(values) == 0 {
				continue
			}
			out.Data[p] = medianOf(values)
			out.Mask[p] = true
		}
		bands[i] = out
	}
	return &Image{Bands: bands, Props: map[string]any{}}, nil
}

func medianOf(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return stat.Quantile(0.5, stat.Empirical, values, nil)
	}
	return stat.Mean(values[n/2-1:n/2+1], nil)
}

// neighborhoodToArray replaces every band with per-pixel (2r+1)x(2r+1)
// neighbourhoods in row-major order. Masked or off-grid neighbours take def.
func (e *Evaluator) neighborhoodToArray(img *Image, radius int, def float64) (*Image, error) {
	g := e.cat.Grid
	side := 2*radius + 1
	bands := make([]*Band, len(img.Bands))
	for i, b := range img.Bands {
		if err := scalarBand(b); err != nil {
			return nil, err
		}
		out := &Band{Name: b.Name, Arrays: make([][]float64, g.Len()), Mask: make([]bool, g.Len())}
		for row := 0; row < g.Height; row++ {
			for col := 0; col < g.Width; col++ {
				arr := make([]float64, 0, side*side)
				for dy := -radius; dy <= radius; dy++ {
					for dx := -radius; dx <= radius; dx++ {
						r, c := row+dy, col+dx
						v := def
						if r >= 0 && r < g.Height && c >= 0 && c < g.Width {
							if p := r*g.Width + c; b.Mask[p] {
								v = b.Data[p]
							}
						}
						arr = append(arr, v)
					}
				}
				p := row*g.Width + col
				out.Arrays[p] = arr
				out.Mask[p] = true
			}
		}
		bands[i] = out
	}
	return img.withBands(bands, true), nil
}

// sample reads pixel values inside a region. A point samples the pixel that
// contains it; other geometries sample every pixel whose centre they contain.
// Off-grid points yield zero-filled arrays and nulls. The scale argument is
// ignored because the catalog has a single grid.
func (e *Evaluator) sample(args map[string]any) (FeatureCollection, error) {
	img, err := argImage(args, "image")
	if err != nil {
		return nil, err
	}
	region, ok := args["region"].(orb.Geometry)
	if !ok {
		return nil, fmt.Errorf("region: want a geometry, got %T", args["region"])
	}
	if p, ok := args["projection"]; ok {
		if _, ok := p.(projection); !ok {
			return nil, fmt.Errorf("projection: want a projection, got %T", p)
		}
	}
	dropNulls, _ := args["dropNulls"].(bool)

	g := e.cat.Grid
	var pixels []int
	if pt, ok := region.(orb.Point); ok {
		if col, row, ok := g.PixelAt(pt); ok {
			pixels = []int{row*g.Width + col}
		} else {
			pixels = []int{-1}
		}
	} else {
		for row := 0; row < g.Height; row++ {
			for col := 0; col < g.Width; col++ {
				if contains(region, g.Center(col, row)) {
					pixels = append(pixels, row*g.Width+col)
				}
			}
		}
	}

	out := make(FeatureCollection, 0, len(pixels))
	for _, p := range pixels {
		props := make(map[string]any, len(img.Bands))
		hasNull := false
		for _, b := range img.Bands {
			switch {
			case p < 0 && b.IsArray():
				props[b.Name] = make([]float64, len(b.Arrays[0]))
			case p < 0 || !b.Mask[p]:
				props[b.Name] = nil
				hasNull = true
			case b.IsArray():
				props[b.Name] = b.Arrays[p]
			default:
				props[b.Name] = b.Data[p]
			}
		}
		if dropNulls && hasNull {
			continue
		}
		out = append(out, &Feature{Props: props})
	}
	return out, nil
}

func contains(region orb.Geometry, p orb.Point) bool {
	switch r := region.(type) {
	case orb.Polygon:
		return planar.PolygonContains(r, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(r, p)
	case orb.Bound:
		return r.Contains(p)
	}
	return region.Bound().Contains(p)
}
