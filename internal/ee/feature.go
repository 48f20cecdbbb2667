package ee

import (
	"github.com/paulmach/orb"
)

// Geometry is a server-side geometry in EPSG:4326.
type Geometry struct{ n *node }

func (g Geometry) graph() *node { return g.n }

// Point builds a point. Earth Engine takes (lon, lat) order.
func Point(lon, lat float64) Geometry {
	return Geometry{n: invoke("GeometryConstructors.Point", map[string]*node{
		"coordinates": constant([]float64{lon, lat}),
	})}
}

// Polygon builds a planar polygon from rings of (lon, lat) pairs.
func Polygon(p orb.Polygon) Geometry {
	return Geometry{n: invoke("GeometryConstructors.Polygon", map[string]*node{
		"coordinates": constant(ringCoords(p)),
		"geodesic":    constant(false),
	})}
}

// FromOrb converts points, bounds, polygons and multipolygons.
func FromOrb(g orb.Geometry) Geometry {
	switch v := g.(type) {
	case orb.Point:
		return Point(v.Lon(), v.Lat())
	case orb.Bound:
		return Polygon(v.ToPolygon())
	case orb.Polygon:
		return Polygon(v)
	case orb.Ring:
		return Polygon(orb.Polygon{v})
	case orb.MultiPolygon:
		polys := make([][][][]float64, len(v))
		for i, p := range v {
			polys[i] = ringCoords(p)
		}
		return Geometry{n: invoke("GeometryConstructors.MultiPolygon", map[string]*node{
			"coordinates": constant(polys),
			"geodesic":    constant(false),
		})}
	default:
		return Polygon(g.Bound().ToPolygon())
	}
}

func ringCoords(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, len(p))
	for i, r := range p {
		coords := make([][]float64, len(r))
		for j, pt := range r {
			coords[j] = []float64{pt[0], pt[1]}
		}
		rings[i] = coords
	}
	return rings
}

// Feature is a geometry with a property dictionary.
type Feature struct{ n *node }

func (f Feature) graph() *node { return f.n }

// NewFeature builds a feature from local values. Properties must be JSON
// encodable scalars.
func NewFeature(geom Geometry, props map[string]any) Feature {
	entries := make(map[string]*node, len(props))
	for k, v := range props {
		entries[k] = constant(v)
	}
	return Feature{n: invoke("Feature", map[string]*node{
		"geometry": geom.n,
		"metadata": dictionary(entries),
	})}
}

func (f Feature) Geometry() Geometry {
	return Geometry{n: invoke("Feature.geometry", map[string]*node{"feature": f.n})}
}

// CopyProperties copies every non-system property of src onto f.
func (f Feature) CopyProperties(src Feature) Feature {
	return Feature{n: invoke("Element.copyProperties", map[string]*node{
		"destination": f.n,
		"source":      src.n,
	})}
}

// PropertyNames lists the property names of the feature.
func (f Feature) PropertyNames() List {
	return List{n: invoke("Element.propertyNames", map[string]*node{"element": f.n})}
}

// FeatureCollection is an ordered set of features.
type FeatureCollection struct{ n *node }

func (c FeatureCollection) graph() *node { return c.n }

func NewFeatureCollection(features []Feature) FeatureCollection {
	items := make([]*node, len(features))
	for i, f := range features {
		items[i] = f.n
	}
	return FeatureCollection{n: invoke("Collection", map[string]*node{"features": array(items...)})}
}

func (c FeatureCollection) Map(fn func(Feature) Feature) FeatureCollection {
	return FeatureCollection{n: invoke("Collection.map", map[string]*node{
		"collection":    c.n,
		"baseAlgorithm": lambda(func(arg *node) *node { return fn(Feature{n: arg}).n }),
	})}
}

func (c FeatureCollection) First() Feature {
	return Feature{n: invoke("Collection.first", map[string]*node{"collection": c.n})}
}

// List is a server-side list.
type List struct{ n *node }

func (l List) graph() *node { return l.n }

// StringList builds a list from local strings.
func StringList(values ...string) List {
	return List{n: stringList(values)}
}

// RemoveAll drops every element that appears in other.
func (l List) RemoveAll(other List) List {
	return List{n: invoke("List.removeAll", map[string]*node{"list": l.n, "other": other.n})}
}

