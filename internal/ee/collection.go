package ee

// SystemTimeStart is the acquisition timestamp property, in epoch millis.
const SystemTimeStart = "system:time_start"

// ImageCollection is a lazily evaluated, ordered set of images.
type ImageCollection struct{ n *node }

func (c ImageCollection) graph() *node { return c.n }

func LoadImageCollection(id string) ImageCollection {
	return ImageCollection{n: invoke("ImageCollection.load", map[string]*node{"id": constant(id)})}
}

// FilterDate keeps images whose acquisition time falls in [start, end).
// Dates are ISO 8601 strings.
func (c ImageCollection) FilterDate(start, end string) ImageCollection {
	rng := invoke("DateRange", map[string]*node{"start": constant(start), "end": constant(end)})
	filter := invoke("Filter.dateRangeContains", map[string]*node{
		"leftValue":  rng,
		"rightField": constant(SystemTimeStart),
	})
	return ImageCollection{n: filterCollection(c.n, filter)}
}

// FilterBounds keeps images whose footprint intersects geom.
func (c ImageCollection) FilterBounds(geom Geometry) ImageCollection {
	filter := invoke("Filter.intersects", map[string]*node{
		"leftField":  constant(".all"),
		"rightValue": geom.n,
	})
	return ImageCollection{n: filterCollection(c.n, filter)}
}

func filterCollection(coll, filter *node) *node {
	return invoke("Collection.filter", map[string]*node{"collection": coll, "filter": filter})
}

// Select applies Image.Select to every image.
func (c ImageCollection) Select(bands []string, newNames []string) ImageCollection {
	return c.Map(func(img Image) Image { return img.Select(bands, newNames) })
}

func (c ImageCollection) Map(fn func(Image) Image) ImageCollection {
	return ImageCollection{n: invoke("Collection.map", map[string]*node{
		"collection":    c.n,
		"baseAlgorithm": lambda(func(arg *node) *node { return fn(Image{n: arg}).n }),
	})}
}

// Merge appends other after c. Duplicates are kept.
func (c ImageCollection) Merge(other ImageCollection) ImageCollection {
	return ImageCollection{n: invoke("Collection.merge", map[string]*node{
		"collection1": c.n,
		"collection2": other.n,
	})}
}

// Sort orders the collection ascending by a property.
func (c ImageCollection) Sort(property string) ImageCollection {
	return ImageCollection{n: invoke("Collection.limit", map[string]*node{
		"collection": c.n,
		"key":        constant(property),
		"ascending":  constant(true),
	})}
}

// Median reduces the collection per pixel and band, ignoring masked values.
// Band names are kept.
func (c ImageCollection) Median() Image {
	return Image{n: invoke("reduce.median", map[string]*node{"collection": c.n})}
}

func (c ImageCollection) Size() Object {
	return Object{n: invoke("Collection.size", map[string]*node{"collection": c.n})}
}
