package ee

// Computed is implemented by every graph value.
type Computed interface {
	graph() *node
}

// Object is an untyped computed value such as a property read from an image.
type Object struct{ n *node }

func (o Object) graph() *node { return o.n }

// Image is a lazily evaluated multi-band raster.
type Image struct{ n *node }

func (i Image) graph() *node { return i.n }

// LoadImage references a single catalog image by asset id.
func LoadImage(id string) Image {
	return Image{n: invoke("Image.load", map[string]*node{"id": constant(id)})}
}

// ConstantImage is a single-band image with the same value at every pixel.
func ConstantImage(v float64) Image {
	return Image{n: invoke("Image.constant", map[string]*node{"value": constant(v)})}
}

// PixelLonLat is an image with "longitude" and "latitude" bands.
func PixelLonLat() Image {
	return Image{n: invoke("Image.pixelLonLat", nil)}
}

// Cat concatenates the bands of all images, in order. Scene-level properties
// are not carried over.
func Cat(images ...Image) Image {
	if len(images) == 0 {
		panic("ee: Cat needs at least one image")
	}
	out := images[0]
	for _, img := range images[1:] {
		out = out.AddBands(img)
	}
	return out
}

// Select keeps the named bands, optionally renaming them positionally.
func (i Image) Select(bands []string, newNames []string) Image {
	args := map[string]*node{
		"input":         i.n,
		"bandSelectors": stringList(bands),
	}
	if newNames != nil {
		args["newNames"] = stringList(newNames)
	}
	return Image{n: invoke("Image.select", args)}
}

// Rename replaces every band name, in order.
func (i Image) Rename(names ...string) Image {
	return Image{n: invoke("Image.rename", map[string]*node{
		"input": i.n,
		"names": stringList(names),
	})}
}

func (i Image) AddBands(src Image) Image {
	return Image{n: invoke("Image.addBands", map[string]*node{
		"dstImg": i.n,
		"srcImg": src.n,
	})}
}

// UpdateMask marks pixels invalid wherever mask is zero. Existing masks are
// kept, so repeated calls only ever remove pixels.
func (i Image) UpdateMask(mask Image) Image {
	return Image{n: invoke("Image.updateMask", map[string]*node{
		"image": i.n,
		"mask":  mask.n,
	})}
}

func (i Image) binary(fn string, v float64) Image {
	return Image{n: invoke(fn, map[string]*node{
		"image1": i.n,
		"image2": ConstantImage(v).n,
	})}
}

func (i Image) Gte(v float64) Image        { return i.binary("Image.gte", v) }
func (i Image) Eq(v float64) Image         { return i.binary("Image.eq", v) }
func (i Image) BitwiseAnd(v float64) Image { return i.binary("Image.bitwiseAnd", v) }
func (i Image) Multiply(v float64) Image   { return i.binary("Image.multiply", v) }
func (i Image) Add(v float64) Image        { return i.binary("Image.add", v) }

// Clamp limits every band to [low, high]. Masked pixels stay masked.
func (i Image) Clamp(low, high float64) Image {
	return Image{n: invoke("Image.clamp", map[string]*node{
		"input": i.n,
		"low":   constant(low),
		"high":  constant(high),
	})}
}

// CopyProperties copies non-system properties from src.
func (i Image) CopyProperties(src Computed) Image {
	return Image{n: invoke("Element.copyProperties", map[string]*node{
		"destination": i.n,
		"source":      src.graph(),
	})}
}

func (i Image) Set(key string, value Computed) Image {
	return Image{n: invoke("Element.set", map[string]*node{
		"object": i.n,
		"key":    constant(key),
		"value":  value.graph(),
	})}
}

func (i Image) Get(property string) Object {
	return Object{n: invoke("Element.get", map[string]*node{
		"object":   i.n,
		"property": constant(property),
	})}
}

// NeighborhoodToArray turns every pixel into an array of its kernel
// neighbourhood. Masked neighbours are filled with zero.
func (i Image) NeighborhoodToArray(k Kernel) Image {
	return Image{n: invoke("Image.neighborhoodToArray", map[string]*node{
		"image":        i.n,
		"kernel":       k.n,
		"defaultValue": constant(0),
	})}
}

// SampleOptions mirrors the arguments of Image.sample.
type SampleOptions struct {
	Region     Geometry
	Scale      float64
	Projection string
	DropNulls  bool
	TileScale  float64
}

func (i Image) Sample(opts SampleOptions) FeatureCollection {
	args := map[string]*node{
		"image":     i.n,
		"region":    opts.Region.n,
		"scale":     constant(opts.Scale),
		"dropNulls": constant(opts.DropNulls),
	}
	if opts.Projection != "" {
		args["projection"] = invoke("Projection", map[string]*node{"crs": constant(opts.Projection)})
	}
	if opts.TileScale > 0 {
		args["tileScale"] = constant(opts.TileScale)
	}
	return FeatureCollection{n: invoke("Image.sample", args)}
}

// Kernel is a neighbourhood shape.
type Kernel struct{ n *node }

func (k Kernel) graph() *node { return k.n }

// SquareKernel is a (2r+1)x(2r+1) square kernel measured in the given units.
func SquareKernel(radius float64, units string) Kernel {
	return Kernel{n: invoke("Kernel.square", map[string]*node{
		"radius": constant(radius),
		"units":  constant(units),
	})}
}
