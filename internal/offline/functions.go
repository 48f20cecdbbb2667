package offline

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

type filterFunc func(elem any) bool

type dateRange struct {
	start, end float64 // epoch millis, end exclusive
}

type kernel struct {
	radius int
}

type projection string

func (e *Evaluator) call(ctx context.Context, fn string, args map[string]any) (any, error) {
	switch fn {
	case "Image.load":
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		img, ok := e.cat.Image(id)
		if !ok {
			return nil, fmt.Errorf("image %q not found in catalog", id)
		}
		return img, nil

	case "ImageCollection.load":
		id, err := argString(args, "id")
		if err != nil {
			return nil, err
		}
		imgs, err := e.cat.Collection(id)
		if err != nil {
			return nil, err
		}
		return ImageCollection(imgs), nil

	case "Image.constant":
		v, err := argFloat(args, "value")
		if err != nil {
			return nil, err
		}
		return &Image{Bands: []*Band{e.cat.ConstantBand("constant", v)}, Props: map[string]any{}}, nil

	case "Image.pixelLonLat":
		return e.pixelLonLat(), nil

	case "Image.select":
		img, err := argImage(args, "input")
		if err != nil {
			return nil, err
		}
		sel, err := argStrings(args, "bandSelectors")
		if err != nil {
			return nil, err
		}
		var names []string
		if _, ok := args["newNames"]; ok {
			if names, err = argStrings(args, "newNames"); err != nil {
				return nil, err
			}
		}
		return selectBands(img, sel, names)

	case "Image.rename":
		img, err := argImage(args, "input")
		if err != nil {
			return nil, err
		}
		names, err := argStrings(args, "names")
		if err != nil {
			return nil, err
		}
		return selectBands(img, img.BandNames(), names)

	case "Image.addBands":
		dst, err := argImage(args, "dstImg")
		if err != nil {
			return nil, err
		}
		src, err := argImage(args, "srcImg")
		if err != nil {
			return nil, err
		}
		return addBands(dst, src)

	case "Image.updateMask":
		img, err := argImage(args, "image")
		if err != nil {
			return nil, err
		}
		mask, err := argImage(args, "mask")
		if err != nil {
			return nil, err
		}
		return updateMask(img, mask)

	case "Image.gte", "Image.eq", "Image.bitwiseAnd", "Image.multiply", "Image.add":
		a, err := argImage(args, "image1")
		if err != nil {
			return nil, err
		}
		b, err := argImage(args, "image2")
		if err != nil {
			return nil, err
		}
		return binary(a, b, binaryOps[fn])

	case "Image.clamp":
		img, err := argImage(args, "input")
		if err != nil {
			return nil, err
		}
		low, err := argFloat(args, "low")
		if err != nil {
			return nil, err
		}
		high, err := argFloat(args, "high")
		if err != nil {
			return nil, err
		}
		return mapPixels(img, func(v float64) float64 { return math.Min(math.Max(v, low), high) })

	case "Image.neighborhoodToArray":
		img, err := argImage(args, "image")
		if err != nil {
			return nil, err
		}
		k, ok := args["kernel"].(kernel)
		if !ok {
			return nil, fmt.Errorf("kernel: want a kernel, got %T", args["kernel"])
		}
		def := 0.0
		if _, ok := args["defaultValue"]; ok {
			if def, err = argFloat(args, "defaultValue"); err != nil {
				return nil, err
			}
		}
		return e.neighborhoodToArray(img, k.radius, def)

	case "Image.sample":
		return e.sample(args)

	case "Kernel.square":
		r, err := argFloat(args, "radius")
		if err != nil {
			return nil, err
		}
		if units, _ := args["units"].(string); units != "" && units != "pixels" {
			return nil, fmt.Errorf("unsupported kernel units %q", units)
		}
		if r < 0 || r != math.Trunc(r) {
			return nil, fmt.Errorf("kernel radius %v must be a non-negative whole number of pixels", r)
		}
		return kernel{radius: int(r)}, nil

	case "Projection":
		crs, err := argString(args, "crs")
		if err != nil {
			return nil, err
		}
		if crs != "EPSG:3857" {
			return nil, fmt.Errorf("unsupported projection %s: catalog grid is EPSG:3857", crs)
		}
		return projection(crs), nil

	case "Element.copyProperties":
		return copyProperties(args["destination"], args["source"])

	case "Element.set":
		key, err := argString(args, "key")
		if err != nil {
			return nil, err
		}
		return setProperty(args["object"], key, args["value"])

	case "Element.get":
		key, err := argString(args, "property")
		if err != nil {
			return nil, err
		}
		props, err := properties(args["object"])
		if err != nil {
			return nil, err
		}
		return props[key], nil

	case "Element.propertyNames":
		props, err := properties(args["element"])
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(props))
		for k := range props {
			if !isSystemProperty(k) {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil

	case "DateRange":
		return newDateRange(args)

	case "Filter.dateRangeContains":
		rng, ok := args["leftValue"].(dateRange)
		if !ok {
			return nil, fmt.Errorf("leftValue: want a date range, got %T", args["leftValue"])
		}
		field, err := argString(args, "rightField")
		if err != nil {
			return nil, err
		}
		return filterFunc(func(elem any) bool {
			props, err := properties(elem)
			if err != nil {
				return false
			}
			t, ok := props[field].(float64)
			return ok && t >= rng.start && t < rng.end
		}), nil

	case "Filter.intersects":
		if field, _ := args["leftField"].(string); field != ".all" {
			return nil, fmt.Errorf("unsupported leftField %q", field)
		}
		geom, ok := args["rightValue"].(orb.Geometry)
		if !ok {
			return nil, fmt.Errorf("rightValue: want a geometry, got %T", args["rightValue"])
		}
		region := geom.Bound()
		return filterFunc(func(elem any) bool {
			return e.bound(elem).Intersects(region)
		}), nil

	case "Collection.filter":
		f, ok := args["filter"].(filterFunc)
		if !ok {
			return nil, fmt.Errorf("filter: want a filter, got %T", args["filter"])
		}
		return filterCollection(args["collection"], f)

	case "Collection.map":
		fn, ok := args["baseAlgorithm"].(*closure)
		if !ok {
			return nil, fmt.Errorf("baseAlgorithm: want a function, got %T", args["baseAlgorithm"])
		}
		return e.mapCollection(ctx, args["collection"], fn)

	case "Collection.merge":
		a, err := argImages(args, "collection1")
		if err != nil {
			return nil, err
		}
		b, err := argImages(args, "collection2")
		if err != nil {
			return nil, err
		}
		out := make(ImageCollection, 0, len(a)+len(b))
		return append(append(out, a...), b...), nil

	case "Collection.limit":
		return sortCollection(args)

	case "reduce.median":
		coll, err := argImages(args, "collection")
		if err != nil {
			return nil, err
		}
		return median(coll)

	case "Collection.size":
		n, err := elements(args["collection"])
		if err != nil {
			return nil, err
		}
		return float64(len(n)), nil

	case "Collection.first":
		items, err := elements(args["collection"])
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("collection is empty")
		}
		return items[0], nil

	case "Collection":
		list, ok := args["features"].([]any)
		if !ok {
			return nil, fmt.Errorf("features: want a list, got %T", args["features"])
		}
		out := make(FeatureCollection, len(list))
		for i, it := range list {
			f, ok := it.(*Feature)
			if !ok {
				return nil, fmt.Errorf("features[%d]: want a feature, got %T", i, it)
			}
			out[i] = f
		}
		return out, nil

	case "Feature":
		geom, _ := args["geometry"].(orb.Geometry)
		meta, _ := args["metadata"].(map[string]any)
		return &Feature{Geometry: geom, Props: copyProps(meta)}, nil

	case "Feature.geometry":
		f, ok := args["feature"].(*Feature)
		if !ok {
			return nil, fmt.Errorf("feature: want a feature, got %T", args["feature"])
		}
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature has no geometry")
		}
		return f.Geometry, nil

	case "GeometryConstructors.Point":
		return pointCoords(args["coordinates"])

	case "GeometryConstructors.Polygon":
		return polygonCoords(args["coordinates"])

	case "GeometryConstructors.MultiPolygon":
		list, ok := args["coordinates"].([]any)
		if !ok {
			return nil, fmt.Errorf("coordinates: want a list, got %T", args["coordinates"])
		}
		mp := make(orb.MultiPolygon, len(list))
		for i, it := range list {
			p, err := polygonCoords(it)
			if err != nil {
				return nil, err
			}
			mp[i] = p
		}
		return mp, nil

	case "List.removeAll":
		list, ok := args["list"].([]any)
		if !ok {
			return nil, fmt.Errorf("list: want a list, got %T", args["list"])
		}
		other, ok := args["other"].([]any)
		if !ok {
			return nil, fmt.Errorf("other: want a list, got %T", args["other"])
		}
		drop := make(map[string]bool, len(other))
		for _, o := range other {
			drop[listKey(o)] = true
		}
		out := make([]any, 0, len(list))
		for _, it := range list {
			if !drop[listKey(it)] {
				out = append(out, it)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported function")
}

func listKey(v any) string { return fmt.Sprintf("%T:%v", v, v) }

func newDateRange(args map[string]any) (dateRange, error) {
	var out dateRange
	for _, k := range []string{"start", "end"} {
		var ms float64
		switch v := args[k].(type) {
		case float64:
			ms = v
		case string:
			t, err := parseTime(v)
			if err != nil {
				return out, fmt.Errorf("%s: %w", k, err)
			}
			ms = float64(t.UnixMilli())
		default:
			return out, fmt.Errorf("%s: want a date, got %T", k, v)
		}
		if k == "start" {
			out.start = ms
		} else {
			out.end = ms
		}
	}
	return out, nil
}

// bound is the geographic extent used for intersection filters. Images
// without a footprint cover the whole grid.
func (e *Evaluator) bound(elem any) orb.Bound {
	switch v := elem.(type) {
	case *Image:
		if v.Footprint != nil {
			return *v.Footprint
		}
		return e.cat.Grid.Bound()
	case *Feature:
		if v.Geometry != nil {
			return v.Geometry.Bound()
		}
	}
	return orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
}

func elements(coll any) ([]any, error) {
	switch c := coll.(type) {
	case ImageCollection:
		out := make([]any, len(c))
		for i, img := range c {
			out[i] = img
		}
		return out, nil
	case FeatureCollection:
		out := make([]any, len(c))
		for i, f := range c {
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("want a collection, got %T", coll)
}

// fromElements rebuilds a typed collection. An empty result keeps the type
// of like.
func fromElements(items []any, like any) (any, error) {
	if len(items) == 0 {
		if _, ok := like.(FeatureCollection); ok {
			return FeatureCollection{}, nil
		}
		return ImageCollection{}, nil
	}
	switch items[0].(type) {
	case *Image:
		out := make(ImageCollection, len(items))
		for i, it := range items {
			img, ok := it.(*Image)
			if !ok {
				return nil, fmt.Errorf("mixed collection: element %d is %T", i, it)
			}
			out[i] = img
		}
		return out, nil
	case *Feature:
		out := make(FeatureCollection, len(items))
		for i, it := range items {
			f, ok := it.(*Feature)
			if !ok {
				return nil, fmt.Errorf("mixed collection: element %d is %T", i, it)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, fmt.Errorf("collections hold images or features, got %T", items[0])
}

func filterCollection(coll any, keep filterFunc) (any, error) {
	items, err := elements(coll)
	if err != nil {
		return nil, err
	}
	out := items[:0:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return fromElements(out, coll)
}

func (e *Evaluator) mapCollection(ctx context.Context, coll any, fn *closure) (any, error) {
	items, err := elements(coll)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, it := range items {
		v, err := e.apply(ctx, fn, it)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return fromElements(out, coll)
}

func sortCollection(args map[string]any) (any, error) {
	items, err := elements(args["collection"])
	if err != nil {
		return nil, err
	}
	key, err := argString(args, "key")
	if err != nil {
		return nil, err
	}
	ascending := true
	if v, ok := args["ascending"].(bool); ok {
		ascending = v
	}
	value := func(it any) float64 {
		props, _ := properties(it)
		if f, ok := props[key].(float64); ok {
			return f
		}
		return math.Inf(1)
	}
	sorted := append([]any(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if ascending {
			return value(sorted[i]) < value(sorted[j])
		}
		return value(sorted[i]) > value(sorted[j])
	})
	if n, ok := args["limit"].(float64); ok && int(n) < len(sorted) {
		sorted = sorted[:int(n)]
	}
	return fromElements(sorted, args["collection"])
}

func properties(elem any) (map[string]any, error) {
	switch v := elem.(type) {
	case *Image:
		return v.Props, nil
	case *Feature:
		return v.Props, nil
	}
	return nil, fmt.Errorf("want an image or feature, got %T", elem)
}

func withProperties(elem any, props map[string]any) (any, error) {
	switch v := elem.(type) {
	case *Image:
		return v.withProps(props), nil
	case *Feature:
		return &Feature{Geometry: v.Geometry, Props: props}, nil
	}
	return nil, fmt.Errorf("want an image or feature, got %T", elem)
}

// copyProperties copies every non-system property of src onto dst; values
// from src win.
func copyProperties(dst, src any) (any, error) {
	dp, err := properties(dst)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	sp, err := properties(src)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	props := copyProps(dp)
	for k, v := range sp {
		if !isSystemProperty(k) {
			props[k] = v
		}
	}
	return withProperties(dst, props)
}

func setProperty(elem any, key string, value any) (any, error) {
	props, err := properties(elem)
	if err != nil {
		return nil, err
	}
	out := copyProps(props)
	out[key] = value
	return withProperties(elem, out)
}

func pointCoords(v any) (orb.Point, error) {
	c, ok := v.([]any)
	if !ok || len(c) != 2 {
		return orb.Point{}, fmt.Errorf("point coordinates: want [lon, lat], got %v", v)
	}
	lon, ok1 := c[0].(float64)
	lat, ok2 := c[1].(float64)
	if !ok1 || !ok2 {
		return orb.Point{}, fmt.Errorf("point coordinates: want numbers, got %v", v)
	}
	return orb.Point{lon, lat}, nil
}

func polygonCoords(v any) (orb.Polygon, error) {
	rings, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("polygon coordinates: want a list of rings, got %T", v)
	}
	poly := make(orb.Polygon, len(rings))
	for i, r := range rings {
		pts, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("ring %d: want a list of points, got %T", i, r)
		}
		ring := make(orb.Ring, len(pts))
		for j, p := range pts {
			pt, err := pointCoords(p)
			if err != nil {
				return nil, err
			}
			ring[j] = pt
		}
		poly[i] = ring
	}
	return poly, nil
}

func argString(args map[string]any, key string) (string, error) {
	s, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%s: want a string, got %T", key, args[key])
	}
	return s, nil
}

func argFloat(args map[string]any, key string) (float64, error) {
	f, ok := args[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%s: want a number, got %T", key, args[key])
	}
	return f, nil
}

func argStrings(args map[string]any, key string) ([]string, error) {
	list, ok := args[key].([]any)
	if !ok {
		return nil, fmt.Errorf("%s: want a list, got %T", key, args[key])
	}
	out := make([]string, len(list))
	for i, it := range list {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: want a string, got %T", key, i, it)
		}
		out[i] = s
	}
	return out, nil
}

func argImage(args map[string]any, key string) (*Image, error) {
	img, ok := args[key].(*Image)
	if !ok {
		return nil, fmt.Errorf("%s: want an image, got %T", key, args[key])
	}
	return img, nil
}

func argImages(args map[string]any, key string) (ImageCollection, error) {
	coll, ok := args[key].(ImageCollection)
	if !ok {
		return nil, fmt.Errorf("%s: want an image collection, got %T", key, args[key])
	}
	return coll, nil
}
