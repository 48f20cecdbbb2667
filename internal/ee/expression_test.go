package ee

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func mustEncode(t *testing.T, c Computed) *Expression {
	t.Helper()
	expr, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return expr
}

func invocations(expr *Expression, fn string) []*FunctionInvocation {
	var out []*FunctionInvocation
	for _, v := range expr.Values {
		if v.FunctionInvocationValue != nil && v.FunctionInvocationValue.FunctionName == fn {
			out = append(out, v.FunctionInvocationValue)
		}
	}
	return out
}

func TestEncodeSharesIdenticalSubgraphs(t *testing.T) {
	base := LoadImageCollection("LANDSAT/LC08/C01/T1_SR").FilterDate("2014-01-01", "2016-12-31")
	// Two structurally identical branches built independently.
	a := base.Median()
	b := LoadImageCollection("LANDSAT/LC08/C01/T1_SR").FilterDate("2014-01-01", "2016-12-31").Median()

	expr := mustEncode(t, a.AddBands(b))

	if got := len(invocations(expr, "ImageCollection.load")); got != 1 {
		t.Fatalf("ImageCollection.load stored %d times, want 1", got)
	}
	if got := len(invocations(expr, "reduce.median")); got != 1 {
		t.Fatalf("reduce.median stored %d times, want 1", got)
	}
	add := invocations(expr, "Image.addBands")
	if len(add) != 1 {
		t.Fatalf("Image.addBands stored %d times, want 1", len(add))
	}
	if add[0].Arguments["dstImg"].ValueReference != add[0].Arguments["srcImg"].ValueReference {
		t.Fatalf("dstImg and srcImg should reference the same value")
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	build := func() *Expression {
		img := LoadImage("NOAA/DMSP-OLS/CALIBRATED_LIGHTS_V4/F12_19960316-19970212_V4").
			Select([]string{"avg_vis"}, []string{"NIGHTLIGHTS"}).
			Multiply(0.915).
			Add(4.336).
			Clamp(0, 1e9)
		return mustEncode(t, img)
	}
	first, err := json.Marshal(build())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := json.Marshal(build())
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("encoding differs between runs:\n%s\n%s", first, again)
		}
	}
}

func TestMapBuildsFunctionDefinition(t *testing.T) {
	coll := LoadImageCollection("LANDSAT/LE07/C01/T1_SR").Map(func(img Image) Image {
		return img.Multiply(2)
	})
	expr := mustEncode(t, coll)

	maps := invocations(expr, "Collection.map")
	if len(maps) != 1 {
		t.Fatalf("Collection.map stored %d times, want 1", len(maps))
	}
	fn, err := expr.Lookup(maps[0].Arguments["baseAlgorithm"])
	if err != nil {
		t.Fatalf("lookup baseAlgorithm: %v", err)
	}
	def := fn.FunctionDefinitionValue
	if def == nil {
		t.Fatalf("baseAlgorithm is not a function definition: %+v", fn)
	}
	if want := []string{"_MAPPING_VAR_0_0"}; !reflect.DeepEqual(def.ArgumentNames, want) {
		t.Fatalf("argument names = %v, want %v", def.ArgumentNames, want)
	}
	body, err := expr.Lookup(ValueNode{ValueReference: def.Body})
	if err != nil {
		t.Fatalf("lookup body: %v", err)
	}
	if body.FunctionInvocationValue == nil || body.FunctionInvocationValue.FunctionName != "Image.multiply" {
		t.Fatalf("body = %+v, want Image.multiply invocation", body)
	}
	if ref := body.FunctionInvocationValue.Arguments["image1"].ArgumentReference; ref != "_MAPPING_VAR_0_0" {
		t.Fatalf("image1 argument reference = %q, want _MAPPING_VAR_0_0", ref)
	}
}

func TestNestedMapUsesDeeperVariable(t *testing.T) {
	outer := LoadImageCollection("outer").Map(func(img Image) Image {
		inner := LoadImageCollection("inner").Map(func(x Image) Image { return x.AddBands(img) })
		return inner.Median()
	})
	expr := mustEncode(t, outer)

	names := map[string]bool{}
	for _, v := range expr.Values {
		if v.FunctionDefinitionValue != nil {
			for _, n := range v.FunctionDefinitionValue.ArgumentNames {
				names[n] = true
			}
		}
	}
	if !names["_MAPPING_VAR_0_0"] || !names["_MAPPING_VAR_1_0"] {
		t.Fatalf("argument names = %v, want both depth 0 and depth 1 variables", names)
	}
}

func TestConstantsKeepZeroAndFalse(t *testing.T) {
	samples := ConstantImage(1).Sample(SampleOptions{Region: Point(0, 0), Scale: 30, DropNulls: false})

	raw, err := json.Marshal(mustEncode(t, samples))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Expression
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sample := invocations(&back, "Image.sample")
	if len(sample) != 1 {
		t.Fatalf("Image.sample stored %d times, want 1", len(sample))
	}
	if got := string(sample[0].Arguments["dropNulls"].ConstantValue); got != "false" {
		t.Fatalf("dropNulls constant = %q, want false", got)
	}
}

func TestEncodeRejectsNonFiniteConstants(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		f := NewFeature(Point(1, 2), map[string]any{"wealth": v})
		if _, err := Encode(NewFeatureCollection([]Feature{f})); err == nil {
			t.Fatalf("Encode(%v) succeeded, want an error", v)
		}
	}
}
