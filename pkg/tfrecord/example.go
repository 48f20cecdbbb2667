package tfrecord

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Feature is one named value of an Example. Exactly one field is set.
type Feature struct {
	Bytes  [][]byte
	Floats []float32
	Ints   []int64
}

// Example is a tf.train.Example: a map from feature name to Feature.
type Example map[string]Feature

// Field numbers from tensorflow/core/example/{example,feature}.proto.
const (
	exampleFeatures  protowire.Number = 1 // Example.features
	featuresFeature  protowire.Number = 1 // Features.feature (map)
	mapKey           protowire.Number = 1
	mapValue         protowire.Number = 2
	featureBytesList protowire.Number = 1
	featureFloatList protowire.Number = 2
	featureInt64List protowire.Number = 3
	listValue        protowire.Number = 1
)

// Marshal encodes the example. Keys are written in sorted order so output is
// deterministic.
func (e Example) Marshal() []byte {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var features []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e[k].marshal())

		features = protowire.AppendTag(features, featuresFeature, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var out []byte
	out = protowire.AppendTag(out, exampleFeatures, protowire.BytesType)
	out = protowire.AppendBytes(out, features)
	return out
}

func (f Feature) marshal() []byte {
	var list []byte
	var field protowire.Number
	switch {
	case f.Floats != nil:
		field = featureFloatList
		var packed []byte
		for _, v := range f.Floats {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	case f.Ints != nil:
		field = featureInt64List
		var packed []byte
		for _, v := range f.Ints {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		list = protowire.AppendTag(list, listValue, protowire.BytesType)
		list = protowire.AppendBytes(list, packed)
	default:
		field = featureBytesList
		for _, b := range f.Bytes {
			list = protowire.AppendTag(list, listValue, protowire.BytesType)
			list = protowire.AppendBytes(list, b)
		}
	}
	var out []byte
	out = protowire.AppendTag(out, field, protowire.BytesType)
	out = protowire.AppendBytes(out, list)
	return out
}

// UnmarshalExample decodes a serialized tf.train.Example. Both packed and
// unpacked repeated scalars are accepted.
func UnmarshalExample(b []byte) (Example, error) {
	ex := Example{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != exampleFeatures || typ != protowire.BytesType {
			return nil
		}
		return eachField(v, func(num protowire.Number, typ protowire.Type, entry []byte) error {
			if num != featuresFeature || typ != protowire.BytesType {
				return nil
			}
			var key string
			var feat Feature
			err := eachField(entry, func(num protowire.Number, typ protowire.Type, v []byte) error {
				switch num {
				case mapKey:
					key = string(v)
				case mapValue:
					f, err := unmarshalFeature(v)
					if err != nil {
						return err
					}
					feat = f
				}
				return nil
			})
			if err != nil {
				return err
			}
			ex[key] = feat
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func unmarshalFeature(b []byte) (Feature, error) {
	var f Feature
	err := eachField(b, func(num protowire.Number, _ protowire.Type, list []byte) error {
		return eachField(list, func(_ protowire.Number, typ protowire.Type, v []byte) error {
			switch num {
			case featureBytesList:
				f.Bytes = append(f.Bytes, append([]byte(nil), v...))
			case featureFloatList:
				if typ == protowire.Fixed32Type {
					x, _ := protowire.ConsumeFixed32(v)
					f.Floats = append(f.Floats, math.Float32frombits(x))
					return nil
				}
				for len(v) > 0 {
					x, n := protowire.ConsumeFixed32(v)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Floats = append(f.Floats, math.Float32frombits(x))
					v = v[n:]
				}
			case featureInt64List:
				if typ == protowire.VarintType {
					x, _ := protowire.ConsumeVarint(v)
					f.Ints = append(f.Ints, int64(x))
					return nil
				}
				for len(v) > 0 {
					x, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Ints = append(f.Ints, int64(x))
					v = v[n:]
				}
			}
			return nil
		})
	})
	return f, err
}

// eachField walks the top-level fields of a message. For length-delimited
// fields v is the payload; for fixed32 and varint fields v is the raw
// encoded value.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("tfrecord: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		var v []byte
		switch typ {
		case protowire.BytesType:
			payload, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("tfrecord: bad field %d: %w", num, protowire.ParseError(m))
			}
			v, n = payload, m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("tfrecord: bad field %d: %w", num, protowire.ParseError(m))
			}
			v, n = b[:m], m
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
