package tfrecord

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriterReaderFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	records := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xab}, 1000)}
	for _, r := range records {
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.Count() != 3 {
		t.Fatalf("Count = %d, want 3", w.Count())
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	for i, want := range records {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d = %x, want %x", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after last = %v, want io.EOF", err)
	}
}

func TestReaderDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Flush()

	data := buf.Bytes()
	data[14] ^= 0xff // inside the payload
	if _, err := NewReader(bytes.NewReader(data)).Next(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Next = %v, want ErrCorrupt", err)
	}
}

func TestMaskedCRCKnownValue(t *testing.T) {
	// crc32c("") = 0, masked = 0xa282ead8.
	if got := maskedCRC(nil); got != 0xa282ead8 {
		t.Fatalf("maskedCRC(nil) = %#x, want 0xa282ead8", got)
	}
}

func TestExampleRoundTrip(t *testing.T) {
	ex := Example{
		"NIGHTLIGHTS": {Floats: []float32{0, 1.5, 3}},
		"country":     {Bytes: [][]byte{[]byte("ng")}},
		"year":        {Ints: []int64{2015}},
		"wealth":      {Floats: []float32{-0.25}},
	}
	got, err := UnmarshalExample(ex.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalExample: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("features = %d, want 4", len(got))
	}
	if f := got["NIGHTLIGHTS"].Floats; len(f) != 3 || f[1] != 1.5 {
		t.Fatalf("NIGHTLIGHTS = %v", f)
	}
	if b := got["country"].Bytes; len(b) != 1 || string(b[0]) != "ng" {
		t.Fatalf("country = %q", b)
	}
	if i := got["year"].Ints; len(i) != 1 || i[0] != 2015 {
		t.Fatalf("year = %v", i)
	}
	if f := got["wealth"].Floats; len(f) != 1 || f[0] != -0.25 {
		t.Fatalf("wealth = %v", f)
	}
}

func TestExampleMarshalIsDeterministic(t *testing.T) {
	ex := Example{"b": {Floats: []float32{1}}, "a": {Floats: []float32{2}}, "c": {Ints: []int64{3}}}
	first := ex.Marshal()
	for i := 0; i < 10; i++ {
		if !bytes.Equal(ex.Marshal(), first) {
			t.Fatalf("Marshal output changed between calls")
		}
	}
}
