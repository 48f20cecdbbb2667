// Package geotiff writes single-band float32 GeoTIFFs, used for composite
// previews.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

const (
	DataType_ASCII  = 2
	DataType_Short  = 3
	DataType_Long   = 4
	DataType_Double = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_SampleFormat              = 339

	// GeoTIFF Tags
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
	TagType_GDALNoData         = 42113

	sampleFormatIEEEFloat = 3
)

// GeoKey ids
const (
	GTModelTypeGeoKey      = 1024
	GTRasterTypeGeoKey     = 1025
	ProjectedCSTypeGeoKey  = 3072
	modelTypeProjected     = 1
	rasterPixelIsArea      = 1
	geoKeyDirectoryVersion = 1
)

// EPSGWebMercator is the projection of every exported raster
const EPSGWebMercator = 3857

var enc = binary.LittleEndian

// Raster is one band in row-major order
type Raster struct {
	Width, Height int
	Data          []float32
	NoData        float32 // written as GDAL_NODATA; NaN is allowed
	Description   string
}

// GeoRef places the raster on a projected grid. Origin is the top-left
// corner.
type GeoRef struct {
	OriginX, OriginY float64
	PixelSize        float64
	EPSG             uint16
}

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

type byTag []ifdEntry

func (d byTag) Len() int           { return len(d) }
func (d byTag) Less(i, j int) bool { return d[i].tag < d[j].tag }
func (d byTag) Swap(i, j int)      { d[i], d[j] = d[j], d[i] }

// GeoKeys builds the GeoKeyDirectory for a projected CRS
func GeoKeys(epsg uint16) []uint16 {
	return []uint16{
		geoKeyDirectoryVersion, 1, 0, 3, // header: version, revision, minor, key count
		GTModelTypeGeoKey, 0, 1, modelTypeProjected,
		GTRasterTypeGeoKey, 0, 1, rasterPixelIsArea,
		ProjectedCSTypeGeoKey, 0, 1, epsg,
	}
}

// Encode writes r to w as an uncompressed little-endian GeoTIFF with one
// float32 strip. ref may be nil for a plain TIFF.
func Encode(w io.Writer, r Raster, ref *GeoRef) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", r.Width, r.Height)
	}
	if len(r.Data) != r.Width*r.Height {
		return fmt.Errorf("raster has %d values, want %d", len(r.Data), r.Width*r.Height)
	}

	// Header: II, 42, first IFD at 8
	header := []byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}
	if _, err := w.Write(header); err != nil {
		return err
	}

	pixels := make([]byte, 4*len(r.Data))
	for i, v := range r.Data {
		enc.PutUint32(pixels[4*i:], math.Float32bits(v))
	}

	var entries []ifdEntry
	addEntry := func(tag uint16, datatype uint16, count uint32, data []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, data})
	}
	addASCII := func(tag uint16, s string) {
		b := append([]byte(s), 0)
		addEntry(tag, DataType_ASCII, uint32(len(b)), b)
	}

	addEntry(TagType_ImageWidth, DataType_Long, 1, enc32(uint32(r.Width)))
	addEntry(TagType_ImageLength, DataType_Long, 1, enc32(uint32(r.Height)))
	addEntry(TagType_BitsPerSample, DataType_Short, 1, enc16(32))
	addEntry(TagType_Compression, DataType_Short, 1, enc16(1))               // None
	addEntry(TagType_PhotometricInterpretation, DataType_Short, 1, enc16(1)) // BlackIsZero
	addEntry(TagType_SamplesPerPixel, DataType_Short, 1, enc16(1))
	addEntry(TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(r.Height)))
	addEntry(TagType_SampleFormat, DataType_Short, 1, enc16(sampleFormatIEEEFloat))
	addEntry(TagType_StripOffsets, DataType_Long, 1, make([]byte, 4))
	addEntry(TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels))))
	addASCII(TagType_GDALNoData, formatNoData(r.NoData))
	if r.Description != "" {
		addASCII(TagType_ImageDescription, r.Description)
	}

	if ref != nil {
		if ref.PixelSize <= 0 {
			return fmt.Errorf("invalid pixel size %v", ref.PixelSize)
		}
		epsg := ref.EPSG
		if epsg == 0 {
			epsg = EPSGWebMercator
		}
		addEntry(TagType_ModelPixelScaleTag, DataType_Double, 3, encDoubles([]float64{ref.PixelSize, ref.PixelSize, 0}))
		addEntry(TagType_ModelTiepointTag, DataType_Double, 6, encDoubles([]float64{0, 0, 0, ref.OriginX, ref.OriginY, 0}))
		keys := GeoKeys(epsg)
		addEntry(TagType_GeoKeyDirectoryTag, DataType_Short, uint32(len(keys)), enc16s(keys))
	}

	sort.Sort(byTag(entries))

	ifdSize := 2 + 12*len(entries) + 4
	valueDataOffset := 8 + ifdSize

	// Values longer than 4 bytes go after the IFD; the entry holds an offset.
	var largeDataBuf bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) > 4 {
			offset := uint32(valueDataOffset + largeDataBuf.Len())
			largeDataBuf.Write(e.data)
			if largeDataBuf.Len()%2 == 1 {
				largeDataBuf.WriteByte(0) // word alignment
			}
			e.data = enc32(offset)
		}
	}

	pixelsOffset := uint32(valueDataOffset + largeDataBuf.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelsOffset)
		}
	}

	if err := binary.Write(w, enc, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, enc, e.tag); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.datatype); err != nil {
			return err
		}
		if err := binary.Write(w, enc, e.count); err != nil {
			return err
		}
		var val [4]byte
		copy(val[:], e.data)
		if _, err := w.Write(val[:]); err != nil {
			return err
		}
	}
	// No further IFDs
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}

	if _, err := largeDataBuf.WriteTo(w); err != nil {
		return err
	}
	if _, err := w.Write(pixels); err != nil {
		return err
	}
	return nil
}

func formatNoData(v float32) string {
	if math.IsNaN(float64(v)) {
		return "nan"
	}
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}
