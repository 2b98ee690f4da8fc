// Package geotiff writes uncompressed RGBA TIFFs carrying GeoTIFF
// georeferencing tags. golang.org/x/image/tiff decodes these files but has
// no encoder for the Geo* tags, so the container is written by hand.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

// TIFF field types.
const (
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12
)

// Baseline tags.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagResolutionUnit  = 296
	tagExtraSamples    = 338
)

// GeoTIFF tags.
const (
	TagModelPixelScale = 33550
	TagModelTiepoint   = 33922
	TagGeoKeyDirectory = 34735
	TagGeoDoubleParams = 34736
	TagGeoASCIIParams  = 34737
)

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m to w as a single-strip uncompressed RGBA TIFF. extraTags
// maps tag ids to values; []uint16 is written as SHORT, []float64 as DOUBLE
// and string as NUL-terminated ASCII.
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	var pixels bytes.Buffer
	pixels.Grow(width * height * 4)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := m.At(x, y).RGBA()
			pixels.WriteByte(uint8(r >> 8))
			pixels.WriteByte(uint8(g >> 8))
			pixels.WriteByte(uint8(b >> 8))
			pixels.WriteByte(uint8(a >> 8))
		}
	}

	entries := []ifdEntry{
		{tagImageWidth, typeShort, 1, enc16(uint16(width))},
		{tagImageLength, typeShort, 1, enc16(uint16(height))},
		{tagBitsPerSample, typeShort, 4, enc16s([]uint16{8, 8, 8, 8})},
		{tagCompression, typeShort, 1, enc16(1)},
		{tagPhotometric, typeShort, 1, enc16(2)}, // RGB
		{tagSamplesPerPixel, typeShort, 1, enc16(4)},
		{tagRowsPerStrip, typeShort, 1, enc16(uint16(height))},
		{tagXResolution, typeRational, 1, encRational(72, 1)},
		{tagYResolution, typeRational, 1, encRational(72, 1)},
		{tagResolutionUnit, typeShort, 1, enc16(2)},
		{tagExtraSamples, typeShort, 1, enc16(1)}, // associated alpha
		{tagStripOffsets, typeLong, 1, make([]byte, 4)},
		{tagStripByteCounts, typeLong, 1, enc32(uint32(pixels.Len()))},
	}

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			entries = append(entries, ifdEntry{tag, typeShort, uint32(len(v)), enc16s(v)})
		case []float64:
			entries = append(entries, ifdEntry{tag, typeDouble, uint32(len(v)), encDoubles(v)})
		case string:
			b := append([]byte(v), 0)
			entries = append(entries, ifdEntry{tag, typeASCII, uint32(len(b)), b})
		default:
			return fmt.Errorf("unsupported value type %T for tag %d", val, tag)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: header (8) + entry count (2) + entries (12 each) + next-IFD
	// offset (4), then the out-of-line values, then the pixel strip.
	valueOffset := 8 + 2 + 12*len(entries) + 4

	var overflow bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.data) > 4 {
			offset := enc32(uint32(valueOffset + overflow.Len()))
			overflow.Write(e.data)
			e.data = offset
		}
	}

	stripOffset := uint32(valueOffset + overflow.Len())
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].data = enc32(stripOffset)
		}
	}

	if _, err := w.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}); err != nil {
		return err
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
	if err := binary.Write(w, enc, uint32(0)); err != nil {
		return err
	}
	if _, err := overflow.WriteTo(w); err != nil {
		return err
	}
	_, err := pixels.WriteTo(w)
	return err
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

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
