package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/hhrutter/lzw"
)

var enc = binary.LittleEndian

// stripTarget is the uncompressed size aimed for per strip.
const stripTarget = 64 << 10

// EncodeOptions controls how samples are stored.
type EncodeOptions struct {
	Compression int // CompressionNone, CompressionLZW or CompressionDeflate
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// Encode writes r as a little-endian, stripped, 32-bit float GeoTIFF.
func Encode(w io.Writer, r *Raster, opts *EncodeOptions) error {
	if r.Width <= 0 || r.Height <= 0 || len(r.Samples) != r.Width*r.Height {
		return fmt.Errorf("geotiff: %dx%d raster with %d samples", r.Width, r.Height, len(r.Samples))
	}
	compression := CompressionDeflate
	if opts != nil && opts.Compression != 0 {
		compression = opts.Compression
	}

	rowsPerStrip := max(1, stripTarget/(r.Width*4))
	strips, err := encodeStrips(r, rowsPerStrip, compression)
	if err != nil {
		return err
	}

	counts := make([]uint32, len(strips))
	for i, s := range strips {
		counts[i] = uint32(len(s))
	}

	entries := []ifdEntry{
		long(tagImageWidth, uint32(r.Width)),
		long(tagImageLength, uint32(r.Height)),
		short(tagBitsPerSample, 32),
		short(tagCompression, uint16(compression)),
		short(tagPhotometric, 1), // BlackIsZero
		longs(tagStripOffsets, make([]uint32, len(strips))),
		short(tagSamplesPerPixel, 1),
		long(tagRowsPerStrip, uint32(rowsPerStrip)),
		longs(tagStripByteCounts, counts),
		short(tagPlanarConfig, 1),
		short(tagSampleFormat, sampleFloat),
		doubles(tagModelPixelScale, r.PixelScale[:]),
		doubles(tagModelTiepoint, r.Tiepoint[:]),
	}
	if r.EPSG > 0 {
		entries = append(entries, shorts(tagGeoKeyDirectory, geoKeys(r.EPSG)))
	}
	if r.NoData != nil {
		entries = append(entries, ascii(tagGDALNoData, strconv.FormatFloat(*r.NoData, 'f', -1, 64)))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Header, IFD, out-of-line values, then strip data.
	ifdSize := 2 + 12*len(entries) + 4
	cursor := 8 + ifdSize
	valueOffsets := make([]int, len(entries))
	for i, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		valueOffsets[i] = cursor
		cursor += len(e.data) + len(e.data)%2
	}

	stripOffsets := make([]uint32, len(strips))
	for i, s := range strips {
		stripOffsets[i] = uint32(cursor)
		cursor += len(s)
	}
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i] = longs(tagStripOffsets, stripOffsets)
		}
	}

	var head bytes.Buffer
	head.Write([]byte{'I', 'I', 42, 0, 8, 0, 0, 0})
	_ = binary.Write(&head, enc, uint16(len(entries)))
	for i, e := range entries {
		_ = binary.Write(&head, enc, e.tag)
		_ = binary.Write(&head, enc, e.typ)
		_ = binary.Write(&head, enc, e.count)
		var val [4]byte
		if len(e.data) <= 4 {
			copy(val[:], e.data)
		} else {
			enc.PutUint32(val[:], uint32(valueOffsets[i]))
		}
		head.Write(val[:])
	}
	_ = binary.Write(&head, enc, uint32(0))
	for _, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		head.Write(e.data)
		if len(e.data)%2 == 1 {
			head.WriteByte(0)
		}
	}

	if _, err := head.WriteTo(w); err != nil {
		return err
	}
	for _, s := range strips {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

func encodeStrips(r *Raster, rowsPerStrip, compression int) ([][]byte, error) {
	var strips [][]byte
	raw := make([]byte, 0, rowsPerStrip*r.Width*4)
	for y := 0; y < r.Height; y += rowsPerStrip {
		rows := min(rowsPerStrip, r.Height-y)
		raw = raw[:0]
		for _, v := range r.Samples[y*r.Width : (y+rows)*r.Width] {
			raw = enc.AppendUint32(raw, math.Float32bits(v))
		}
		s, err := compress(raw, compression)
		if err != nil {
			return nil, err
		}
		strips = append(strips, s)
	}
	return strips, nil
}

func compress(raw []byte, compression int) ([]byte, error) {
	var buf bytes.Buffer
	var wc io.WriteCloser
	switch compression {
	case CompressionNone:
		return bytes.Clone(raw), nil
	case CompressionLZW:
		wc = lzw.NewWriter(&buf, true)
	case CompressionDeflate:
		wc = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrFormat, compression)
	}
	if _, err := wc.Write(raw); err != nil {
		return nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// geoKeys builds a GeoKey directory for an EPSG code. Codes 4000-4999 are
// geographic, everything else is treated as projected.
func geoKeys(epsg int) []uint16 {
	model, key := uint16(modelProjected), uint16(keyProjectedType)
	if epsg >= 4000 && epsg < 5000 {
		model, key = modelGeographic, keyGeographicType
	}
	return []uint16{
		1, 1, 0, 3,
		keyModelType, 0, 1, model,
		keyRasterType, 0, 1, rasterPixelArea,
		key, 0, 1, uint16(epsg),
	}
}

func short(tag, v uint16) ifdEntry {
	return shorts(tag, []uint16{v})
}

func shorts(tag uint16, vs []uint16) ifdEntry {
	b := make([]byte, 0, 2*len(vs))
	for _, v := range vs {
		b = enc.AppendUint16(b, v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vs)), data: b}
}

func long(tag uint16, v uint32) ifdEntry {
	return longs(tag, []uint32{v})
}

func longs(tag uint16, vs []uint32) ifdEntry {
	b := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		b = enc.AppendUint32(b, v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vs)), data: b}
}

func doubles(tag uint16, vs []float64) ifdEntry {
	b := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		b = enc.AppendUint64(b, math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vs)), data: b}
}

func ascii(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}
