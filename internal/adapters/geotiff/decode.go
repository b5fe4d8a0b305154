package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/hhrutter/lzw"
)

// ErrFormat is returned for input that is not a supported GeoTIFF.
var ErrFormat = errors.New("geotiff: unsupported format")

// Raster is a decoded single-band raster with its georeferencing tags.
type Raster struct {
	Width   int
	Height  int
	Samples []float32 // Row-major, Width*Height values

	PixelScale [3]float64 // ModelPixelScale: x, y, z
	Tiepoint   [6]float64 // ModelTiepoint: i, j, k, x, y, z
	EPSG       int        // 0 when no geographic or projected key is present
	NoData     *float64   // GDAL_NODATA, nil when absent
}

// Origin returns the world coordinate of the top-left pixel corner.
func (r *Raster) Origin() (x, y float64) {
	return r.Tiepoint[3] - r.Tiepoint[0]*r.PixelScale[0],
		r.Tiepoint[4] + r.Tiepoint[1]*r.PixelScale[1]
}

type entry struct {
	typ   uint16
	count uint32
	raw   []byte
}

type decoder struct {
	data []byte
	bo   binary.ByteOrder
	tags map[uint16]entry
}

// Decode parses the first image of a TIFF file.
func Decode(data []byte) (*Raster, error) {
	d := &decoder{data: data}
	if err := d.readIFD(); err != nil {
		return nil, err
	}

	width, height := d.intTag(tagImageWidth, 0), d.intTag(tagImageLength, 0)
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: missing image dimensions", ErrFormat)
	}
	if spp := d.intTag(tagSamplesPerPixel, 1); spp != 1 {
		return nil, fmt.Errorf("%w: %d samples per pixel", ErrFormat, spp)
	}

	r := &Raster{Width: width, Height: height}
	if err := d.readSamples(r); err != nil {
		return nil, err
	}
	d.readGeo(r)
	return r, nil
}

func (d *decoder) readIFD() error {
	if len(d.data) < 8 {
		return fmt.Errorf("%w: short header", ErrFormat)
	}
	switch string(d.data[:2]) {
	case "II":
		d.bo = binary.LittleEndian
	case "MM":
		d.bo = binary.BigEndian
	default:
		return fmt.Errorf("%w: bad byte order mark", ErrFormat)
	}
	if v := d.bo.Uint16(d.data[2:4]); v != 42 {
		return fmt.Errorf("%w: version %d", ErrFormat, v)
	}

	off := int(d.bo.Uint32(d.data[4:8]))
	if off < 8 || off+2 > len(d.data) {
		return fmt.Errorf("%w: IFD offset out of range", ErrFormat)
	}
	n := int(d.bo.Uint16(d.data[off:]))
	off += 2
	if off+12*n > len(d.data) {
		return fmt.Errorf("%w: truncated IFD", ErrFormat)
	}

	d.tags = make(map[uint16]entry, n)
	for i := 0; i < n; i++ {
		p := d.data[off+12*i : off+12*i+12]
		tag := d.bo.Uint16(p[0:2])
		typ := d.bo.Uint16(p[2:4])
		count := d.bo.Uint32(p[4:8])

		size, ok := typeLen[typ]
		if !ok {
			continue
		}
		total := size * int(count)
		var raw []byte
		if total <= 4 {
			raw = p[8 : 8+total]
		} else {
			vo := int(d.bo.Uint32(p[8:12]))
			if vo < 0 || vo+total > len(d.data) {
				return fmt.Errorf("%w: tag %d value out of range", ErrFormat, tag)
			}
			raw = d.data[vo : vo+total]
		}
		d.tags[tag] = entry{typ: typ, count: count, raw: raw}
	}
	return nil
}

// uints returns an integer-typed tag.
func (d *decoder) uints(tag uint16) []uint {
	e, ok := d.tags[tag]
	if !ok {
		return nil
	}
	out := make([]uint, e.count)
	for i := range out {
		switch e.typ {
		case typeByte:
			out[i] = uint(e.raw[i])
		case typeShort:
			out[i] = uint(d.bo.Uint16(e.raw[2*i:]))
		case typeLong:
			out[i] = uint(d.bo.Uint32(e.raw[4*i:]))
		default:
			return nil
		}
	}
	return out
}

func (d *decoder) intTag(tag uint16, def int) int {
	v := d.uints(tag)
	if len(v) == 0 {
		return def
	}
	return int(v[0])
}

func (d *decoder) doubles(tag uint16) []float64 {
	e, ok := d.tags[tag]
	if !ok {
		return nil
	}
	out := make([]float64, e.count)
	for i := range out {
		switch e.typ {
		case typeDouble:
			out[i] = math.Float64frombits(d.bo.Uint64(e.raw[8*i:]))
		case typeFloat:
			out[i] = float64(math.Float32frombits(d.bo.Uint32(e.raw[4*i:])))
		default:
			return nil
		}
	}
	return out
}

func (d *decoder) ascii(tag uint16) string {
	e, ok := d.tags[tag]
	if !ok || e.typ != typeASCII {
		return ""
	}
	return strings.TrimRight(string(e.raw), "\x00")
}

func (d *decoder) readGeo(r *Raster) {
	copy(r.PixelScale[:], d.doubles(tagModelPixelScale))
	copy(r.Tiepoint[:], d.doubles(tagModelTiepoint))
	r.EPSG = parseEPSG(d.uints(tagGeoKeyDirectory))

	if s := strings.TrimSpace(d.ascii(tagGDALNoData)); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			r.NoData = &v
		}
	}
}

// parseEPSG extracts the CRS code from the GeoKey directory.
func parseEPSG(keys []uint) int {
	if len(keys) < 4 {
		return 0
	}
	n := int(keys[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(keys) {
			break
		}
		switch keys[base] {
		case keyProjectedType, keyGeographicType:
			// A zero location means the value is stored inline.
			if keys[base+1] == 0 && keys[base+3] > 0 {
				return int(keys[base+3])
			}
		}
	}
	return 0
}

// layout describes how pixel data is split into blocks.
type layout struct {
	blockW, blockH int
	offsets        []uint
	counts         []uint
	tiled          bool
}

func (d *decoder) layout(width, height int) (layout, error) {
	if tw := d.intTag(tagTileWidth, 0); tw > 0 {
		l := layout{
			blockW:  tw,
			blockH:  d.intTag(tagTileLength, 0),
			offsets: d.uints(tagTileOffsets),
			counts:  d.uints(tagTileByteCounts),
			tiled:   true,
		}
		across := (width + l.blockW - 1) / l.blockW
		down := (height + l.blockH - 1) / max(l.blockH, 1)
		if l.blockH <= 0 || len(l.offsets) < across*down || len(l.counts) < len(l.offsets) {
			return l, fmt.Errorf("%w: inconsistent tile layout", ErrFormat)
		}
		return l, nil
	}

	l := layout{
		blockW:  width,
		blockH:  d.intTag(tagRowsPerStrip, height),
		offsets: d.uints(tagStripOffsets),
		counts:  d.uints(tagStripByteCounts),
	}
	if l.blockH <= 0 || l.blockH > height {
		l.blockH = height
	}
	if strips := (height + l.blockH - 1) / l.blockH; len(l.offsets) < strips || len(l.counts) < len(l.offsets) {
		return l, fmt.Errorf("%w: inconsistent strip layout", ErrFormat)
	}
	return l, nil
}

func (d *decoder) readSamples(r *Raster) error {
	if pc := d.intTag(tagPlanarConfig, 1); pc != 1 {
		return fmt.Errorf("%w: planar configuration %d", ErrFormat, pc)
	}
	bits := d.intTag(tagBitsPerSample, 1)
	format := d.intTag(tagSampleFormat, sampleUint)
	conv, err := converter(format, bits, d.bo)
	if err != nil {
		return err
	}
	bps := bits / 8
	compression := d.intTag(tagCompression, CompressionNone)
	predictor := d.intTag(tagPredictor, predictorNone)

	l, err := d.layout(r.Width, r.Height)
	if err != nil {
		return err
	}

	r.Samples = make([]float32, r.Width*r.Height)
	across := (r.Width + l.blockW - 1) / l.blockW
	for i, off := range l.offsets {
		bx := (i % across) * l.blockW
		by := (i / across) * l.blockH
		if by >= r.Height {
			break
		}
		rows := l.blockH
		if !l.tiled {
			rows = min(l.blockH, r.Height-by)
		}

		start, end := int(off), int(off)+int(l.counts[i])
		if start < 0 || end > len(d.data) || start > end {
			return fmt.Errorf("%w: block %d out of range", ErrFormat, i)
		}
		block, err := decompress(d.data[start:end], compression)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		rowBytes := l.blockW * bps
		if len(block) < rows*rowBytes {
			return fmt.Errorf("%w: block %d has %d bytes, want %d", ErrFormat, i, len(block), rows*rowBytes)
		}
		if err := unpredict(block[:rows*rowBytes], rowBytes, bps, predictor, format, d.bo); err != nil {
			return err
		}

		for y := 0; y < rows && by+y < r.Height; y++ {
			row := block[y*rowBytes:]
			dst := r.Samples[(by+y)*r.Width:]
			for x := 0; x < l.blockW && bx+x < r.Width; x++ {
				dst[bx+x] = conv(row[x*bps:])
			}
		}
	}
	return nil
}

// converter returns a function reading one sample as float32.
func converter(format, bits int, bo binary.ByteOrder) (func([]byte) float32, error) {
	switch {
	case format == sampleFloat && bits == 32:
		return func(b []byte) float32 { return math.Float32frombits(bo.Uint32(b)) }, nil
	case format == sampleFloat && bits == 64:
		return func(b []byte) float32 { return float32(math.Float64frombits(bo.Uint64(b))) }, nil
	case format == sampleInt && bits == 8:
		return func(b []byte) float32 { return float32(int8(b[0])) }, nil
	case format == sampleInt && bits == 16:
		return func(b []byte) float32 { return float32(int16(bo.Uint16(b))) }, nil
	case format == sampleInt && bits == 32:
		return func(b []byte) float32 { return float32(int32(bo.Uint32(b))) }, nil
	case format == sampleUint && bits == 8:
		return func(b []byte) float32 { return float32(b[0]) }, nil
	case format == sampleUint && bits == 16:
		return func(b []byte) float32 { return float32(bo.Uint16(b)) }, nil
	case format == sampleUint && bits == 32:
		return func(b []byte) float32 { return float32(bo.Uint32(b)) }, nil
	}
	return nil, fmt.Errorf("%w: sample format %d with %d bits", ErrFormat, format, bits)
}

func decompress(data []byte, compression int) ([]byte, error) {
	switch compression {
	case CompressionNone:
		// Predictors work in place; never touch the caller's buffer.
		return bytes.Clone(data), nil
	case CompressionLZW:
		rc := lzw.NewReader(bytes.NewReader(data), true)
		defer rc.Close()
		return readAllLenient(rc)
	case CompressionDeflate, compressionDeflate2:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionPackBits:
		return unpackBits(data)
	}
	return nil, fmt.Errorf("%w: compression %d", ErrFormat, compression)
}

// readAllLenient reads until EOF, keeping what was read when the stream
// ends without an end-of-information code.
func readAllLenient(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(r)
	if err != nil && errors.Is(err, io.ErrUnexpectedEOF) && len(out) > 0 {
		return out, nil
	}
	return out, err
}

func unpackBits(data []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(data); {
		n := int(int8(data[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(data) {
				return nil, fmt.Errorf("%w: truncated packbits literal", ErrFormat)
			}
			out = append(out, data[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(data) {
				return nil, fmt.Errorf("%w: truncated packbits run", ErrFormat)
			}
			for j := 0; j < 1-n; j++ {
				out = append(out, data[i])
			}
			i++
		}
	}
	return out, nil
}

// unpredict reverses the predictor in place, one row at a time.
func unpredict(block []byte, rowBytes, bps, predictor, format int, bo binary.ByteOrder) error {
	switch predictor {
	case predictorNone:
		return nil
	case predictorHorizontal:
		if format == sampleFloat {
			return fmt.Errorf("%w: horizontal predictor on float samples", ErrFormat)
		}
		for row := 0; row+rowBytes <= len(block); row += rowBytes {
			undoHorizontal(block[row:row+rowBytes], bps, bo)
		}
		return nil
	case predictorFloat:
		if format != sampleFloat {
			return fmt.Errorf("%w: floating point predictor on integer samples", ErrFormat)
		}
		tmp := make([]byte, rowBytes)
		for row := 0; row+rowBytes <= len(block); row += rowBytes {
			undoFloat(block[row:row+rowBytes], tmp, bps, bo)
		}
		return nil
	}
	return fmt.Errorf("%w: predictor %d", ErrFormat, predictor)
}

func undoHorizontal(row []byte, bps int, bo binary.ByteOrder) {
	switch bps {
	case 1:
		for i := 1; i < len(row); i++ {
			row[i] += row[i-1]
		}
	case 2:
		for i := 2; i+2 <= len(row); i += 2 {
			bo.PutUint16(row[i:], bo.Uint16(row[i:])+bo.Uint16(row[i-2:]))
		}
	case 4:
		for i := 4; i+4 <= len(row); i += 4 {
			bo.PutUint32(row[i:], bo.Uint32(row[i:])+bo.Uint32(row[i-4:]))
		}
	}
}

// undoFloat reverses the floating point predictor: bytes are differenced
// across the row, then stored most significant byte plane first.
func undoFloat(row, tmp []byte, bps int, bo binary.ByteOrder) {
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	copy(tmp, row)
	w := len(row) / bps
	big := bo == binary.ByteOrder(binary.BigEndian)
	for x := 0; x < w; x++ {
		for b := 0; b < bps; b++ {
			v := tmp[b*w+x]
			if big {
				row[x*bps+b] = v
			} else {
				row[x*bps+bps-1-b] = v
			}
		}
	}
}
