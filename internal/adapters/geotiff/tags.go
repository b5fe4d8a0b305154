// Package geotiff reads and writes single-band GeoTIFF elevation rasters.
//
// Only the subset of TIFF 6.0 that coverage services emit for elevation
// data is supported: classic (non-Big) TIFF, one sample per pixel, strips
// or tiles, and uncompressed, LZW, Deflate or PackBits blocks.
package geotiff

// Field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeSByte  = 6
	typeSShort = 8
	typeSLong  = 9
	typeFloat  = 11
	typeDouble = 12
)

var typeLen = map[uint16]int{
	typeByte:   1,
	typeASCII:  1,
	typeShort:  2,
	typeLong:   4,
	5:          8, // RATIONAL
	typeSByte:  1,
	7:          1, // UNDEFINED
	typeSShort: 2,
	typeSLong:  4,
	10:         8, // SRATIONAL
	typeFloat:  4,
	typeDouble: 8,
}

// Baseline and extension tags.
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
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
)

// GeoTIFF and GDAL tags.
const (
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113
)

// Compression schemes.
const (
	CompressionNone     = 1
	CompressionLZW      = 5
	CompressionDeflate  = 8
	compressionDeflate2 = 32946 // Legacy Deflate code still written by some servers
	compressionPackBits = 32773
)

// Predictors.
const (
	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3
)

// Sample formats.
const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// GeoKeys.
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072

	modelProjected  = 1
	modelGeographic = 2
	rasterPixelArea = 1
)
