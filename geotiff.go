package demcsv

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/image/tiff/lzw"
)

const (
	compressionNone       uint16 = 1
	compressionLZW        uint16 = 5
	compressionDeflate    uint16 = 8
	compressionDeflateOld uint16 = 32946
)

const (
	sampleFormatUint  uint16 = 1
	sampleFormatInt   uint16 = 2
	sampleFormatFloat uint16 = 3
)

var errShortRead = errors.New("short read")

var (
	blockCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demcsv_block_cache_hits_total",
		Help: "The total number of hits on the decoded block cache",
	})
	blockCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demcsv_block_cache_misses_total",
		Help: "The total number of misses on the decoded block cache",
	})
	blockCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demcsv_block_cache_evictions_total",
		Help: "The total number of evictions from the decoded block cache",
	})
)

// A Reader is an open single-band GeoTIFF DEM.
type Reader struct {
	file            *os.File
	width           int
	height          int
	tiled           bool
	blockWidth      int
	blockHeight     int
	blocksAcross    int
	blocksDown      int
	blockOffsets    []uint64
	blockByteCounts []uint64
	compression     uint16
	sampleFormat    uint16
	bitsPerSample   uint16
	bytesPerSample  int
	resX            float64
	resY            float64
	nodata          float64
	hasNoData       bool
	geoKeys         *ParsedGeoKeys
	blockCacheSize  int
	mutex           sync.Mutex
	blockCache      *lru.Cache[int, []float64]
}

type ReaderOption func(*Reader)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth                uint16    `tiff:"field,tag=256"`
	ImageLength               uint16    `tiff:"field,tag=257"`
	BitsPerSample             uint16    `tiff:"field,tag=258"`
	Compression               uint16    `tiff:"field,tag=259"`
	PhotometricInterpretation uint16    `tiff:"field,tag=262"`
	StripOffsets              []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel           uint16    `tiff:"field,tag=277"`
	RowsPerStrip              uint16    `tiff:"field,tag=278"`
	StripByteCounts           []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration       uint16    `tiff:"field,tag=284"`
	Predictor                 uint16    `tiff:"field,tag=317"`
	TileWidth                 uint16    `tiff:"field,tag=322"`
	TileLength                uint16    `tiff:"field,tag=323"`
	TileOffsets               []uint64  `tiff:"field,tag=324"`
	TileByteCounts            []uint64  `tiff:"field,tag=325"`
	SampleFormat              uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag        []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag          []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag        []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag        []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag         string    `tiff:"field,tag=34737"`
	GDALMetadata              string    `tiff:"field,tag=42112"`
	GDALNoData                string    `tiff:"field,tag=42113"`
}

// Open opens the GeoTIFF at filename in fsys. Sample data is read lazily,
// block by block.
func Open(fsys fs.FS, filename string, options ...ReaderOption) (*Reader, error) {
	var err error
	ok := false

	r := &Reader{
		blockCacheSize: 64,
	}
	for _, option := range options {
		option(r)
	}

	file, err := fsys.Open(filename)
	if err != nil {
		return nil, err
	}
	osFile, isOSFile := file.(*os.File)
	if !isOSFile {
		_ = file.Close()
		return nil, errors.ErrUnsupported
	}
	r.file = osFile
	defer func() {
		if !ok {
			_ = r.file.Close()
		}
	}()

	tiffTIFF, err := tiff.Parse(r.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	if len(tiffTIFF.IFDs()) != 1 {
		return nil, fmt.Errorf("found %d IFDs, expected 1", len(tiffTIFF.IFDs()))
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := r.configure(&ifd); err != nil {
		return nil, err
	}

	r.blockCache, err = lru.New[int, []float64](r.blockCacheSize)
	if err != nil {
		return nil, err
	}

	ok = true
	return r, nil
}

// WithBlockCacheSize sets the maximum number of decoded blocks kept in
// memory by [Reader.Sample].
func WithBlockCacheSize(blocks int) ReaderOption {
	return func(r *Reader) {
		r.blockCacheSize = blocks
	}
}

func (r *Reader) configure(ifd *geoTIFFIFD) error {
	// TIFF defaults for absent tags.
	if ifd.Compression == 0 {
		ifd.Compression = compressionNone
	}
	if ifd.SamplesPerPixel == 0 {
		ifd.SamplesPerPixel = 1
	}
	if ifd.PlanarConfiguration == 0 {
		ifd.PlanarConfiguration = 1
	}
	if ifd.Predictor == 0 {
		ifd.Predictor = 1
	}
	if ifd.SampleFormat == 0 {
		ifd.SampleFormat = sampleFormatUint
	}

	if ifd.SamplesPerPixel != 1 ||
		ifd.PlanarConfiguration != 1 ||
		ifd.Predictor != 1 ||
		ifd.PhotometricInterpretation > 1 {
		return errors.ErrUnsupported
	}

	switch ifd.Compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
		r.compression = ifd.Compression
	default:
		return errors.ErrUnsupported
	}

	switch {
	case ifd.SampleFormat == sampleFormatFloat && ifd.BitsPerSample == 32,
		ifd.SampleFormat == sampleFormatFloat && ifd.BitsPerSample == 64,
		ifd.SampleFormat == sampleFormatInt && ifd.BitsPerSample == 16,
		ifd.SampleFormat == sampleFormatInt && ifd.BitsPerSample == 32,
		ifd.SampleFormat == sampleFormatUint && ifd.BitsPerSample == 16:
		r.sampleFormat = ifd.SampleFormat
		r.bitsPerSample = ifd.BitsPerSample
		r.bytesPerSample = int(ifd.BitsPerSample) / 8
	default:
		return errors.ErrUnsupported
	}

	r.width = int(ifd.ImageWidth)
	r.height = int(ifd.ImageLength)
	if r.width == 0 || r.height == 0 {
		return errors.New("empty raster")
	}

	if ifd.TileWidth != 0 {
		r.tiled = true
		r.blockWidth = int(ifd.TileWidth)
		r.blockHeight = int(ifd.TileLength)
		if r.blockWidth == 0 || r.blockHeight == 0 {
			return errors.New("empty tiles")
		}
		r.blocksAcross = (r.width + r.blockWidth - 1) / r.blockWidth
		r.blocksDown = (r.height + r.blockHeight - 1) / r.blockHeight
		r.blockOffsets = ifd.TileOffsets
		r.blockByteCounts = ifd.TileByteCounts
	} else {
		r.blockWidth = r.width
		// RowsPerStrip 0 means a single strip covering the whole image.
		r.blockHeight = int(ifd.RowsPerStrip)
		if r.blockHeight == 0 {
			r.blockHeight = r.height
		}
		r.blocksAcross = 1
		r.blocksDown = (r.height + r.blockHeight - 1) / r.blockHeight
		r.blockOffsets = ifd.StripOffsets
		r.blockByteCounts = ifd.StripByteCounts
	}
	blocksPerImage := r.blocksAcross * r.blocksDown
	if len(r.blockOffsets) != blocksPerImage || len(r.blockByteCounts) != blocksPerImage {
		return errors.New("incorrect number of block byte counts or offsets")
	}

	// Resolution comes from the pixel scale tag. A GeoTIFF without one has
	// an identity transform, so both axes default to 1.
	r.resX, r.resY = 1, 1
	if len(ifd.ModelPixelScaleTag) >= 2 {
		r.resX = math.Abs(ifd.ModelPixelScaleTag[0])
		r.resY = math.Abs(ifd.ModelPixelScaleTag[1])
	}

	if s := strings.TrimSpace(strings.Trim(ifd.GDALNoData, "\x00")); s != "" {
		nodata, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse nodata value %q: %w", s, err)
		}
		r.nodata = nodata
		r.hasNoData = true
	}

	// Geokeys are informational only; a malformed directory does not block
	// conversion.
	if len(ifd.GeoKeyDirectoryTag) > 0 {
		r.geoKeys, _ = ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, []byte(ifd.GeoASCIIParamsTag))
	}

	return nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Size returns the raster dimensions in pixels.
func (r *Reader) Size() (width, height int) {
	return r.width, r.height
}

// Resolution returns the pixel scale magnitudes in map units per pixel.
func (r *Reader) Resolution() (x, y float64) {
	return r.resX, r.resY
}

// NoData returns the declared nodata value, if any.
func (r *Reader) NoData() (float64, bool) {
	return r.nodata, r.hasNoData
}

// Tiled reports whether the raster uses a tiled layout rather than strips.
func (r *Reader) Tiled() bool {
	return r.tiled
}

// BlockSize returns the dimensions of one storage block (a tile, or a strip).
func (r *Reader) BlockSize() (width, height int) {
	return r.blockWidth, r.blockHeight
}

// GeoKeys returns the parsed geokey directory, or nil if the file has none
// or it could not be parsed.
func (r *Reader) GeoKeys() *ParsedGeoKeys {
	return r.geoKeys
}

// CompressionName returns the name of the raster's compression scheme.
func (r *Reader) CompressionName() string {
	switch r.compression {
	case compressionNone:
		return "none"
	case compressionLZW:
		return "lzw"
	case compressionDeflate, compressionDeflateOld:
		return "deflate"
	default:
		return "unknown"
	}
}

// SampleFormatName returns the name of the raster's sample type.
func (r *Reader) SampleFormatName() string {
	switch {
	case r.sampleFormat == sampleFormatFloat:
		return fmt.Sprintf("float%d", r.bitsPerSample)
	case r.sampleFormat == sampleFormatInt:
		return fmt.Sprintf("int%d", r.bitsPerSample)
	default:
		return fmt.Sprintf("uint%d", r.bitsPerSample)
	}
}

// ReadBand reads the entire band into a Grid. The whole raster is held in
// memory at once; there is no streaming path.
func (r *Reader) ReadBand() (*Grid, error) {
	grid := NewGrid(r.height, r.width, r.resX, r.resY)
	for index := range r.blocksAcross * r.blocksDown {
		samples, err := r.getBlockCached(index)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", index, err)
		}
		r.scatterBlock(grid, index, samples)
	}
	return grid, nil
}

// Sample returns the single cell at (col, row).
func (r *Reader) Sample(col, row int) (float64, error) {
	if col < 0 || r.width <= col || row < 0 || r.height <= row {
		return 0, fmt.Errorf("sample (%d, %d) out of range", col, row)
	}
	index := (row/r.blockHeight)*r.blocksAcross + col/r.blockWidth
	samples, err := r.getBlockCached(index)
	if err != nil {
		return 0, fmt.Errorf("block %d: %w", index, err)
	}
	return samples[(row%r.blockHeight)*r.blockWidth+col%r.blockWidth], nil
}

// scatterBlock copies a decoded block into grid, clipping tile padding at
// the right and bottom edges.
func (r *Reader) scatterBlock(grid *Grid, index int, samples []float64) {
	col0 := (index % r.blocksAcross) * r.blockWidth
	row0 := (index / r.blocksAcross) * r.blockHeight
	rows := min(r.blockHeight, r.height-row0)
	cols := min(r.blockWidth, r.width-col0)
	for blockRow := range rows {
		src := samples[blockRow*r.blockWidth:]
		dst := grid.Data[(row0+blockRow)*r.width+col0:]
		copy(dst[:cols], src[:cols])
	}
}

// blockSampleCount returns the number of samples stored in the block at
// index. Tiles are always full-size; the last strip may be short.
func (r *Reader) blockSampleCount(index int) int {
	if r.tiled {
		return r.blockWidth * r.blockHeight
	}
	row0 := index * r.blockHeight
	return r.blockWidth * min(r.blockHeight, r.height-row0)
}

// getBlock reads, decompresses and decodes the block at index.
func (r *Reader) getBlock(index int) ([]float64, error) {
	blockByteCount := r.blockByteCounts[index]
	blockOffset := r.blockOffsets[index]
	compressedData := make([]byte, blockByteCount)
	switch n, err := r.file.ReadAt(compressedData, int64(blockOffset)); {
	case err != nil:
		return nil, err
	case n != int(blockByteCount):
		return nil, errShortRead
	}

	sampleCount := r.blockSampleCount(index)
	blockData, err := r.decompressBlockData(compressedData, sampleCount*r.bytesPerSample)
	if err != nil {
		return nil, err
	}
	return r.decodeBlockData(blockData, sampleCount), nil
}

// getBlockCached returns the block at index using r's cache.
func (r *Reader) getBlockCached(index int) ([]float64, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if samples, ok := r.blockCache.Get(index); ok {
		blockCacheHits.Inc()
		return samples, nil
	}
	blockCacheMisses.Inc()

	samples, err := r.getBlock(index)
	if err != nil {
		return nil, err
	}
	if eviction := r.blockCache.Add(index, samples); eviction {
		blockCacheEvictions.Inc()
	}
	return samples, nil
}

// decompressBlockData decompresses one block to exactly byteCount bytes.
func (r *Reader) decompressBlockData(compressedData []byte, byteCount int) ([]byte, error) {
	switch r.compression {
	case compressionNone:
		if len(compressedData) < byteCount {
			return nil, errShortRead
		}
		return compressedData[:byteCount], nil
	case compressionLZW:
		blockData := make([]byte, byteCount)
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		for bytesRead := 0; bytesRead < byteCount; {
			n, err := lzwReader.Read(blockData[bytesRead:])
			if err != nil {
				return nil, err
			}
			bytesRead += n
		}
		return blockData, nil
	default: // compressionDeflate, compressionDeflateOld
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		blockData := make([]byte, byteCount)
		if _, err := io.ReadFull(zlibReader, blockData); err != nil {
			return nil, err
		}
		return blockData, nil
	}
}

// decodeBlockData decodes sampleCount little-endian samples from blockData.
func (r *Reader) decodeBlockData(blockData []byte, sampleCount int) []float64 {
	samples := make([]float64, sampleCount)
	switch {
	case r.sampleFormat == sampleFormatFloat && r.bitsPerSample == 32:
		for i := range sampleCount {
			samples[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(blockData[4*i:])))
		}
	case r.sampleFormat == sampleFormatFloat && r.bitsPerSample == 64:
		for i := range sampleCount {
			samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(blockData[8*i:]))
		}
	case r.sampleFormat == sampleFormatInt && r.bitsPerSample == 16:
		for i := range sampleCount {
			samples[i] = float64(int16(binary.LittleEndian.Uint16(blockData[2*i:])))
		}
	case r.sampleFormat == sampleFormatInt && r.bitsPerSample == 32:
		for i := range sampleCount {
			samples[i] = float64(int32(binary.LittleEndian.Uint32(blockData[4*i:])))
		}
	default: // sampleFormatUint, 16 bits
		for i := range sampleCount {
			samples[i] = float64(binary.LittleEndian.Uint16(blockData[2*i:]))
		}
	}
	return samples
}
