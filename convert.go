package demcsv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ResolutionEpsilon is the default tolerance when comparing X and Y pixel
// resolutions.
const ResolutionEpsilon = 1e-6

// Options control a conversion. The zero value uses the package defaults.
type Options struct {
	// Output is the CSV path. Empty means the input path with its extension
	// replaced by ".csv".
	Output string
	// Precision is the number of fractional digits per cell. Nil means
	// DefaultPrecision.
	Precision *int
	// Sentinel replaces nodata and non-finite cells. Nil means
	// NoDataSentinel.
	Sentinel *float64
	// ResolutionEpsilon is the non-square pixel tolerance. Nil means the
	// package default.
	ResolutionEpsilon *float64
	// Logger receives progress and warnings. Nil means no logging.
	Logger *zap.Logger
}

// A Result describes a finished conversion.
type Result struct {
	OutputPath          string
	Rows                int
	Cols                int
	ResX                float64
	ResY                float64
	NoDataCells         int
	NonFiniteCells      int
	Verified            bool
	MemoryEstimateBytes int
}

// DefaultOutputPath returns inputPath with its extension replaced by ".csv".
func DefaultOutputPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".csv"
}

// Convert reads the single-band GeoTIFF at inputPath, masks nodata and
// non-finite cells, and writes the band as a CSV grid.
//
// A failed post-write verification is logged but is not returned as an
// error, and the output file is left in place either way. No cleanup is
// performed on failure once the write has begun.
func Convert(inputPath string, options Options) (*Result, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	precision := DefaultPrecision
	if options.Precision != nil {
		precision = *options.Precision
	}
	sentinel := NoDataSentinel
	if options.Sentinel != nil {
		sentinel = *options.Sentinel
	}
	epsilon := ResolutionEpsilon
	if options.ResolutionEpsilon != nil {
		epsilon = *options.ResolutionEpsilon
	}
	outputPath := options.Output
	if outputPath == "" {
		outputPath = DefaultOutputPath(inputPath)
	}

	logger.Info("reading DEM", zap.String("input", inputPath))
	reader, err := Open(os.DirFS(filepath.Dir(inputPath)), filepath.Base(inputPath))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer reader.Close()

	grid, err := reader.ReadBand()
	if err != nil {
		return nil, fmt.Errorf("read band: %w", err)
	}
	logger.Info("grid size",
		zap.Int("rows", grid.Rows),
		zap.Int("cols", grid.Cols),
	)

	if grid.SquarePixels(epsilon) {
		logger.Info("DEM resolution", zap.Float64("meters_per_pixel", grid.ResX))
	} else {
		// No resampling: the X resolution is simply the one reported.
		logger.Warn("non-square pixels detected, using X resolution",
			zap.Float64("res_x", grid.ResX),
			zap.Float64("res_y", grid.ResY),
		)
	}

	result := &Result{
		OutputPath: outputPath,
		Rows:       grid.Rows,
		Cols:       grid.Cols,
		ResX:       grid.ResX,
		ResY:       grid.ResY,
	}

	if nodata, ok := reader.NoData(); ok {
		result.NoDataCells = grid.MaskNoData(nodata, sentinel)
		logger.Info("converted nodata cells",
			zap.Float64("nodata", nodata),
			zap.Float64("sentinel", sentinel),
			zap.Int("cells", result.NoDataCells),
		)
	} else {
		logger.Info("no nodata value specified in input file")
	}
	result.NonFiniteCells = grid.MaskNonFinite(sentinel)
	if result.NonFiniteCells > 0 {
		logger.Warn("found invalid values (NaN/inf), replaced with sentinel",
			zap.Float64("sentinel", sentinel),
			zap.Int("cells", result.NonFiniteCells),
		)
	}

	logger.Info("writing CSV", zap.String("output", outputPath))
	outputFile, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", outputPath, err)
	}
	if err := WriteCSV(outputFile, grid, precision); err != nil {
		_ = outputFile.Close()
		return nil, fmt.Errorf("write %s: %w", outputPath, err)
	}
	if err := outputFile.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", outputPath, err)
	}

	result.MemoryEstimateBytes = grid.MemoryEstimateBytes()
	result.Verified = verifyShape(outputPath, grid, logger)
	if result.Verified {
		logger.Info("conversion complete, output verified",
			zap.String("output", outputPath),
			zap.Float64("estimated_memory_mib", float64(result.MemoryEstimateBytes)/(1<<20)),
		)
	}

	return result, nil
}

// verifyShape re-parses the written file and compares its shape to the
// in-memory grid. Failures are logged, never fatal.
func verifyShape(outputPath string, grid *Grid, logger *zap.Logger) bool {
	outputFile, err := os.Open(outputPath)
	if err != nil {
		logger.Error("verifying output file", zap.Error(err))
		return false
	}
	defer outputFile.Close()

	rows, cols, err := ReadCSVShape(outputFile)
	if err != nil {
		logger.Error("verifying output file", zap.Error(err))
		return false
	}
	if rows != grid.Rows || cols != grid.Cols {
		logger.Error("output dimensions don't match input",
			zap.Int("want_rows", grid.Rows),
			zap.Int("want_cols", grid.Cols),
			zap.Int("got_rows", rows),
			zap.Int("got_cols", cols),
		)
		return false
	}
	return true
}
