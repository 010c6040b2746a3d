package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	demcsv "github.com/grayhaven/go-demcsv"
)

var (
	verbose   bool
	precision int
	sentinel  float64

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dem2csv input.tif [output.csv]",
	Short: "Convert a GeoTIFF DEM to a CSV grid",
	Long: `dem2csv converts a single-band GeoTIFF digital elevation model into a
plain-text comma-separated grid for the terrain GUI.

The whole band is read into memory, nodata and non-finite cells are
replaced with a sentinel value, and every cell is written as fixed-format
decimal text, one row per raster row, with no header. After writing, the
output is re-parsed and its shape checked against the input.

Example:
  dem2csv DEM_Gray_Haven.tif`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runConvert,
}

var infoCmd = &cobra.Command{
	Use:   "info input.tif",
	Short: "Print raster metadata without converting",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().IntVar(&precision, "precision", demcsv.DefaultPrecision, "fractional digits per cell")
	rootCmd.Flags().Float64Var(&sentinel, "sentinel", demcsv.NoDataSentinel, "value written for nodata and non-finite cells")
	rootCmd.AddCommand(infoCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("input file not found: %s", inputPath)
	}

	options := demcsv.Options{
		Precision: &precision,
		Sentinel:  &sentinel,
		Logger:    logger,
	}
	if len(args) == 2 {
		options.Output = args[1]
	}

	settings, err := LoadSettings(filepath.Dir(inputPath))
	if err != nil {
		return err
	}
	applySettings(cmd, settings, &options)

	// A failed shape verification is already logged by Convert and does not
	// change the exit code.
	_, err = demcsv.Convert(inputPath, options)
	return err
}

// applySettings fills options from the settings file for every value not set
// explicitly on the command line.
func applySettings(cmd *cobra.Command, settings *Settings, options *demcsv.Options) {
	if settings == nil {
		return
	}
	if settings.Precision != nil && !cmd.Flags().Changed("precision") {
		options.Precision = settings.Precision
	}
	if settings.Sentinel != nil && !cmd.Flags().Changed("sentinel") {
		options.Sentinel = settings.Sentinel
	}
	if settings.ResolutionEpsilon != nil {
		options.ResolutionEpsilon = settings.ResolutionEpsilon
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	inputPath := args[0]
	if _, err := os.Stat(inputPath); err != nil {
		return fmt.Errorf("input file not found: %s", inputPath)
	}

	reader, err := demcsv.Open(os.DirFS(filepath.Dir(inputPath)), filepath.Base(inputPath))
	if err != nil {
		return fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer reader.Close()

	width, height := reader.Size()
	resX, resY := reader.Resolution()
	blockWidth, blockHeight := reader.BlockSize()
	fmt.Printf("size: %dx%d\n", width, height)
	fmt.Printf("resolution: %g x %g\n", resX, resY)
	fmt.Printf("sample format: %s\n", reader.SampleFormatName())
	fmt.Printf("compression: %s\n", reader.CompressionName())
	if reader.Tiled() {
		fmt.Printf("layout: tiled %dx%d\n", blockWidth, blockHeight)
	} else {
		fmt.Printf("layout: stripped, %d rows per strip\n", blockHeight)
	}
	if nodata, ok := reader.NoData(); ok {
		fmt.Printf("nodata: %g\n", nodata)
	} else {
		fmt.Println("nodata: none")
	}
	if geoKeys := reader.GeoKeys(); geoKeys != nil {
		fmt.Printf("model type: %s\n", geoKeys.ModelType())
		if code, ok := geoKeys.CRS(); ok {
			fmt.Printf("crs: EPSG:%d\n", code)
		}
		if citation := geoKeys.Citation(); citation != "" {
			fmt.Printf("citation: %s\n", citation)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
