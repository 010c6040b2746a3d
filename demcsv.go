// Package demcsv converts single-band GeoTIFF digital elevation models to
// plain-text CSV grids.
package demcsv

import "math"

// NoDataSentinel is the value written in place of missing or invalid cells.
// The downstream GUI treats it as "no terrain here".
const NoDataSentinel = -999999.0

// A Grid is a single raster band held entirely in memory.
type Grid struct {
	Rows int
	Cols int
	ResX float64 // meters per pixel, magnitude
	ResY float64
	Data []float64 // row-major, length Rows*Cols
}

// NewGrid returns a zero-filled Grid with the given shape and resolution.
func NewGrid(rows, cols int, resX, resY float64) *Grid {
	return &Grid{
		Rows: rows,
		Cols: cols,
		ResX: resX,
		ResY: resY,
		Data: make([]float64, rows*cols),
	}
}

// Z returns the cell at (col, row).
func (g *Grid) Z(col, row int) float64 {
	return g.Data[row*g.Cols+col]
}

// SetZ sets the cell at (col, row).
func (g *Grid) SetZ(col, row int, z float64) {
	g.Data[row*g.Cols+col] = z
}

// MaskNoData rewrites every cell equal to nodata to sentinel and returns the
// number of cells rewritten. This is an equality pass only: a NaN nodata
// value matches nothing here and is picked up by [Grid.MaskNonFinite].
func (g *Grid) MaskNoData(nodata, sentinel float64) int {
	n := 0
	for i, z := range g.Data {
		if z == nodata {
			g.Data[i] = sentinel
			n++
		}
	}
	return n
}

// MaskNonFinite rewrites every NaN or infinite cell to sentinel and returns
// the number of cells rewritten.
func (g *Grid) MaskNonFinite(sentinel float64) int {
	n := 0
	for i, z := range g.Data {
		if math.IsNaN(z) || math.IsInf(z, 0) {
			g.Data[i] = sentinel
			n++
		}
	}
	return n
}

// SquarePixels reports whether the X and Y resolutions agree to within
// epsilon.
func (g *Grid) SquarePixels(epsilon float64) bool {
	return math.Abs(g.ResX-g.ResY) <= epsilon
}

// MemoryEstimateBytes returns the in-memory size of the band data. Nothing
// enforces a limit; the estimate is printed for operator awareness only.
func (g *Grid) MemoryEstimateBytes() int {
	return 8 * len(g.Data)
}
