package demcsv

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"
)

// DefaultPrecision is the number of fractional digits written per cell.
const DefaultPrecision = 6

// WriteCSV writes g as fixed-format decimal text, comma-delimited, one
// record per raster row, with no header.
func WriteCSV(w io.Writer, g *Grid, precision int) error {
	csvWriter := csv.NewWriter(w)
	record := make([]string, g.Cols)
	for row := range g.Rows {
		for col := range g.Cols {
			record[col] = strconv.FormatFloat(g.Z(col, row), 'f', precision, 64)
		}
		if err := csvWriter.Write(record); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}

// ReadCSVShape parses a written grid and returns its shape. Every record
// must have the same number of fields.
func ReadCSVShape(r io.Reader) (rows, cols int, err error) {
	csvReader := csv.NewReader(r)
	csvReader.ReuseRecord = true
	for {
		record, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		if rows == 0 {
			cols = len(record)
		}
		rows++
	}
	return rows, cols, nil
}
