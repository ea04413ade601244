// Package source loads market data records from delimited files. Values
// pass through verbatim: the reader never parses or reformats numbers,
// because the stored fingerprint is computed over the exact source text.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/olukfidel/Blockchain-Proof-of-History/pkg/models"
)

// ErrMissingColumn reports a header without one of the required columns.
var ErrMissingColumn = errors.New("source: missing required column")

// Column names are case sensitive: "Name" is capitalized in the upstream
// dataset and a lowercase "name" column is a different file format.
var requiredColumns = []string{"date", "open", "high", "low", "close", "volume", "Name"}

// ReadCSV decodes records from r. The header row is mandatory, extra
// columns are ignored, and column order does not matter.
func ReadCSV(r io.Reader) ([]models.Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.New("source: empty input, expected a header row")
		}
		return nil, fmt.Errorf("source: read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[col] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}

	var records []models.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("source: line %d: %w", line, err)
		}
		records = append(records, models.Record{
			Date:   row[index["date"]],
			Open:   row[index["open"]],
			High:   row[index["high"]],
			Low:    row[index["low"]],
			Close:  row[index["close"]],
			Volume: row[index["volume"]],
			Name:   row[index["Name"]],
		})
	}
	return records, nil
}

// ReadCSVFile reads records from a file on disk.
func ReadCSVFile(path string) ([]models.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}
