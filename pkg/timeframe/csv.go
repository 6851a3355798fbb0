package timeframe

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// csvTimeLayout is RFC 3339 with millisecond precision, matching the
// resolution of the backend buffer APIs.
const csvTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// WriteCSV writes the frame as delimited text: a header row of "time"
// plus column names, then one row per timestamp. NaN values are written
// as empty cells.
func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := append([]string{"time"}, f.Columns()...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("timeframe: writing CSV header: %w", err)
	}

	row := make([]string, len(f.cols)+1)

	for i, t := range f.times {
		row[0] = t.Format(csvTimeLayout)

		for ci, c := range f.cols {
			v := c.Values[i]
			if math.IsNaN(v) {
				row[ci+1] = ""
				continue
			}

			row[ci+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("timeframe: writing CSV row %d: %w", i, err)
		}
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		return fmt.Errorf("timeframe: flushing CSV: %w", err)
	}

	return nil
}

// ParseCSVTime parses a timestamp in the layout WriteCSV emits.
func ParseCSVTime(s string) (time.Time, error) {
	return time.Parse(csvTimeLayout, s)
}
