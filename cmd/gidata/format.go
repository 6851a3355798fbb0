package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// formatValue renders a sample for table output. NaN (a gap in merged
// data) displays as "-".
func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}

	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05.000")
}

// printTable writes aligned columns to the given writer. headers and
// each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
