// Package timeframe provides a small column-oriented container for
// time-series query results: one shared ascending time index plus named
// float64 value columns. It covers the selection, resampling, and CSV
// export needs of the dataset facade without pulling in a full dataframe
// dependency.
package timeframe

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Sentinel errors returned by frame construction and selection.
var (
	ErrColumnLength  = errors.New("timeframe: column length does not match time index")
	ErrNotAscending  = errors.New("timeframe: time index is not strictly ascending")
	ErrUnknownColumn = errors.New("timeframe: unknown column")
	ErrEmptyResample = errors.New("timeframe: resample step must be positive")
	ErrDuplicateName = errors.New("timeframe: duplicate column name")
	ErrNoColumns     = errors.New("timeframe: frame has no columns")
)

// Column is one named series of samples aligned to the frame's time index.
// Missing samples are represented as NaN.
type Column struct {
	Name   string
	Unit   string
	Values []float64
}

// Frame is an immutable tabular result: a strictly ascending time index
// and one or more equally sized value columns.
type Frame struct {
	times []time.Time
	cols  []Column
	index map[string]int
}

// New validates and builds a Frame. The time index must be strictly
// ascending (no duplicates) and every column must have exactly one value
// per timestamp.
func New(times []time.Time, cols []Column) (*Frame, error) {
	if len(cols) == 0 {
		return nil, ErrNoColumns
	}

	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			return nil, fmt.Errorf("%w: index %d (%s) <= index %d (%s)",
				ErrNotAscending, i, times[i], i-1, times[i-1])
		}
	}

	index := make(map[string]int, len(cols))

	for i, c := range cols {
		if len(c.Values) != len(times) {
			return nil, fmt.Errorf("%w: column %q has %d values for %d timestamps",
				ErrColumnLength, c.Name, len(c.Values), len(times))
		}

		if _, dup := index[c.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
		}

		index[c.Name] = i
	}

	return &Frame{times: times, cols: cols, index: index}, nil
}

// Empty returns a frame with no rows and no columns. Used where an
// empty selection is a valid result rather than an error.
func Empty() *Frame {
	return &Frame{index: map[string]int{}}
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.times)
}

// Columns returns the column names in order.
func (f *Frame) Columns() []string {
	names := make([]string, len(f.cols))
	for i, c := range f.cols {
		names[i] = c.Name
	}

	return names
}

// Times returns a copy of the time index.
func (f *Frame) Times() []time.Time {
	out := make([]time.Time, len(f.times))
	copy(out, f.times)

	return out
}

// Column returns the values of the named column. The returned slice is a
// copy; mutating it does not affect the frame.
func (f *Frame) Column(name string) ([]float64, error) {
	i, ok := f.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}

	out := make([]float64, len(f.cols[i].Values))
	copy(out, f.cols[i].Values)

	return out, nil
}

// Unit returns the unit annotation of the named column.
func (f *Frame) Unit(name string) (string, error) {
	i, ok := f.index[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}

	return f.cols[i].Unit, nil
}

// At returns the value of the named column at row i.
func (f *Frame) At(name string, i int) (float64, error) {
	col, ok := f.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}

	if i < 0 || i >= len(f.times) {
		return 0, fmt.Errorf("timeframe: row %d out of range [0,%d)", i, len(f.times))
	}

	return f.cols[col].Values[i], nil
}

// Select returns a new frame containing only the named columns, in the
// given order. The time index is shared between the frames (it is never
// mutated).
func (f *Frame) Select(names ...string) (*Frame, error) {
	cols := make([]Column, 0, len(names))

	for _, name := range names {
		i, ok := f.index[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}

		cols = append(cols, f.cols[i])
	}

	return New(f.times, cols)
}

// ConvertZone returns a copy of the frame with every timestamp converted
// to loc. Values are shared; only the index is rewritten.
func (f *Frame) ConvertZone(loc *time.Location) *Frame {
	times := make([]time.Time, len(f.times))
	for i, t := range f.times {
		times[i] = t.In(loc)
	}

	out := &Frame{times: times, cols: f.cols, index: f.index}

	return out
}

// Aggregate selects how samples inside one resample bucket collapse to a
// single value.
type Aggregate int

const (
	AggMean Aggregate = iota
	AggMin
	AggMax
	AggLast
)

// Resample buckets the frame into fixed step windows aligned to the first
// timestamp and collapses each bucket with agg. Buckets with no samples
// are omitted (no NaN padding), so the result stays strictly ascending.
func (f *Frame) Resample(step time.Duration, agg Aggregate) (*Frame, error) {
	if step <= 0 {
		return nil, ErrEmptyResample
	}

	if len(f.times) == 0 {
		return New(nil, f.cols)
	}

	origin := f.times[0]

	// Row ranges per bucket, in encounter order. The source index is
	// ascending, so buckets come out ascending too.
	type bucket struct {
		start time.Time
		lo    int
		hi    int // exclusive
	}

	var buckets []bucket

	for i, t := range f.times {
		n := t.Sub(origin) / step
		start := origin.Add(n * step)

		if len(buckets) > 0 && buckets[len(buckets)-1].start.Equal(start) {
			buckets[len(buckets)-1].hi = i + 1
			continue
		}

		buckets = append(buckets, bucket{start: start, lo: i, hi: i + 1})
	}

	times := make([]time.Time, len(buckets))
	cols := make([]Column, len(f.cols))

	for ci, c := range f.cols {
		cols[ci] = Column{Name: c.Name, Unit: c.Unit, Values: make([]float64, len(buckets))}
	}

	for bi, b := range buckets {
		times[bi] = b.start

		for ci, c := range f.cols {
			cols[ci].Values[bi] = collapse(c.Values[b.lo:b.hi], agg)
		}
	}

	return New(times, cols)
}

// collapse reduces one bucket of samples with the chosen aggregate.
// NaN samples are skipped; an all-NaN bucket stays NaN.
func collapse(vals []float64, agg Aggregate) float64 {
	switch agg {
	case AggLast:
		for i := len(vals) - 1; i >= 0; i-- {
			if !math.IsNaN(vals[i]) {
				return vals[i]
			}
		}

		return math.NaN()
	case AggMin:
		return fold(vals, math.Inf(1), math.Min)
	case AggMax:
		return fold(vals, math.Inf(-1), math.Max)
	default:
		var sum float64

		var n int

		for _, v := range vals {
			if math.IsNaN(v) {
				continue
			}

			sum += v
			n++
		}

		if n == 0 {
			return math.NaN()
		}

		return sum / float64(n)
	}
}

func fold(vals []float64, init float64, f func(a, b float64) float64) float64 {
	acc := init

	var n int

	for _, v := range vals {
		if math.IsNaN(v) {
			continue
		}

		acc = f(acc, v)
		n++
	}

	if n == 0 {
		return math.NaN()
	}

	return acc
}

// Merge combines frames that may cover different time ranges into one
// frame with the union of timestamps and columns. Where a column has no
// sample at a merged timestamp the value is NaN. Later frames win on
// duplicate (column, timestamp) pairs.
func Merge(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return nil, ErrNoColumns
	}

	// Union of timestamps.
	seen := make(map[int64]time.Time)

	for _, fr := range frames {
		for _, t := range fr.times {
			seen[t.UnixNano()] = t
		}
	}

	keys := make([]int64, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	times := make([]time.Time, len(keys))
	rowOf := make(map[int64]int, len(keys))

	for i, k := range keys {
		times[i] = seen[k]
		rowOf[k] = i
	}

	// Union of columns, first-seen order.
	var cols []Column

	index := make(map[string]int)

	for _, fr := range frames {
		for _, c := range fr.cols {
			ci, ok := index[c.Name]
			if !ok {
				ci = len(cols)
				index[c.Name] = ci
				vals := make([]float64, len(times))

				for i := range vals {
					vals[i] = math.NaN()
				}

				cols = append(cols, Column{Name: c.Name, Unit: c.Unit, Values: vals})
			}

			for i, t := range fr.times {
				cols[ci].Values[rowOf[t.UnixNano()]] = c.Values[i]
			}
		}
	}

	return New(times, cols)
}
