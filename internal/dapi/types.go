package dapi

import (
	"encoding/json"
	"math"
	"time"
)

// Data API endpoint paths, identical for local and cloud HTTP backends.
const (
	PathOnlineVariables = "/online/structure/variables"
	PathOnlineData      = "/online/data"
	PathBufferSources   = "/buffer/structure/sources"
	PathBufferData      = "/buffer/data"
	PathBufferExport    = "/buffer/export"
	PathHistorySources  = "/history/structure/sources"
	PathHistoryData     = "/history/data"
)

// Envelope is the common response wrapper: {"Success": bool, "Data": ...}.
type Envelope struct {
	Success bool            `json:"Success"`
	Data    json.RawMessage `json:"Data"`
}

// Source describes one buffer or history stream on the backend.
type Source struct {
	ID            string  `json:"Id"`
	Name          string  `json:"Name"`
	SampleRateHz  float64 `json:"SampleRateHz"`
	AbsoluteStart float64 `json:"AbsoluteStart"`
	LastTimestamp float64 `json:"LastTimeStamp"`
	Index         int     `json:"Index"`
}

// Variable describes one channel inside a stream.
type Variable struct {
	ID         string `json:"Id"`
	Name       string `json:"Name"`
	Index      int    `json:"Index"`
	Unit       string `json:"Unit"`
	DataFormat string `json:"DataFormat"`
}

// VarSelector addresses one channel in a data request by stream and
// variable ID.
type VarSelector struct {
	SID      string `json:"SID"`
	VID      string `json:"VID"`
	Selector string `json:"Selector,omitempty"`
}

// DataRequest is the body for /buffer/data and /history/data. Start and
// End are epoch milliseconds; non-positive values are relative to the
// newest sample (trailing window).
type DataRequest struct {
	Start      float64       `json:"Start"`
	End        float64       `json:"End"`
	Variables  []VarSelector `json:"Variables"`
	Points     int           `json:"Points"`
	Type       string        `json:"Type"`
	Format     string        `json:"Format"`
	Precision  int           `json:"Precision"`
	TimeZone   string        `json:"TimeZone"`
	TimeOffset int           `json:"TimeOffset"`
}

// NewDataRequest builds a request with the protocol defaults: equidistant
// JSON output, full precision, UTC timestamps.
func NewDataRequest(startMs, endMs float64, points int, vars []VarSelector) DataRequest {
	return DataRequest{
		Start:     startMs,
		End:       endMs,
		Variables: vars,
		Points:    points,
		Type:      "equidistant",
		Format:    "json",
		Precision: -1,
		TimeZone:  "UTC",
	}
}

// TimeSeries is the payload inside one data response item. Values holds
// one row per requested variable, in request order.
type TimeSeries struct {
	Type          string      `json:"Type"`
	Format        string      `json:"Format"`
	Unit          string      `json:"Unit"`
	Start         float64     `json:"Start"`
	AbsoluteStart float64     `json:"AbsoluteStart"`
	Delta         float64     `json:"Delta"`
	End           float64     `json:"End"`
	Size          int         `json:"Size"`
	MeasurementID string      `json:"MeasurementId"`
	Updating      bool        `json:"Updating"`
	Values        [][]float64 `json:"Values"`
}

// Timestamps materializes the equidistant time index of the series.
// AbsoluteStart and Delta are milliseconds.
func (ts *TimeSeries) Timestamps() []time.Time {
	if len(ts.Values) == 0 {
		return nil
	}

	n := len(ts.Values[0])
	out := make([]time.Time, n)

	for i := 0; i < n; i++ {
		ms := ts.AbsoluteStart + float64(i)*ts.Delta
		sec, frac := math.Modf(ms / 1000)
		out[i] = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}

	return out
}

// DataItem wraps one TimeSeries in a data response.
type DataItem struct {
	TimeSeries TimeSeries `json:"TimeSeries"`
}

// OnlineRequest is the body for /online/data reads and writes.
type OnlineRequest struct {
	Variables []string  `json:"Variables"`
	Values    []float64 `json:"Values,omitempty"`
	Function  string    `json:"Function"`
}

// OnlineValues is the payload of an /online/data read response.
type OnlineValues struct {
	Values []float64 `json:"Values"`
}

// Measurement describes one recorded measurement inside a history source.
type Measurement struct {
	ID            string  `json:"Id"`
	Name          string  `json:"Name"`
	AbsoluteStart float64 `json:"AbsoluteStart"`
	LastTimestamp float64 `json:"LastTimeStamp"`
}

// EpochMs converts a time to the epoch-millisecond representation the
// wire protocol uses.
func EpochMs(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}
