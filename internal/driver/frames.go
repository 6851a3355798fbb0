package driver

import (
	"fmt"
	"time"

	"github.com/qmeasure/gidata-go/internal/dapi"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

// seriesToFrame converts a data API response into a frame. The server
// returns a single equidistant series carrying one value row per
// requested channel, in request order.
func seriesToFrame(chans []Channel, items []dapi.DataItem) (*timeframe.Frame, error) {
	if len(items) == 0 {
		return emptyFrame(chans)
	}

	ts := items[0].TimeSeries
	if len(ts.Values) != len(chans) {
		return nil, fmt.Errorf("%w: %d value rows for %d channels",
			dapi.ErrMalformedResponse, len(ts.Values), len(chans))
	}

	times := ts.Timestamps()
	if len(times) == 0 {
		return emptyFrame(chans)
	}

	cols := make([]timeframe.Column, len(chans))

	for i, ch := range chans {
		row := ts.Values[i]
		if len(row) != len(times) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d timestamps",
				dapi.ErrMalformedResponse, i, len(row), len(times))
		}

		cols[i] = timeframe.Column{Name: ch.Name, Unit: ch.Unit, Values: row}
	}

	return timeframe.New(times, cols)
}

// emptyFrame keeps the column schema even when a range holds no samples,
// so downstream selection and CSV headers stay stable.
func emptyFrame(chans []Channel) (*timeframe.Frame, error) {
	cols := make([]timeframe.Column, len(chans))
	for i, ch := range chans {
		cols[i] = timeframe.Column{Name: ch.Name, Unit: ch.Unit, Values: nil}
	}

	return timeframe.New([]time.Time{}, cols)
}
