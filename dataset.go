package gidata

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/qmeasure/gidata-go/internal/driver"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

// defaultWindow is the trailing window of a live fetch when no time
// range is set.
const defaultWindow = time.Minute

// Dataset is an immutable selection builder. Every chained call returns
// a derived copy, so a Dataset can be kept and forked; nothing touches
// the backend until a terminal (Frame, CSV, Stream) runs.
type Dataset struct {
	c *Client

	names    []string
	patterns []string

	window   time.Duration
	from, to time.Time
	hasRange bool

	allowEmpty bool

	step        time.Duration
	agg         timeframe.Aggregate
	hasResample bool

	interval time.Duration
	onChange bool
	buffer   int

	loc *time.Location
}

// Dataset starts a new selection against the connected backend.
func (c *Client) Dataset() *Dataset {
	return &Dataset{c: c, window: defaultWindow, loc: c.loc}
}

func (d *Dataset) clone() *Dataset {
	out := *d
	out.names = append([]string(nil), d.names...)
	out.patterns = append([]string(nil), d.patterns...)

	return &out
}

// Channels adds explicit channel names to the selection.
func (d *Dataset) Channels(names ...string) *Dataset {
	out := d.clone()
	out.names = append(out.names, names...)

	return out
}

// Match adds glob patterns (path.Match syntax) expanded against the
// backend's channel listing at terminal time.
func (d *Dataset) Match(patterns ...string) *Dataset {
	out := d.clone()
	out.patterns = append(out.patterns, patterns...)

	return out
}

// Last selects the trailing window ending now, served from live data.
// Clears any Between range.
func (d *Dataset) Last(window time.Duration) *Dataset {
	out := d.clone()
	out.window = window
	out.hasRange = false

	return out
}

// Between selects the half-open range [from, to), served from recorded
// history.
func (d *Dataset) Between(from, to time.Time) *Dataset {
	out := d.clone()
	out.from = from
	out.to = to
	out.hasRange = true

	return out
}

// AllowEmpty makes a selection that matches no channels yield an empty
// frame instead of ErrNoChannels.
func (d *Dataset) AllowEmpty() *Dataset {
	out := d.clone()
	out.allowEmpty = true

	return out
}

// Resample collapses the result into fixed step buckets with the given
// aggregate before it is returned.
func (d *Dataset) Resample(step time.Duration, agg timeframe.Aggregate) *Dataset {
	out := d.clone()
	out.step = step
	out.agg = agg
	out.hasResample = true

	return out
}

// In sets the timezone of result timestamps, overriding the client
// default for this selection.
func (d *Dataset) In(loc *time.Location) *Dataset {
	out := d.clone()
	out.loc = loc

	return out
}

// Every sets the delivery interval for Stream. HTTP-polled backends
// floor it at one second.
func (d *Dataset) Every(interval time.Duration) *Dataset {
	out := d.clone()
	out.interval = interval

	return out
}

// Buffer sets the event buffer size for Stream. When the consumer
// falls behind, the oldest buffered events are dropped and reported on
// the next gap event. Zero keeps the backend default.
func (d *Dataset) Buffer(n int) *Dataset {
	out := d.clone()
	out.buffer = n

	return out
}

// OnChange requests delivery only when a value changes, on backends
// that support it.
func (d *Dataset) OnChange() *Dataset {
	out := d.clone()
	out.onChange = true

	return out
}

// Frame executes the selection and returns the result table. Timestamps
// are in the selection's timezone; resampling is applied before the
// conversion.
func (d *Dataset) Frame(ctx context.Context) (*timeframe.Frame, error) {
	chans, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}

	if len(chans) == 0 {
		return timeframe.Empty(), nil
	}

	var frame *timeframe.Frame
	if d.hasRange {
		frame, err = d.c.drv.FetchHistory(ctx, chans, d.from, d.to)
	} else {
		frame, err = d.c.drv.FetchOnline(ctx, chans, d.window)
	}

	if err != nil {
		return nil, err
	}

	if d.hasResample {
		frame, err = frame.Resample(d.step, d.agg)
		if err != nil {
			return nil, err
		}
	}

	if d.loc != nil && d.loc != time.UTC {
		frame = frame.ConvertZone(d.loc)
	}

	return frame, nil
}

// CSV executes the selection and writes the result as CSV.
func (d *Dataset) CSV(ctx context.Context, w io.Writer) error {
	frame, err := d.Frame(ctx)
	if err != nil {
		return err
	}

	return frame.WriteCSV(w)
}

// Export writes the selection as CSV rendered by the backend when the
// driver supports server-side export and an explicit range was given.
// Otherwise it falls back to fetching a frame and encoding it locally.
func (d *Dataset) Export(ctx context.Context, w io.Writer) error {
	exp, ok := d.c.drv.(driver.Exporter)
	if !ok || !d.hasRange {
		return d.CSV(ctx, w)
	}

	chans, err := d.resolve(ctx)
	if err != nil {
		return err
	}

	if len(chans) == 0 {
		return d.CSV(ctx, w)
	}

	return exp.ExportCSV(ctx, chans, d.from, d.to, w)
}

// Stream subscribes to live delivery for the selection. AllowEmpty does
// not apply: streaming an empty selection is always an error.
func (d *Dataset) Stream(ctx context.Context) (*Subscription, error) {
	chans, err := d.resolve(ctx)
	if err != nil {
		return nil, err
	}

	if len(chans) == 0 {
		return nil, fmt.Errorf("%w: cannot stream", ErrNoChannels)
	}

	return d.c.drv.SubscribeEvents(ctx, chans, driver.SubscribeOptions{
		Interval: d.interval,
		OnChange: d.onChange,
		Buffer:   d.buffer,
	})
}

// resolve expands the selection into backend channels: explicit names
// first in request order, then pattern matches in listing order.
func (d *Dataset) resolve(ctx context.Context) ([]driver.Channel, error) {
	var chans []driver.Channel

	seen := make(map[string]bool)

	if len(d.names) > 0 {
		named, err := d.c.resolveNames(ctx, d.names)
		if err != nil {
			return nil, err
		}

		for _, ch := range named {
			if !seen[ch.Name] {
				seen[ch.Name] = true
				chans = append(chans, ch)
			}
		}
	}

	if len(d.patterns) > 0 {
		all, err := d.c.cache.All(ctx, d.c.tenant)
		if err != nil {
			return nil, err
		}

		for _, m := range all {
			if seen[m.DisplayName] {
				continue
			}

			matched, err := matchAny(d.patterns, m.DisplayName)
			if err != nil {
				return nil, err
			}

			if matched {
				seen[m.DisplayName] = true
				chans = append(chans, driver.Channel{
					Name: m.DisplayName,
					VID:  m.BackendID,
					SID:  m.SourceID,
					Unit: m.Unit,
				})
			}
		}
	}

	if len(chans) == 0 && !d.allowEmpty {
		return nil, fmt.Errorf("%w: names=%v patterns=%v", ErrNoChannels, d.names, d.patterns)
	}

	return chans, nil
}

func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := path.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("gidata: bad channel pattern %q: %w", p, err)
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}
