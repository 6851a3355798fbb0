package driver

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/qmeasure/gidata-go/internal/dapi"
	"github.com/qmeasure/gidata-go/internal/mapping"
	"github.com/qmeasure/gidata-go/internal/stream"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

// StreamingDriver receives live frames over the push channel. Structure
// listing still goes over the backend's HTTP surface; sample history is
// not retained on the push path.
type StreamingDriver struct {
	conn   *stream.Conn
	api    *dapi.Client
	logger *slog.Logger
}

// NewStreaming binds a streaming driver: the push connection for data,
// the HTTP client for structure. The connection dials lazily on the
// first subscription.
func NewStreaming(conn *stream.Conn, api *dapi.Client, logger *slog.Logger) *StreamingDriver {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamingDriver{conn: conn, api: api, logger: logger}
}

// StreamURL derives the push endpoint from an HTTP base URL.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("deriving stream URL: unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/online"

	return u.String(), nil
}

func (d *StreamingDriver) Name() BackendKind { return KindStreaming }

func (d *StreamingDriver) ListChannels(ctx context.Context) ([]mapping.ChannelMapping, error) {
	var vars []dapi.Variable
	if err := d.api.GetJSON(ctx, dapi.PathOnlineVariables, &vars); err != nil {
		return nil, fmt.Errorf("listing online variables: %w", err)
	}

	mapped := make([]mapping.ChannelMapping, len(vars))
	for i, v := range vars {
		mapped[i] = mapping.ChannelMapping{
			DisplayName: v.Name,
			BackendID:   v.ID,
			Unit:        v.Unit,
		}
	}

	return mapped, nil
}

// FetchOnline takes a short-lived subscription and returns the first
// frame it delivers as a single-row snapshot. The window duration is
// ignored; the push channel only carries current values.
func (d *StreamingDriver) FetchOnline(ctx context.Context, chans []Channel, _ time.Duration) (*timeframe.Frame, error) {
	sub, err := d.conn.Subscribe(ctx, stream.Filter{ChannelIDs: selectorVIDs(chans)})
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, err
				}

				return nil, stream.ErrDisconnected
			}

			if ev.Type != stream.EventFrame {
				continue
			}

			return snapshotFrame(chans, ev.Frame)
		}
	}
}

// snapshotFrame shapes one streamed frame into a single-row table in
// channel request order.
func snapshotFrame(chans []Channel, f *stream.Frame) (*timeframe.Frame, error) {
	byID := make(map[string]float64, len(f.Values))
	for _, v := range f.Values {
		byID[v.ID] = v.Value
	}

	cols := make([]timeframe.Column, len(chans))

	for i, ch := range chans {
		v, ok := byID[ch.VID]
		if !ok {
			return nil, fmt.Errorf("%w: channel %s missing from frame", dapi.ErrMalformedResponse, ch.Name)
		}

		cols[i] = timeframe.Column{Name: ch.Name, Unit: ch.Unit, Values: []float64{v}}
	}

	return timeframe.New([]time.Time{f.Timestamp}, cols)
}

// FetchHistory is unsupported: the push channel retains no samples.
func (d *StreamingDriver) FetchHistory(context.Context, []Channel, time.Time, time.Time) (*timeframe.Frame, error) {
	return nil, fmt.Errorf("%w: history requires an HTTP backend", ErrUnsupported)
}

func (d *StreamingDriver) SubscribeEvents(ctx context.Context, chans []Channel, opts SubscribeOptions) (*stream.Subscription, error) {
	return d.conn.Subscribe(ctx, stream.Filter{
		ChannelIDs: selectorVIDs(chans),
		IntervalMs: int(opts.Interval / time.Millisecond),
		OnChange:   opts.OnChange,
	})
}

// WriteOnline publishes values over the live connection.
func (d *StreamingDriver) WriteOnline(ctx context.Context, chans []Channel, values []float64) error {
	if len(chans) != len(values) {
		return fmt.Errorf("driver: %d channels for %d values", len(chans), len(values))
	}

	return d.conn.Publish(ctx, selectorVIDs(chans), values)
}

func (d *StreamingDriver) Close() error { return d.conn.Close() }
