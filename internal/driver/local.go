package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qmeasure/gidata-go/internal/dapi"
	"github.com/qmeasure/gidata-go/internal/mapping"
	"github.com/qmeasure/gidata-go/internal/stream"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

const (
	// onlinePoints bounds the sample count of a trailing-window read.
	onlinePoints = 2048

	// listConcurrency bounds parallel per-source variable listings.
	listConcurrency = 4
)

// historyPageSize bounds one history page. Ranges needing more samples
// are fetched page by page and merged. Variable so tests can exercise
// the paging loop with small pages.
var historyPageSize = 100_000

// LocalHTTPDriver talks to an on-device controller over its HTTP data
// API. It is the first probe in auto-detection.
type LocalHTTPDriver struct {
	api    *dapi.Client
	logger *slog.Logger
}

// NewLocalHTTP binds a local HTTP driver to an authenticated API client.
func NewLocalHTTP(api *dapi.Client, logger *slog.Logger) *LocalHTTPDriver {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalHTTPDriver{api: api, logger: logger}
}

func (d *LocalHTTPDriver) Name() BackendKind { return KindLocalHTTP }

// probe checks reachability with the cheapest structural read.
func (d *LocalHTTPDriver) probe(ctx context.Context) error {
	var sources []dapi.Source
	return d.api.GetJSON(ctx, dapi.PathBufferSources, &sources)
}

// ListChannels enumerates every buffer source and flattens its variables
// into channel mappings. Per-source listings run concurrently.
func (d *LocalHTTPDriver) ListChannels(ctx context.Context) ([]mapping.ChannelMapping, error) {
	var sources []dapi.Source
	if err := d.api.GetJSON(ctx, dapi.PathBufferSources, &sources); err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	perSource := make([][]mapping.ChannelMapping, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			var vars []dapi.Variable

			path := fmt.Sprintf("%s/%s/variables", dapi.PathBufferSources, src.ID)
			if err := d.api.GetJSON(gctx, path, &vars); err != nil {
				return fmt.Errorf("listing variables of source %s: %w", src.ID, err)
			}

			mapped := make([]mapping.ChannelMapping, len(vars))
			for j, v := range vars {
				mapped[j] = mapping.ChannelMapping{
					DisplayName: v.Name,
					BackendID:   v.ID,
					SourceID:    src.ID,
					Unit:        v.Unit,
				}
			}
			perSource[i] = mapped

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []mapping.ChannelMapping
	for _, mapped := range perSource {
		all = append(all, mapped...)
	}

	d.logger.Debug("listed channels", "sources", len(sources), "channels", len(all))

	return all, nil
}

// FetchOnline reads the trailing window ending now. The API accepts
// relative millisecond offsets: negative start, zero end.
func (d *LocalHTTPDriver) FetchOnline(ctx context.Context, chans []Channel, last time.Duration) (*timeframe.Frame, error) {
	req := dapi.NewDataRequest(float64(-last.Milliseconds()), 0, onlinePoints, channelSelectors(chans))

	var items []dapi.DataItem
	if err := d.api.PostJSON(ctx, dapi.PathBufferData, req, &items); err != nil {
		return nil, fmt.Errorf("fetching online window: %w", err)
	}

	return seriesToFrame(chans, items)
}

// FetchHistory pages through [from, to) and merges the pages into one
// ascending frame. The cursor advances past the last returned timestamp
// so pages never overlap.
func (d *LocalHTTPDriver) FetchHistory(ctx context.Context, chans []Channel, from, to time.Time) (*timeframe.Frame, error) {
	return pagedHistory(ctx, d.api, dapi.PathHistoryData, chans, from, to)
}

func pagedHistory(ctx context.Context, api *dapi.Client, path string, chans []Channel, from, to time.Time) (*timeframe.Frame, error) {
	cursor := dapi.EpochMs(from)
	endMs := dapi.EpochMs(to)

	var pages []*timeframe.Frame

	for cursor < endMs {
		req := dapi.NewDataRequest(cursor, endMs, historyPageSize, channelSelectors(chans))

		var items []dapi.DataItem
		if err := api.PostJSON(ctx, path, req, &items); err != nil {
			return nil, fmt.Errorf("fetching history page: %w", err)
		}

		if len(items) == 0 {
			break
		}

		ts := items[0].TimeSeries
		if ts.Size == 0 || len(ts.Values) == 0 {
			break
		}

		page, err := seriesToFrame(chans, items)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)

		if ts.Size < historyPageSize || ts.Delta <= 0 {
			break
		}

		last := ts.AbsoluteStart + ts.Delta*float64(ts.Size-1)
		next := last + ts.Delta
		if next <= cursor {
			break
		}
		cursor = next
	}

	if len(pages) == 0 {
		return emptyFrame(chans)
	}
	if len(pages) == 1 {
		return pages[0], nil
	}

	return timeframe.Merge(pages...)
}

// ExportCSV streams a server-rendered CSV export of [from, to) into w.
// The backend formats the document, so exports of large ranges never
// materialize a frame in memory here.
func (d *LocalHTTPDriver) ExportCSV(ctx context.Context, chans []Channel, from, to time.Time, w io.Writer) error {
	req := dapi.NewDataRequest(dapi.EpochMs(from), dapi.EpochMs(to), 0, channelSelectors(chans))
	req.Format = "csv"

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding export request: %w", err)
	}

	resp, err := d.api.Do(ctx, http.MethodPost, dapi.PathBufferExport, body)
	if err != nil {
		return fmt.Errorf("exporting csv: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("streaming csv export: %w", err)
	}

	return nil
}

// SubscribeEvents polls the trailing window; the local API has no push
// channel. The interval is floored to protect the controller.
func (d *LocalHTTPDriver) SubscribeEvents(ctx context.Context, chans []Channel, opts SubscribeOptions) (*stream.Subscription, error) {
	return pollSubscription(ctx, d.FetchOnline, chans, opts, d.logger)
}

// WriteOnline sets output channel values in one call.
func (d *LocalHTTPDriver) WriteOnline(ctx context.Context, chans []Channel, values []float64) error {
	if len(chans) != len(values) {
		return fmt.Errorf("driver: %d channels for %d values", len(chans), len(values))
	}

	req := dapi.OnlineRequest{
		Variables: selectorVIDs(chans),
		Values:    values,
		Function:  "write",
	}

	var resp dapi.OnlineValues
	if err := d.api.PostJSON(ctx, dapi.PathOnlineData, req, &resp); err != nil {
		return fmt.Errorf("writing online values: %w", err)
	}

	return nil
}

func (d *LocalHTTPDriver) Close() error { return nil }

func channelSelectors(chans []Channel) []dapi.VarSelector {
	sels := make([]dapi.VarSelector, len(chans))
	for i, ch := range chans {
		sels[i] = dapi.VarSelector{SID: ch.SID, VID: ch.VID}
	}

	return sels
}

// pollSubscription adapts a trailing-window fetch into the event
// contract shared with push backends.
func pollSubscription(ctx context.Context, fetch func(context.Context, []Channel, time.Duration) (*timeframe.Frame, error), chans []Channel, opts SubscribeOptions, logger *slog.Logger) (*stream.Subscription, error) {
	interval := opts.Interval
	if interval < stream.MinPollInterval {
		interval = stream.MinPollInterval
	}

	ids := selectorVIDs(chans)

	cfg := stream.PollConfig{
		Interval: interval,
		Buffer:   opts.Buffer,
		Logger:   logger,
		Fetch: func(fctx context.Context) (*stream.Frame, error) {
			frame, err := fetch(fctx, chans, interval)
			if err != nil {
				return nil, err
			}
			if frame.Len() == 0 {
				return nil, nil
			}

			row := frame.Len() - 1
			values := make([]stream.ChannelValue, len(ids))

			for i, ch := range chans {
				v, err := frame.At(ch.Name, row)
				if err != nil {
					return nil, err
				}
				values[i] = stream.ChannelValue{ID: ids[i], Value: v}
			}

			return &stream.Frame{Timestamp: frame.Times()[row], Values: values}, nil
		},
	}

	return stream.Poll(ctx, cfg), nil
}
