// Package driver defines the common data-access contract of the backend
// family and its concrete implementations: local HTTP, cloud HTTP, cloud
// GraphQL, and push streaming. The facade is transport-agnostic; all
// variant-specific behavior lives here.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/qmeasure/gidata-go/internal/auth"
	"github.com/qmeasure/gidata-go/internal/mapping"
	"github.com/qmeasure/gidata-go/internal/stream"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

// BackendKind names one backend family. Empty means auto-detect.
type BackendKind string

const (
	KindAuto         BackendKind = ""
	KindLocalHTTP    BackendKind = "local-http"
	KindCloudHTTP    BackendKind = "cloud-http"
	KindCloudGraphQL BackendKind = "cloud-graphql"
	KindStreaming    BackendKind = "streaming"
)

// Target identifies one backend connection: address, declared kind, and
// credentials. Immutable once a driver is bound to it.
type Target struct {
	BaseURL     string
	Kind        BackendKind
	TenantID    string
	Credentials auth.Credentials
}

// Channel is a resolved selection entry: a display name bound to its
// backend identifiers.
type Channel struct {
	Name string
	VID  string
	SID  string
	Unit string
}

// SubscribeOptions tune event delivery.
type SubscribeOptions struct {
	// Interval is the delivery interval. For push backends it is passed
	// to the server; for HTTP backends it is the poll interval, floored
	// at stream.MinPollInterval.
	Interval time.Duration
	OnChange bool
	Buffer   int
}

// ErrUnsupported is returned for operations a backend family cannot
// serve (e.g. history on the pure streaming channel).
var ErrUnsupported = errors.New("driver: operation not supported by backend")

// Driver is the uniform capability contract. All variants share these
// signatures so the facade never switches on transport.
type Driver interface {
	// Name returns the backend kind identifier.
	Name() BackendKind

	// ListChannels returns every addressable channel, flattened across
	// sources. Satisfies mapping.ChannelLister.
	ListChannels(ctx context.Context) ([]mapping.ChannelMapping, error)

	// FetchOnline returns the most recent samples within the trailing
	// window, reflecting live server-side state.
	FetchOnline(ctx context.Context, chans []Channel, last time.Duration) (*timeframe.Frame, error)

	// FetchHistory returns samples within [from, to), in ascending
	// timestamp order with no duplicate timestamps per channel. Large
	// ranges are paged internally.
	FetchHistory(ctx context.Context, chans []Channel, from, to time.Time) (*timeframe.Frame, error)

	// SubscribeEvents starts live delivery for the given channels.
	SubscribeEvents(ctx context.Context, chans []Channel, opts SubscribeOptions) (*stream.Subscription, error)

	Close() error
}

// Writer is the optional write capability: setting values on output
// channels. HTTP and streaming backends support it; analytics does not.
type Writer interface {
	WriteOnline(ctx context.Context, chans []Channel, values []float64) error
}

// Exporter is the optional server-side CSV export capability of the
// HTTP backends. The backend renders the document and the driver
// streams it through unparsed.
type Exporter interface {
	ExportCSV(ctx context.Context, chans []Channel, from, to time.Time, w io.Writer) error
}

// Analyzer is the optional server-side analytics capability of the cloud
// GraphQL backend. Results use the same tabular contract as fetches.
type Analyzer interface {
	Analytics(ctx context.Context, query string, variables map[string]any) (*timeframe.Frame, error)
}

// ProbeResult records one auto-detection attempt.
type ProbeResult struct {
	Kind BackendKind
	Err  error
}

// ConnectionError reports that no driver could bind to a target, with
// every probe attempted.
type ConnectionError struct {
	Target string
	Probes []ProbeResult
}

func (e *ConnectionError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "driver: no backend bound to %s after %d probes:", e.Target, len(e.Probes))

	for _, p := range e.Probes {
		fmt.Fprintf(&b, " [%s: %v]", p.Kind, p.Err)
	}

	return b.String()
}

// selectors converts resolved channels to wire selectors, preserving
// request order (response rows come back in the same order).
func selectorVIDs(chans []Channel) []string {
	ids := make([]string, len(chans))
	for i, ch := range chans {
		ids[i] = ch.VID
	}

	return ids
}
