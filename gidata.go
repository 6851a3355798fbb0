// Package gidata is a unified client for time-series instrumentation
// backends. One facade covers the local controller HTTP API, the cloud
// HTTP API, the cloud GraphQL tier, and the push streaming channel; the
// backend is detected automatically unless pinned. Data comes back as
// timeframe.Frame tables regardless of transport.
package gidata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/qmeasure/gidata-go/internal/auth"
	"github.com/qmeasure/gidata-go/internal/driver"
	"github.com/qmeasure/gidata-go/internal/mapping"
	"github.com/qmeasure/gidata-go/internal/stream"
	"github.com/qmeasure/gidata-go/pkg/timeframe"
)

// Kind names a backend family. Leave empty to auto-detect.
type Kind string

const (
	KindAuto         Kind = ""
	KindLocalHTTP    Kind = "local-http"
	KindCloudHTTP    Kind = "cloud-http"
	KindCloudGraphQL Kind = "cloud-graphql"
	KindStreaming    Kind = "streaming"
)

// Target identifies a backend to connect to. Either username/password
// or a pre-issued access token authenticates the session.
type Target struct {
	BaseURL  string
	Kind     Kind
	TenantID string

	Username    string
	Password    string
	AccessToken string
}

// ChannelInfo describes one addressable channel of the connected
// backend.
type ChannelInfo struct {
	Name     string
	SourceID string
	Unit     string
}

// Streaming types, re-exported so subscription consumers need no second
// import.
type (
	Subscription = stream.Subscription
	StreamEvent  = stream.Event
	StreamFrame  = stream.Frame
	StreamGap    = stream.Gap
)

const (
	EventFrame = stream.EventFrame
	EventGap   = stream.EventGap
)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	location   *time.Location
	cachePath  string
	cacheTTL   time.Duration
}

// Option adjusts Connect behavior.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient substitutes the HTTP client used for every backend
// call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLocation sets the timezone applied to result timestamps. Backends
// always deliver UTC; conversion happens at this boundary, never in the
// transport. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithCache places the channel mapping cache at path with the given
// staleness bound. Defaults to an in-memory cache with a 5 minute TTL;
// pass a file path to share mappings across processes.
func WithCache(path string, ttl time.Duration) Option {
	return func(o *options) {
		o.cachePath = path
		o.cacheTTL = ttl
	}
}

// Client is a connected facade over one backend. Safe for concurrent
// use.
type Client struct {
	drv    driver.Driver
	cache  *mapping.Cache
	tenant string
	loc    *time.Location
	logger *slog.Logger
}

// Connect binds a client to the target. With Kind empty the backend
// family is probed: local HTTP, then cloud HTTP, then cloud GraphQL.
// When every probe fails the returned error is a *ConnectionError
// listing the attempts.
func Connect(ctx context.Context, target Target, opts ...Option) (*Client, error) {
	o := options{
		logger:    slog.Default(),
		location:  time.UTC,
		cachePath: ":memory:",
		cacheTTL:  5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}

	f := &driver.Factory{HTTPClient: o.httpClient, Logger: o.logger}

	drv, err := f.Create(ctx, driver.Target{
		BaseURL:  target.BaseURL,
		Kind:     driver.BackendKind(target.Kind),
		TenantID: target.TenantID,
		Credentials: auth.Credentials{
			Username:    target.Username,
			Password:    target.Password,
			AccessToken: target.AccessToken,
		},
	})
	if err != nil {
		return nil, err
	}

	cache, err := mapping.Open(o.cachePath, o.cacheTTL, o.logger)
	if err != nil {
		drv.Close()
		return nil, err
	}

	// Mappings are tenant-scoped; without an explicit tenant the target
	// address is the scope so two backends never share entries.
	tenant := target.TenantID
	if tenant == "" {
		tenant = target.BaseURL
	}

	cache.Bind(tenant, drv)

	return &Client{
		drv:    drv,
		cache:  cache,
		tenant: tenant,
		loc:    o.location,
		logger: o.logger,
	}, nil
}

// Kind reports the backend family the client is bound to.
func (c *Client) Kind() Kind {
	return Kind(c.drv.Name())
}

// Channels lists every addressable channel, served from the mapping
// cache and refreshed from the backend when stale.
func (c *Client) Channels(ctx context.Context) ([]ChannelInfo, error) {
	mappings, err := c.cache.All(ctx, c.tenant)
	if err != nil {
		return nil, err
	}

	out := make([]ChannelInfo, len(mappings))
	for i, m := range mappings {
		out[i] = ChannelInfo{Name: m.DisplayName, SourceID: m.SourceID, Unit: m.Unit}
	}

	return out, nil
}

// RefreshChannels forces a mapping cache refresh from the backend,
// regardless of TTL.
func (c *Client) RefreshChannels(ctx context.Context) error {
	return c.cache.Refresh(ctx, c.tenant)
}

// Write sets output channel values by display name. Returns ErrReadOnly
// on backends without write support.
func (c *Client) Write(ctx context.Context, values map[string]float64) error {
	w, ok := c.drv.(driver.Writer)
	if !ok {
		return ErrReadOnly
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	chans, err := c.resolveNames(ctx, names)
	if err != nil {
		return err
	}

	vals := make([]float64, len(names))
	for i, name := range names {
		vals[i] = values[name]
	}

	return w.WriteOnline(ctx, chans, vals)
}

// Analytics runs a server-side analytics query. Only the cloud GraphQL
// backend supports it; others return ErrNoAnalytics.
func (c *Client) Analytics(ctx context.Context, query string, variables map[string]any) (*timeframe.Frame, error) {
	a, ok := c.drv.(driver.Analyzer)
	if !ok {
		return nil, ErrNoAnalytics
	}

	return a.Analytics(ctx, query, variables)
}

// Close releases the backend connection and the mapping cache.
func (c *Client) Close() error {
	return errors.Join(c.drv.Close(), c.cache.Close())
}

// resolveNames maps display names to backend channels, preserving
// request order. Unknown names fail with *UnresolvedChannelError after
// one cache refresh attempt.
func (c *Client) resolveNames(ctx context.Context, names []string) ([]driver.Channel, error) {
	resolved, unresolved, err := c.cache.Resolve(ctx, c.tenant, names)
	if err != nil {
		return nil, fmt.Errorf("resolving channels: %w", err)
	}

	if len(unresolved) > 0 {
		return nil, &UnresolvedChannelError{Names: unresolved}
	}

	chans := make([]driver.Channel, len(names))
	for i, name := range names {
		m := resolved[name]
		chans[i] = driver.Channel{Name: name, VID: m.BackendID, SID: m.SourceID, Unit: m.Unit}
	}

	return chans, nil
}
