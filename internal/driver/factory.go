package driver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/qmeasure/gidata-go/internal/auth"
	"github.com/qmeasure/gidata-go/internal/dapi"
	"github.com/qmeasure/gidata-go/internal/stream"
)

// autoProbeOrder is the auto-detection sequence: cheapest and most
// common first. Streaming is never auto-probed; it must be requested
// explicitly.
var autoProbeOrder = []BackendKind{KindLocalHTTP, KindCloudHTTP, KindCloudGraphQL}

// prober is the per-variant reachability check used during
// auto-detection.
type prober interface {
	probe(ctx context.Context) error
}

// Factory builds drivers for targets. Zero value is usable; fields
// override collaborators for tests.
type Factory struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Dial overrides the websocket dialer of streaming drivers.
	Dial stream.DialFunc

	// AuthOptions apply to every auth manager the factory creates.
	AuthOptions []auth.Option
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}

	return slog.Default()
}

// Create binds a driver to the target. An explicit Kind builds that
// variant directly; KindAuto probes local HTTP, cloud HTTP, then cloud
// GraphQL and binds the first that answers. Each probe authenticates
// its own trial session; sessions of failed probes are invalidated.
// When every probe fails, the returned error lists all attempts.
func (f *Factory) Create(ctx context.Context, target Target) (Driver, error) {
	if target.Kind != KindAuto {
		drv, _, err := f.build(ctx, target, target.Kind)
		return drv, err
	}

	var probes []ProbeResult

	for _, kind := range autoProbeOrder {
		drv, mgr, err := f.build(ctx, target, kind)
		if err == nil {
			p, ok := drv.(prober)
			if !ok {
				return drv, nil
			}

			if err = p.probe(ctx); err == nil {
				f.logger().Info("backend detected",
					slog.String("kind", string(kind)),
					slog.String("target", target.BaseURL))

				return drv, nil
			}

			_ = drv.Close()
		}

		if mgr != nil {
			mgr.Invalidate()
		}

		f.logger().Debug("probe failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))

		probes = append(probes, ProbeResult{Kind: kind, Err: err})
	}

	return nil, &ConnectionError{Target: target.BaseURL, Probes: probes}
}

func (f *Factory) build(ctx context.Context, target Target, kind BackendKind) (Driver, *auth.Manager, error) {
	mgr := auth.NewManager(target.BaseURL, target.TenantID, target.Credentials, f.logger(), f.AuthOptions...)

	if _, err := mgr.Authenticate(ctx); err != nil {
		return nil, mgr, fmt.Errorf("authenticating against %s: %w", target.BaseURL, err)
	}

	api := dapi.NewClient(target.BaseURL, f.HTTPClient, mgr, f.logger())

	switch kind {
	case KindLocalHTTP:
		return NewLocalHTTP(api, f.logger()), mgr, nil

	case KindCloudHTTP:
		return NewCloudHTTP(api, f.logger()), mgr, nil

	case KindCloudGraphQL:
		return NewCloudGraphQL(api, f.logger()), mgr, nil

	case KindStreaming:
		wsURL, err := StreamURL(target.BaseURL)
		if err != nil {
			return nil, mgr, err
		}

		conn := stream.NewConn(stream.Config{
			URL:    wsURL,
			Token:  mgr,
			Dial:   f.Dial,
			Logger: f.logger(),
		})

		return NewStreaming(conn, api, f.logger()), mgr, nil

	default:
		return nil, mgr, fmt.Errorf("driver: unknown backend kind %q", kind)
	}
}

var (
	_ Driver = (*LocalHTTPDriver)(nil)
	_ Driver = (*CloudHTTPDriver)(nil)
	_ Driver = (*CloudGraphQLDriver)(nil)
	_ Driver = (*StreamingDriver)(nil)

	_ Writer = (*LocalHTTPDriver)(nil)
	_ Writer = (*StreamingDriver)(nil)

	_ Analyzer = (*CloudGraphQLDriver)(nil)
)
