package driver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qmeasure/gidata-go/internal/dapi"
)

// CloudHTTPDriver talks to the hosted platform over the same HTTP data
// API as the local controller, plus the measurement catalog that only
// the cloud keeps.
type CloudHTTPDriver struct {
	*LocalHTTPDriver
}

// NewCloudHTTP binds a cloud HTTP driver to an authenticated API client.
func NewCloudHTTP(api *dapi.Client, logger *slog.Logger) *CloudHTTPDriver {
	return &CloudHTTPDriver{LocalHTTPDriver: NewLocalHTTP(api, logger)}
}

func (d *CloudHTTPDriver) Name() BackendKind { return KindCloudHTTP }

// probe checks the cloud-only online structure endpoint. A local
// controller answers the buffer endpoints but not this one with a
// tenant-scoped catalog.
func (d *CloudHTTPDriver) probe(ctx context.Context) error {
	var vars []dapi.Variable
	return d.api.GetJSON(ctx, dapi.PathOnlineVariables, &vars)
}

// ListMeasurements enumerates the recorded measurements of one history
// source. Only the cloud retains this catalog.
func (d *CloudHTTPDriver) ListMeasurements(ctx context.Context, sourceID string) ([]dapi.Measurement, error) {
	var out []dapi.Measurement

	path := fmt.Sprintf("%s/%s/measurements", dapi.PathHistorySources, sourceID)
	if err := d.api.GetJSON(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("listing measurements of source %s: %w", sourceID, err)
	}

	return out, nil
}
