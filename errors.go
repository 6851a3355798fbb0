package gidata

import (
	"errors"
	"strings"

	"github.com/qmeasure/gidata-go/internal/driver"
)

var (
	// ErrNoChannels is returned when a selection matches nothing and
	// AllowEmpty was not set.
	ErrNoChannels = errors.New("gidata: selection matched no channels")

	// ErrReadOnly is returned when writing through a backend without
	// write support.
	ErrReadOnly = errors.New("gidata: backend does not support writes")

	// ErrNoAnalytics is returned when running analytics against a
	// backend without server-side query support.
	ErrNoAnalytics = errors.New("gidata: backend does not support analytics queries")
)

// UnresolvedChannelError reports explicitly requested channel names the
// backend does not know, after a cache refresh was attempted.
type UnresolvedChannelError struct {
	Names []string
}

func (e *UnresolvedChannelError) Error() string {
	return "gidata: unresolved channel names: " + strings.Join(e.Names, ", ")
}

// ConnectionError reports a failed backend binding, listing every probe
// attempted during auto-detection.
type ConnectionError = driver.ConnectionError
