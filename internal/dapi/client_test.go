package dapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a test TokenSource with a fixed token and a counted,
// swappable refresh.
type staticToken struct {
	tok        string
	refreshes  atomic.Int32
	refreshErr error
}

func (t *staticToken) Token(_ context.Context) (string, error) {
	return t.tok, nil
}

func (t *staticToken) Refresh(_ context.Context) (string, error) {
	t.refreshes.Add(1)

	if t.refreshErr != nil {
		return "", t.refreshErr
	}

	t.tok = "refreshed-" + t.tok

	return t.tok, nil
}

// newTestClient creates a Client pointing at the given httptest server
// with instant retry sleeps.
func newTestClient(t *testing.T, url string) (*Client, *staticToken) {
	t.Helper()

	tok := &staticToken{tok: "test-token"}
	c := NewClient(url, http.DefaultClient, tok, slog.Default())
	c.sleepFunc = noopSleep

	return c, tok
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"Success":true,"Data":[]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	resp, err := c.Do(context.Background(), http.MethodGet, PathBufferSources, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDo_RetriesServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		fmt.Fprint(w, `{"Success":true,"Data":[]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	resp, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestDo_NoRetryOnBadRequest(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_UnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.Header.Get("Authorization") == "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		fmt.Fprint(w, `{"Success":true,"Data":[]}`)
	}))
	defer srv.Close()

	c, tok := newTestClient(t, srv.URL)

	resp, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), tok.refreshes.Load())
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_SecondUnauthorizedSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, tok := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), tok.refreshes.Load(), "refresh is attempted exactly once")
}

func TestDo_RefreshFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, tok := newTestClient(t, srv.URL)
	tok.refreshErr = fmt.Errorf("credentials revoked")

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.ErrorContains(t, err, "credentials revoked")
}

func TestDo_RetryAfterHonored(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		fmt.Fprint(w, `{"Success":true,"Data":[]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	var slept time.Duration

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/x", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 7*time.Second, slept)
}

func TestGetJSON_DecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Success":true,"Data":[{"Id":"abc","Name":"Stream1","SampleRateHz":100}]}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	var sources []Source
	require.NoError(t, c.GetJSON(context.Background(), PathBufferSources, &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "Stream1", sources[0].Name)
	assert.Equal(t, 100.0, sources[0].SampleRateHz)
}

func TestGetJSON_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `this is not json`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	var out []Source

	err := c.GetJSON(context.Background(), "/x", &out)
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGetJSON_BackendFailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Success":false,"Data":null}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	err := c.GetJSON(context.Background(), "/x", &struct{}{})
	require.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDo_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Do(ctx, http.MethodGet, "/x", nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTimeSeries_Timestamps(t *testing.T) {
	ts := TimeSeries{
		AbsoluteStart: 1_650_000_000_000,
		Delta:         500,
		Values:        [][]float64{{1, 2, 3}},
	}

	stamps := ts.Timestamps()
	require.Len(t, stamps, 3)
	assert.Equal(t, time.Unix(1_650_000_000, 0).UTC(), stamps[0])
	assert.Equal(t, 500*time.Millisecond, stamps[1].Sub(stamps[0]))
	assert.Equal(t, 500*time.Millisecond, stamps[2].Sub(stamps[1]))
}
