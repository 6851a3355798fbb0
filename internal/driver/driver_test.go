package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmeasure/gidata-go/internal/auth"
	"github.com/qmeasure/gidata-go/internal/dapi"
	"github.com/qmeasure/gidata-go/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()

	err := json.NewEncoder(w).Encode(map[string]any{"Success": true, "Data": data})
	require.NoError(t, err)
}

func newAPI(t *testing.T, baseURL string) *dapi.Client {
	t.Helper()

	mgr := auth.NewManager(baseURL, "tenant-a", auth.Credentials{AccessToken: "test-token"}, testLogger())
	_, err := mgr.Authenticate(context.Background())
	require.NoError(t, err)

	return dapi.NewClient(baseURL, nil, mgr, testLogger())
}

func testChannels() []Channel {
	return []Channel{
		{Name: "Temp", VID: "v1", SID: "s1", Unit: "degC"},
		{Name: "Press", VID: "v2", SID: "s1", Unit: "bar"},
	}
}

func TestLocalListChannels(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "GET /buffer/structure/sources", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []map[string]any{
			{"Id": "s1", "Name": "controller"},
			{"Id": "s2", "Name": "rack"},
		})
	})
	handle(mux, "GET /buffer/structure/sources/s1/variables", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []map[string]any{
			{"Id": "v1", "Name": "Temp", "Unit": "degC"},
		})
	})
	handle(mux, "GET /buffer/structure/sources/s2/variables", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []map[string]any{
			{"Id": "v2", "Name": "Press", "Unit": "bar"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())

	chans, err := d.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, chans, 2)

	assert.Equal(t, "Temp", chans[0].DisplayName)
	assert.Equal(t, "v1", chans[0].BackendID)
	assert.Equal(t, "s1", chans[0].SourceID)
	assert.Equal(t, "degC", chans[0].Unit)
	assert.Equal(t, "s2", chans[1].SourceID)
}

func TestLocalFetchOnline(t *testing.T) {
	var gotReq dapi.DataRequest

	mux := http.NewServeMux()
	handle(mux, "POST /buffer/data", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		writeEnvelope(t, w, []map[string]any{
			{"TimeSeries": map[string]any{
				"AbsoluteStart": 1_000,
				"Delta":         1_000,
				"Size":          2,
				"Values":        [][]float64{{1, 2}, {10, 20}},
			}},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())

	frame, err := d.FetchOnline(context.Background(), testChannels(), time.Minute)
	require.NoError(t, err)

	assert.InDelta(t, -60_000, gotReq.Start, 0.001)
	assert.InDelta(t, 0, gotReq.End, 0.001)
	assert.Equal(t, "equidistant", gotReq.Type)
	require.Len(t, gotReq.Variables, 2)
	assert.Equal(t, "v1", gotReq.Variables[0].VID)
	assert.Equal(t, "s1", gotReq.Variables[0].SID)

	require.Equal(t, 2, frame.Len())
	assert.Equal(t, []string{"Temp", "Press"}, frame.Columns())

	unit, err := frame.Unit("Press")
	require.NoError(t, err)
	assert.Equal(t, "bar", unit)

	v, err := frame.At("Press", 1)
	require.NoError(t, err)
	assert.Equal(t, 20.0, v)
}

func TestLocalFetchHistoryPages(t *testing.T) {
	old := historyPageSize
	historyPageSize = 2
	t.Cleanup(func() { historyPageSize = old })

	var (
		mu   sync.Mutex
		reqs []dapi.DataRequest
	)

	mux := http.NewServeMux()
	handle(mux, "POST /history/data", func(w http.ResponseWriter, r *http.Request) {
		var req dapi.DataRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		reqs = append(reqs, req)
		call := len(reqs)
		mu.Unlock()

		switch call {
		case 1:
			writeEnvelope(t, w, []map[string]any{
				{"TimeSeries": map[string]any{
					"AbsoluteStart": 1_000,
					"Delta":         1_000,
					"Size":          2,
					"Values":        [][]float64{{1, 2}, {10, 20}},
				}},
			})
		default:
			writeEnvelope(t, w, []map[string]any{
				{"TimeSeries": map[string]any{
					"AbsoluteStart": 3_000,
					"Delta":         1_000,
					"Size":          1,
					"Values":        [][]float64{{3}, {30}},
				}},
			})
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())

	from := time.UnixMilli(1_000).UTC()
	to := time.UnixMilli(10_000).UTC()

	frame, err := d.FetchHistory(context.Background(), testChannels(), from, to)
	require.NoError(t, err)

	require.Len(t, reqs, 2)
	assert.InDelta(t, 3_000, reqs[1].Start, 0.001, "cursor advances past first page")

	require.Equal(t, 3, frame.Len())

	times := frame.Times()
	assert.True(t, times[0].Before(times[1]) && times[1].Before(times[2]))

	temp, err := frame.Column("Temp")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, temp)
}

func TestLocalFetchHistoryEmptyRange(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "POST /history/data", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []any{})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())

	frame, err := d.FetchHistory(context.Background(), testChannels(),
		time.UnixMilli(0), time.UnixMilli(1_000))
	require.NoError(t, err)

	assert.Equal(t, 0, frame.Len())
	assert.Equal(t, []string{"Temp", "Press"}, frame.Columns(), "schema survives empty ranges")
}

func TestLocalWriteOnline(t *testing.T) {
	var gotReq dapi.OnlineRequest

	mux := http.NewServeMux()
	handle(mux, "POST /online/data", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeEnvelope(t, w, map[string]any{"Values": []float64{5.5}})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())
	chans := testChannels()[:1]

	require.NoError(t, d.WriteOnline(context.Background(), chans, []float64{5.5}))

	assert.Equal(t, []string{"v1"}, gotReq.Variables)
	assert.Equal(t, []float64{5.5}, gotReq.Values)
	assert.Equal(t, "write", gotReq.Function)

	err := d.WriteOnline(context.Background(), chans, []float64{1, 2})
	assert.Error(t, err, "value count must match channel count")
}

func TestLocalExportCSV(t *testing.T) {
	var gotReq dapi.DataRequest

	mux := http.NewServeMux()
	handle(mux, "POST /buffer/export", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, "time,Temp\n2024-01-01 00:00:01,11\n")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewLocalHTTP(newAPI(t, srv.URL), testLogger())

	var buf bytes.Buffer
	from := time.UnixMilli(1000).UTC()
	to := time.UnixMilli(4000).UTC()
	require.NoError(t, d.ExportCSV(context.Background(), testChannels()[:1], from, to, &buf))

	assert.Equal(t, "csv", gotReq.Format)
	assert.Equal(t, float64(1000), gotReq.Start)
	assert.Equal(t, float64(4000), gotReq.End)
	assert.Equal(t, "time,Temp\n2024-01-01 00:00:01,11\n", buf.String())
}

func TestSeriesToFrameRowMismatch(t *testing.T) {
	items := []dapi.DataItem{{TimeSeries: dapi.TimeSeries{
		AbsoluteStart: 1_000,
		Delta:         1_000,
		Size:          1,
		Values:        [][]float64{{1}},
	}}}

	_, err := seriesToFrame(testChannels(), items)
	assert.ErrorIs(t, err, dapi.ErrMalformedResponse)
}

func TestCloudHTTPListMeasurements(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "GET /history/structure/sources/s1/measurements", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []map[string]any{
			{"Id": "m1", "Name": "run-42", "AbsoluteStart": 1_000},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewCloudHTTP(newAPI(t, srv.URL), testLogger())
	assert.Equal(t, KindCloudHTTP, d.Name())

	ms, err := d.ListMeasurements(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "run-42", ms[0].Name)
}

func TestCloudGraphQLListChannels(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "streams")

		err := json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"streams": []map[string]any{
					{"id": "s1", "variables": []map[string]any{
						{"id": "v1", "name": "Temp", "unit": "degC"},
						{"id": "v2", "name": "Press", "unit": "bar"},
					}},
				},
			},
		})
		require.NoError(t, err)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewCloudGraphQL(newAPI(t, srv.URL), testLogger())

	chans, err := d.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, "Press", chans[1].DisplayName)
	assert.Equal(t, "s1", chans[1].SourceID)
}

func TestCloudGraphQLErrorPayload(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"errors":[{"message":"unknown field"}]}`))
		require.NoError(t, err)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewCloudGraphQL(newAPI(t, srv.URL), testLogger())

	_, err := d.ListChannels(context.Background())
	require.ErrorIs(t, err, dapi.ErrMalformedResponse)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestCloudGraphQLAnalytics(t *testing.T) {
	mux := http.NewServeMux()
	handle(mux, "POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		var req gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.Variables["stream"])

		err := json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"analytics": map[string]any{
					"times": []float64{1_000, 2_000},
					"columns": []map[string]any{
						{"name": "mean_temp", "unit": "degC", "values": []float64{21.5, 21.7}},
					},
				},
			},
		})
		require.NoError(t, err)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewCloudGraphQL(newAPI(t, srv.URL), testLogger())

	frame, err := d.Analytics(context.Background(),
		`query($stream: ID!) { analytics(stream: $stream) { times columns { name unit values } } }`,
		map[string]any{"stream": "s1"})
	require.NoError(t, err)

	require.Equal(t, 2, frame.Len())
	assert.Equal(t, []string{"mean_temp"}, frame.Columns())

	unit, err := frame.Unit("mean_temp")
	require.NoError(t, err)
	assert.Equal(t, "degC", unit)
}

func TestFactoryAutoDetectsGraphQL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/buffer/structure/sources", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/online/structure/variables", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	handle(mux, "POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"data":{"__typename":"Query"}}`))
		require.NoError(t, err)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := &Factory{Logger: testLogger()}
	drv, err := f.Create(context.Background(), Target{
		BaseURL:     srv.URL,
		Kind:        KindAuto,
		Credentials: auth.Credentials{AccessToken: "test-token"},
	})
	require.NoError(t, err)
	defer drv.Close()

	assert.Equal(t, KindCloudGraphQL, drv.Name())
}

func TestFactoryAllProbesFail(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := &Factory{Logger: testLogger()}
	_, err := f.Create(context.Background(), Target{
		BaseURL:     srv.URL,
		Kind:        KindAuto,
		Credentials: auth.Credentials{AccessToken: "test-token"},
	})
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Len(t, connErr.Probes, 3)

	assert.Equal(t, KindLocalHTTP, connErr.Probes[0].Kind)
	assert.Equal(t, KindCloudHTTP, connErr.Probes[1].Kind)
	assert.Equal(t, KindCloudGraphQL, connErr.Probes[2].Kind)
	assert.Contains(t, err.Error(), string(KindCloudGraphQL))
}

func TestFactoryExplicitKindSkipsProbe(t *testing.T) {
	// Nothing is served; binding an explicit kind must not touch the
	// data endpoints.
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := &Factory{Logger: testLogger()}
	drv, err := f.Create(context.Background(), Target{
		BaseURL:     srv.URL,
		Kind:        KindLocalHTTP,
		Credentials: auth.Credentials{AccessToken: "test-token"},
	})
	require.NoError(t, err)
	defer drv.Close()

	assert.Equal(t, KindLocalHTTP, drv.Name())
}

func TestStreamURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://controller.local:8090", "ws://controller.local:8090/ws/online"},
		{"https://cloud.example.com/api/", "wss://cloud.example.com/api/ws/online"},
		{"wss://cloud.example.com", "wss://cloud.example.com/ws/online"},
	}

	for _, tc := range cases {
		got, err := StreamURL(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := StreamURL("ftp://nope")
	assert.Error(t, err)
}

type snapshotTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (f *snapshotTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *snapshotTransport) Write(ctx context.Context, data []byte) error { return nil }

func (f *snapshotTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type staticStreamToken struct{}

func (staticStreamToken) Token(ctx context.Context) (string, error) { return "test-token", nil }

func TestStreamingFetchOnlineSnapshot(t *testing.T) {
	tr := &snapshotTransport{in: make(chan []byte, 1), closed: make(chan struct{})}
	tr.in <- []byte(`{"Timestamp":1700000000000,"Variables":["v1","v2"],"Values":[1.5,2.5]}`)

	conn := stream.NewConn(stream.Config{
		URL:   "ws://test/ws/online",
		Token: staticStreamToken{},
		Dial: func(ctx context.Context, url, token string) (stream.Transport, error) {
			return tr, nil
		},
		Logger: testLogger(),
	})

	d := NewStreaming(conn, nil, testLogger())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := d.FetchOnline(ctx, testChannels(), 0)
	require.NoError(t, err)

	require.Equal(t, 1, frame.Len())
	assert.Equal(t, time.UnixMilli(1_700_000_000_000).UTC(), frame.Times()[0])

	v, err := frame.At("Press", 0)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)
}

func TestStreamingFetchHistoryUnsupported(t *testing.T) {
	conn := stream.NewConn(stream.Config{
		URL:    "ws://test/ws/online",
		Token:  staticStreamToken{},
		Logger: testLogger(),
	})

	d := NewStreaming(conn, nil, testLogger())
	defer d.Close()

	_, err := d.FetchHistory(context.Background(), testChannels(), time.Unix(0, 0), time.Unix(10, 0))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestStreamingWriteLengthMismatch(t *testing.T) {
	conn := stream.NewConn(stream.Config{
		URL:    "ws://test/ws/online",
		Token:  staticStreamToken{},
		Logger: testLogger(),
	})

	d := NewStreaming(conn, nil, testLogger())
	defer d.Close()

	err := d.WriteOnline(context.Background(), testChannels(), []float64{1})
	assert.Error(t, err)
}

// handle registers h on mux for patterns of the form "METHOD /path",
// emulating Go 1.22 ServeMux method patterns on older toolchains.
func handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	method, path, found := strings.Cut(pattern, " ")
	if !found {
		mux.HandleFunc(pattern, h)
		return
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}
