package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a scriptable Transport: tests push incoming messages
// and failures, and observe outgoing writes.
type fakeTransport struct {
	in    chan []byte
	errCh chan error
	wrote chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:    make(chan []byte, 16),
		errCh: make(chan error, 1),
		wrote: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-t.in:
		return d, nil
	case err := <-t.errCh:
		return nil, err
	case <-t.done:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(_ context.Context, data []byte) error {
	select {
	case t.wrote <- data:
	default:
	}

	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) fail(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

func (t *fakeTransport) push(timestampMs float64, pairs map[string]float64) {
	ids := make([]string, 0, len(pairs))
	vals := make([]float64, 0, len(pairs))

	for id, v := range pairs {
		ids = append(ids, id)
		vals = append(vals, v)
	}

	msg, _ := json.Marshal(serverFrame{Timestamp: timestampMs, Variables: ids, Values: vals})
	t.in <- msg
}

// fakeDialer hands out a fixed sequence of transports, then fails.
type fakeDialer struct {
	transports []*fakeTransport
	dials      atomic.Int32
}

func (d *fakeDialer) dial(_ context.Context, _, _ string) (Transport, error) {
	n := int(d.dials.Add(1))
	if n > len(d.transports) {
		return nil, errors.New("backend unreachable")
	}

	return d.transports[n-1], nil
}

type fakeToken struct{}

func (fakeToken) Token(_ context.Context) (string, error) { return "tok", nil }

func testConfig(d *fakeDialer) Config {
	return Config{
		URL:               "ws://fake",
		Token:             fakeToken{},
		Dial:              d.dial,
		HeartbeatInterval: time.Hour, // keep pings out of write assertions
		HeartbeatTimeout:  time.Hour,
		MaxReconnects:     3,
		ReconnectMin:      time.Millisecond,
		ReconnectMax:      2 * time.Millisecond,
		BufferSize:        16,
	}
}

// waitWrite pops the next outgoing message and decodes it.
func waitWrite(t *testing.T, ft *fakeTransport) clientMessage {
	t.Helper()

	select {
	case data := <-ft.wrote:
		var msg clientMessage

		require.NoError(t, json.Unmarshal(data, &msg))

		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
		return clientMessage{}
	}
}

// waitEvent pops the next delivered event.
func waitEvent(t *testing.T, sub *Subscription) (Event, bool) {
	t.Helper()

	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

func TestSubscribe_DeliversMatchingFrames(t *testing.T) {
	ft := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft}}
	c := NewConn(testConfig(d))

	defer c.Close()

	sub, err := c.Subscribe(context.Background(), Filter{ChannelIDs: []string{"vid-1"}, IntervalMs: 100})
	require.NoError(t, err)

	msg := waitWrite(t, ft)
	assert.Equal(t, funcSubscribe, msg.Function)
	assert.Equal(t, []string{"vid-1"}, msg.Variables)
	assert.Equal(t, 100, msg.IntervalMs)

	ft.push(1_650_000_000_000, map[string]float64{"vid-1": 1.5, "vid-other": 9})

	ev, ok := waitEvent(t, sub)
	require.True(t, ok)
	require.Equal(t, EventFrame, ev.Type)
	require.Len(t, ev.Frame.Values, 1, "non-matching channels are filtered out")
	assert.Equal(t, "vid-1", ev.Frame.Values[0].ID)
	assert.Equal(t, 1.5, ev.Frame.Values[0].Value)
	assert.Equal(t, time.Unix(1_650_000_000, 0).UTC(), ev.Frame.Timestamp)
}

func TestReconnect_ResubscribesAndEmitsOneGap(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft1, ft2}}
	c := NewConn(testConfig(d))

	defer c.Close()

	sub, err := c.Subscribe(context.Background(), Filter{ChannelIDs: []string{"vid-1"}})
	require.NoError(t, err)

	waitWrite(t, ft1) // initial subscribe

	ft1.push(1000, map[string]float64{"vid-1": 1})

	ev, _ := waitEvent(t, sub)
	require.Equal(t, EventFrame, ev.Type)

	// Kill the connection.
	ft1.fail(errors.New("broken pipe"))

	// The replacement connection re-establishes the same filter.
	msg := waitWrite(t, ft2)
	assert.Equal(t, funcSubscribe, msg.Function)
	assert.Equal(t, []string{"vid-1"}, msg.Variables)

	// Exactly one gap event for the dropped connection, then frames
	// from the new epoch.
	ev, _ = waitEvent(t, sub)
	require.Equal(t, EventGap, ev.Type)
	assert.Equal(t, 2, ev.Gap.Epoch)
	assert.Contains(t, ev.Gap.Reason, "broken pipe")

	ft2.push(2000, map[string]float64{"vid-1": 2})

	ev, _ = waitEvent(t, sub)
	require.Equal(t, EventFrame, ev.Type)
	assert.Equal(t, 2.0, ev.Frame.Values[0].Value)

	assert.Equal(t, int32(2), d.dials.Load())
}

func TestHeartbeatTimeout_TriggersReconnect(t *testing.T) {
	ft1 := newFakeTransport()
	ft2 := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft1, ft2}}

	cfg := testConfig(d)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond

	c := NewConn(cfg)
	defer c.Close()

	sub, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	// ft1 never answers; the silent-peer timer must kill it and dial ft2.
	ev, _ := waitEvent(t, sub)
	require.Equal(t, EventGap, ev.Type)
	assert.Contains(t, ev.Gap.Reason, "heartbeat")
	assert.Equal(t, int32(2), d.dials.Load())
}

func TestReconnectBudgetExhausted_Terminal(t *testing.T) {
	ft := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft}}

	cfg := testConfig(d)
	cfg.MaxReconnects = 2

	c := NewConn(cfg)
	defer c.Close()

	sub, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	waitWrite(t, ft)
	ft.fail(errors.New("gone"))

	// Dials 2 and 3 fail (no more transports); budget of 2 reconnects
	// is exhausted and the subscription terminates.
	for {
		ev, ok := waitEvent(t, sub)
		if !ok {
			break
		}

		assert.Equal(t, EventGap, ev.Type)
	}

	require.ErrorIs(t, sub.Err(), ErrDisconnected)
	assert.Equal(t, StateClosed, c.State())
}

func TestCancelOne_OthersKeepStreaming(t *testing.T) {
	ft := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft}}
	c := NewConn(testConfig(d))

	defer c.Close()

	sub1, err := c.Subscribe(context.Background(), Filter{ChannelIDs: []string{"vid-1"}})
	require.NoError(t, err)

	waitWrite(t, ft)

	sub2, err := c.Subscribe(context.Background(), Filter{ChannelIDs: []string{"vid-2"}})
	require.NoError(t, err)

	waitWrite(t, ft)

	sub1.Cancel()

	msg := waitWrite(t, ft)
	assert.Equal(t, funcUnsubscribe, msg.Function)

	_, ok := <-sub1.Events()
	assert.False(t, ok, "cancelled subscription channel is closed")
	assert.NoError(t, sub1.Err())

	ft.push(1000, map[string]float64{"vid-1": 1, "vid-2": 2})

	ev, ok := waitEvent(t, sub2)
	require.True(t, ok, "sibling subscription survives the cancel")
	assert.Equal(t, "vid-2", ev.Frame.Values[0].ID)
}

func TestDeliver_DropsOldestOnOverflow(t *testing.T) {
	sub := newSubscription(1, Filter{}, 2, func(*Subscription) {})

	for i := 0; i < 5; i++ {
		sub.deliver(Event{Type: EventFrame, Frame: &Frame{
			Values: []ChannelValue{{ID: "v", Value: float64(i)}},
		}})
	}

	assert.Equal(t, int64(3), sub.Dropped())

	// The two newest events survived.
	ev := <-sub.Events()
	assert.Equal(t, 3.0, ev.Frame.Values[0].Value)
	ev = <-sub.Events()
	assert.Equal(t, 4.0, ev.Frame.Values[0].Value)
}

func TestTakeDropped_CountsPerGapNotCumulative(t *testing.T) {
	sub := newSubscription(1, Filter{}, 2, func(*Subscription) {})

	push := func(n int) {
		for i := 0; i < n; i++ {
			sub.deliver(Event{Type: EventFrame, Frame: &Frame{}})
		}
	}

	push(5) // buffer 2, so 3 drops
	assert.Equal(t, int64(3), sub.takeDropped())

	push(3) // 3 more drops
	assert.Equal(t, int64(3), sub.takeDropped(), "a later gap reports only its own drops")

	assert.Equal(t, int64(0), sub.takeDropped(), "nothing dropped since the last gap")
	assert.Equal(t, int64(6), sub.Dropped(), "lifetime total is unaffected")
}

func TestPublish_WritesOverLiveConnection(t *testing.T) {
	ft := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft}}
	c := NewConn(testConfig(d))

	defer c.Close()

	_, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	waitWrite(t, ft) // subscribe

	require.Eventually(t, func() bool {
		return c.State() == StateStreaming
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, c.Publish(context.Background(), []string{"vid-1"}, []float64{42.5}))

	msg := waitWrite(t, ft)
	assert.Equal(t, funcWrite, msg.Function)
	assert.Equal(t, []string{"vid-1"}, msg.Variables)
	assert.Equal(t, []float64{42.5}, msg.Values)
}

func TestPublish_LengthMismatch(t *testing.T) {
	c := NewConn(testConfig(&fakeDialer{}))
	defer c.Close()

	err := c.Publish(context.Background(), []string{"a", "b"}, []float64{1})
	require.Error(t, err)
}

func TestClose_ShutsDownSubscriptions(t *testing.T) {
	ft := newFakeTransport()
	d := &fakeDialer{transports: []*fakeTransport{ft}}
	c := NewConn(testConfig(d))

	sub, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)

	waitWrite(t, ft)
	require.NoError(t, c.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.NoError(t, sub.Err(), "explicit close is not an error")

	_, err = c.Subscribe(context.Background(), Filter{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestPoll_EnforcesFloorAndDelivers(t *testing.T) {
	var fetches atomic.Int32

	cfg := PollConfig{
		// Under the floor: must be raised, not busy-polled.
		Interval: time.Millisecond,
		Fetch: func(_ context.Context) (*Frame, error) {
			n := fetches.Add(1)
			return &Frame{
				Timestamp: time.Unix(int64(n), 0),
				Values:    []ChannelValue{{ID: "v", Value: float64(n)}},
			}, nil
		},
	}

	sub := Poll(context.Background(), cfg)
	defer sub.Cancel()

	select {
	case ev := <-sub.Events():
		require.Equal(t, EventFrame, ev.Type)
		assert.Equal(t, 1.0, ev.Frame.Values[0].Value)
	case <-time.After(3 * time.Second):
		t.Fatal("no polled frame within floor interval")
	}

	// Well under two floor intervals elapsed, so at most 2 fetches.
	assert.LessOrEqual(t, fetches.Load(), int32(2))
}

func TestPoll_CancelStopsFetching(t *testing.T) {
	var fetches atomic.Int32

	fetched := make(chan struct{}, 1)

	sub := Poll(context.Background(), PollConfig{
		Interval: MinPollInterval,
		Fetch: func(_ context.Context) (*Frame, error) {
			fetches.Add(1)
			select {
			case fetched <- struct{}{}:
			default:
			}

			return nil, nil
		},
	})

	select {
	case <-fetched:
	case <-time.After(3 * time.Second):
		t.Fatal("poll never fetched")
	}

	sub.Cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	n := fetches.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, fetches.Load(), "no fetches after cancel")
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := decodeFrame([]byte(`{"Variables":["a"],"Values":[1,2]}`))
	require.Error(t, err)

	_, err = decodeFrame([]byte(`not json`))
	require.Error(t, err)
}

func TestFilter_EmptyMatchesAll(t *testing.T) {
	f := Filter{}
	assert.True(t, f.matches("anything"))

	f = Filter{ChannelIDs: []string{"a"}}
	assert.True(t, f.matches("a"))
	assert.False(t, f.matches("b"))
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected:  "disconnected",
		StateConnecting:    "connecting",
		StateAuthenticated: "authenticated",
		StateStreaming:     "streaming",
		StateReconnecting:  "reconnecting",
		StateClosed:        "closed",
	} {
		assert.Equal(t, want, fmt.Sprint(s))
	}
}
