package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType discriminates the events a subscription delivers.
type EventType int

const (
	// EventFrame carries one timestamped batch of channel values.
	EventFrame EventType = iota
	// EventGap marks a visible discontinuity: the connection was lost
	// and re-established, and frames in between are gone. Exactly one
	// gap event is delivered per dropped connection.
	EventGap
)

// ChannelValue is one (channel, value) pair inside a frame.
type ChannelValue struct {
	ID    string
	Value float64
}

// Frame is a timestamped batch of channel values received from the
// streaming transport. Transient; consumed and discarded.
type Frame struct {
	Timestamp time.Time
	Values    []ChannelValue
}

// Gap describes one reconnect discontinuity.
type Gap struct {
	// Epoch is the connection epoch that just started. Frames delivered
	// after this gap belong to it.
	Epoch int
	// Dropped counts frames discarded by the subscription's bounded
	// buffer since the previous gap (or since subscribe).
	Dropped int
	// Reason is the transport error that killed the previous epoch.
	Reason string
}

// Event is one delivery to a subscriber: a frame or a gap notification.
type Event struct {
	Type  EventType
	Frame *Frame
	Gap   *Gap
}

// Filter selects which channels a subscription receives. An empty
// ChannelIDs set matches every channel.
type Filter struct {
	ChannelIDs []string
	IntervalMs int
	OnChange   bool
}

func (f Filter) matches(id string) bool {
	if len(f.ChannelIDs) == 0 {
		return true
	}

	for _, c := range f.ChannelIDs {
		if c == id {
			return true
		}
	}

	return false
}

// Subscription is one live channel subscription. Events are delivered on
// a bounded buffer; when the consumer falls behind, the oldest buffered
// event is dropped and counted (reported on the next gap event).
// Cancel deterministically stops delivery and releases the slot.
type Subscription struct {
	id     int64
	filter Filter
	ch     chan Event

	cancelOnce sync.Once
	cancel     func(*Subscription)

	dropped atomic.Int64
	gapMark atomic.Int64

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(id int64, filter Filter, buffer int, cancel func(*Subscription)) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	return &Subscription{
		id:     id,
		filter: filter,
		ch:     make(chan Event, buffer),
		cancel: cancel,
	}
}

// Events returns the delivery channel. It is closed when the
// subscription is cancelled or the transport terminally fails; check Err
// afterwards to distinguish the two.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err returns the terminal error that closed the subscription, or nil
// after a plain Cancel.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Dropped returns the total number of events discarded by the bounded
// buffer over the subscription's lifetime.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// takeDropped returns the number of events discarded since the last
// call (or since subscribe) and marks them reported. Gap events use it
// so consecutive gaps never double-count.
func (s *Subscription) takeDropped() int64 {
	total := s.dropped.Load()

	return total - s.gapMark.Swap(total)
}

// Cancel stops delivery and releases the streaming slot. Safe to call
// more than once. Other subscriptions sharing the connection are not
// affected.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancel(s)
	})
}

// deliver enqueues an event, dropping the oldest buffered event on
// overflow. Callers must hold the owning connection's subscription lock,
// which serializes deliver against close.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	// Buffer full: drop the oldest event to make room. The producer
	// never blocks, so one slow subscriber cannot stall the shared
	// transport read loop.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// closeWith marks the subscription finished and closes the channel.
func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.err = err
	close(s.ch)
}
