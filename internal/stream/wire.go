package stream

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Client-to-server message functions.
const (
	funcSubscribe   = "subscribe"
	funcUnsubscribe = "unsubscribe"
	funcWrite       = "write"
	funcPing        = "ping"
)

// clientMessage is the JSON body for every client-to-server request.
type clientMessage struct {
	Function   string    `json:"Function"`
	Variables  []string  `json:"Variables,omitempty"`
	Values     []float64 `json:"Values,omitempty"`
	IntervalMs int       `json:"IntervalMs,omitempty"`
	OnChange   bool      `json:"OnChange,omitempty"`
	Precision  int       `json:"Precision,omitempty"`
}

// serverFrame is the push payload: a timestamp in epoch milliseconds and
// parallel variable/value arrays.
type serverFrame struct {
	Timestamp float64   `json:"Timestamp"`
	Variables []string  `json:"Variables"`
	Values    []float64 `json:"Values"`
}

func encodeSubscribe(f Filter) ([]byte, error) {
	return json.Marshal(clientMessage{
		Function:   funcSubscribe,
		Variables:  f.ChannelIDs,
		IntervalMs: f.IntervalMs,
		OnChange:   f.OnChange,
	})
}

func encodeUnsubscribe(f Filter) ([]byte, error) {
	return json.Marshal(clientMessage{
		Function:  funcUnsubscribe,
		Variables: f.ChannelIDs,
	})
}

func encodeWrite(ids []string, values []float64) ([]byte, error) {
	return json.Marshal(clientMessage{
		Function:  funcWrite,
		Variables: ids,
		Values:    values,
	})
}

func encodePing() ([]byte, error) {
	return json.Marshal(clientMessage{Function: funcPing})
}

// decodeFrame parses one server push message. Messages without parallel
// variable/value arrays violate the protocol.
func decodeFrame(data []byte) (*Frame, error) {
	var sf serverFrame
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("stream: decoding frame: %w", err)
	}

	if len(sf.Variables) != len(sf.Values) {
		return nil, fmt.Errorf("stream: frame has %d variables but %d values",
			len(sf.Variables), len(sf.Values))
	}

	sec, frac := math.Modf(sf.Timestamp / 1000)
	fr := &Frame{
		Timestamp: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Values:    make([]ChannelValue, len(sf.Variables)),
	}

	for i, id := range sf.Variables {
		fr.Values[i] = ChannelValue{ID: id, Value: sf.Values[i]}
	}

	return fr, nil
}
