package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// maxFrameBytes caps incoming websocket messages. High-rate backends
// batch aggressively, so this is generous.
const maxFrameBytes = 8 << 20

// DialWebsocket is the production DialFunc: it opens a websocket to url
// with bearer authentication.
func DialWebsocket(ctx context.Context, url, token string) (Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("stream: websocket dial: %w", err)
	}

	conn.SetReadLimit(maxFrameBytes)

	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts coder/websocket to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

func (w *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (w *wsTransport) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsTransport) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
