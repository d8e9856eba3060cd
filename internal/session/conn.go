package session

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"
)

// Conn is the minimal socket surface the manager needs. The production
// implementation wraps a WebSocket; tests substitute a scripted fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to the service endpoint. A nil Dialer means no
// WebSocket transport is available in this build/environment.
type Dialer func(ctx context.Context, endpoint string, header http.Header) (Conn, error)

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// WebSocketDialer returns the production dialer.
func WebSocketDialer() Dialer {
	return func(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
		c, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
			HTTPHeader: header,
		})
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, err
		}
		c.SetReadLimit(1 << 22)
		return &wsConn{c: c}, nil
	}
}
