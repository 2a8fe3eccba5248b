package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer dials with github.com/gorilla/websocket.
type GorillaDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d GorillaDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &gorillaConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// gorillaConn allows one concurrent reader and one concurrent writer; the
// session serializes writes.
type gorillaConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *gorillaConn) ReadMessage(context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) WriteJSON(_ context.Context, v any) error {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *gorillaConn) Close() error {
	// best effort, the peer may already be gone
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
