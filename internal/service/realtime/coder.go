package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// CoderDialer dials with github.com/coder/websocket.
type CoderDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d CoderDialer) Dial(ctx context.Context, target string) (Conn, error) {
	dialCtx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &coderConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type coderConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *coderConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *coderConn) WriteJSON(ctx context.Context, v any) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.conn, v)
}

func (c *coderConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
