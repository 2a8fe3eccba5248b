package realtime

import (
	"context"
	"fmt"
	"time"
)

// Close codes used by the chat backend.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// Conn is one established WebSocket connection. Close must unblock a
// pending ReadMessage.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, target string) (Conn, error)
}

// CloseError is returned by ReadMessage when the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed: code %d", e.Code)
	}
	return fmt.Sprintf("websocket closed: code %d: %s", e.Code, e.Reason)
}

// Normal reports whether the close was an orderly one.
func (e *CloseError) Normal() bool {
	return e.Code == CloseNormal || e.Code == CloseGoingAway
}

// Clock schedules reconnect attempts.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
