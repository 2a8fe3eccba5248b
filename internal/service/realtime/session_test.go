package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/z-chat/internal/config"
	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/service/credential"
	"github.com/zhouzirui/z-chat/internal/service/realtime"
)

const waitTimeout = 2 * time.Second

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeClock records scheduled reconnects; tests fire them by hand.
type fakeClock struct {
	mu        sync.Mutex
	timers    []*fakeTimer
	scheduled chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan *fakeTimer, 16)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) realtime.Timer {
	t := &fakeTimer{delay: d, fn: f}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	c.scheduled <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.scheduled:
		return timer
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a reconnect to be scheduled")
		return nil
	}
}

func (c *fakeClock) expectNone(t *testing.T) {
	t.Helper()
	select {
	case timer := <-c.scheduled:
		t.Fatalf("unexpected reconnect scheduled after %s", timer.delay)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes []chat.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, &realtime.CloseError{Code: realtime.CloseAbnormal}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f chat.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []chat.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Frame(nil), c.writes...)
}

// fakeDialer hands out scripted connections and fails once the script runs out.
type fakeDialer struct {
	mu      sync.Mutex
	script  []*fakeConn
	targets []string
}

func (d *fakeDialer) Dial(_ context.Context, target string) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.script[0]
	d.script = d.script[1:]
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) target(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets[i]
}

type recorder struct {
	messages chan chat.Frame
	states   chan realtime.State
	errCount atomic.Int32
	lastErr  atomic.Value // holds errBox
}

// errBox gives every stored error the same concrete type, as atomic.Value requires.
type errBox struct{ error }

func newRecorder() *recorder {
	return &recorder{
		messages: make(chan chat.Frame, 16),
		states:   make(chan realtime.State, 64),
	}
}

func (r *recorder) handlers() realtime.Handlers {
	return realtime.Handlers{
		OnMessage: func(f chat.Frame) { r.messages <- f },
		OnError: func(err error) {
			r.errCount.Add(1)
			r.lastErr.Store(errBox{err})
		},
		OnStateChange: func(s realtime.State) { r.states <- s },
	}
}

func (r *recorder) waitState(t *testing.T, want realtime.State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-r.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

var devEndpoint = config.Endpoint{Mode: config.ModeDevelopment, BaseURL: "localhost:8000"}

func newTestSession(token string, dialer *fakeDialer, clock *fakeClock, rec *recorder) *realtime.Session {
	opts := realtime.DefaultOptions()
	opts.Dialer = dialer
	opts.Clock = clock
	return realtime.NewSession("42", devEndpoint, credential.NewMemoryStore(token), rec.handlers(), opts)
}

func TestReconnectBackoffIsLinearAndCapped(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	session := newTestSession("abc", dialer, clock, rec)
	defer session.Disconnect()

	if err := session.Connect(); err != nil {
		t.Fatalf("Connect err: %v", err)
	}

	for attempt := 1; attempt <= 5; attempt++ {
		timer := clock.next(t)
		want := time.Duration(attempt) * time.Second
		if timer.delay != want {
			t.Fatalf("attempt %d: expected delay %s, got %s", attempt, want, timer.delay)
		}
		timer.fn()
	}

	rec.waitState(t, realtime.StateAbandoned)
	clock.expectNone(t)

	if got := dialer.calls(); got != 6 {
		t.Fatalf("expected 1 initial dial and 5 reconnects, got %d dials", got)
	}
	if got := rec.errCount.Load(); got != 6 {
		t.Fatalf("expected 6 error callbacks, got %d", got)
	}
	if err := session.Connect(); !errors.Is(err, realtime.ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
}

func TestDialTargetCarriesChatAndToken(t *testing.T) {
	dialer := &fakeDialer{script: []*fakeConn{newFakeConn()}}
	rec := newRecorder()
	session := newTestSession("abc", dialer, newFakeClock(), rec)
	defer session.Disconnect()

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	if got := dialer.target(0); got != "ws://localhost:8000/api/v1/ws/42?token=abc" {
		t.Fatalf("unexpected target %s", got)
	}
}

func TestAttemptsResetAfterSuccessfulOpen(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{nil, nil, conn}}
	clock := newFakeClock()
	rec := newRecorder()
	session := newTestSession("abc", dialer, clock, rec)
	defer session.Disconnect()

	session.Connect()

	if timer := clock.next(t); timer.delay != time.Second {
		t.Fatalf("expected 1s, got %s", timer.delay)
	} else {
		timer.fn()
	}
	if timer := clock.next(t); timer.delay != 2*time.Second {
		t.Fatalf("expected 2s, got %s", timer.delay)
	} else {
		timer.fn()
	}

	rec.waitState(t, realtime.StateOpen)
	if got := session.Attempts(); got != 0 {
		t.Fatalf("expected attempts reset to 0, got %d", got)
	}

	conn.Close()

	if timer := clock.next(t); timer.delay != time.Second {
		t.Fatalf("expected backoff to restart at 1s, got %s", timer.delay)
	}
}

func TestSendIsDroppedWhenNotOpen(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	rec := newRecorder()
	session := newTestSession("abc", dialer, newFakeClock(), rec)
	defer session.Disconnect()

	session.SendMessage("before connect")
	session.SendTyping()

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	session.SendMessage("hello")
	session.SendTyping()

	writes := conn.written()
	if len(writes) != 2 {
		t.Fatalf("expected 2 frames, got %d: %+v", len(writes), writes)
	}
	if writes[0].Type != chat.FrameMessage || writes[0].Content != "hello" {
		t.Fatalf("unexpected first frame %+v", writes[0])
	}
	if writes[1].Type != chat.FrameTyping {
		t.Fatalf("unexpected second frame %+v", writes[1])
	}

	session.Disconnect()
	session.SendMessage("after disconnect")
	if got := len(conn.written()); got != 2 {
		t.Fatalf("expected no frames after disconnect, got %d", got)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	rec := newRecorder()
	session := newTestSession("abc", dialer, newFakeClock(), rec)
	defer session.Disconnect()

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	conn.inbound <- []byte("{not valid json")
	conn.inbound <- []byte(`{"type":"typing","user_id":7,"user_name":"Ann"}`)

	select {
	case f := <-rec.messages:
		if f.Type != chat.FrameTyping || f.UserName != "Ann" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for valid frame")
	}

	select {
	case f := <-rec.messages:
		t.Fatalf("unexpected extra frame %+v", f)
	case <-time.After(50 * time.Millisecond):
	}

	if session.State() != realtime.StateOpen {
		t.Fatalf("malformed frame must not close the session, state=%s", session.State())
	}
	if rec.errCount.Load() != 0 {
		t.Fatal("malformed frame must not be reported as an error")
	}
}

func TestUnmodelledFramesAreForwarded(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	rec := newRecorder()
	session := newTestSession("abc", dialer, newFakeClock(), rec)
	defer session.Disconnect()

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	inbound := []string{
		`{"type":"presence","user_id":"u-7","online":true}`,
		`{"type":"message","content":42}`,
		`["a"]`,
	}
	for _, raw := range inbound {
		conn.inbound <- []byte(raw)
	}

	for _, want := range inbound {
		select {
		case f := <-rec.messages:
			if string(f.Raw) != want {
				t.Fatalf("got raw %s, want %s", f.Raw, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if rec.errCount.Load() != 0 {
		t.Fatal("valid frames must not be reported as errors")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	session := newTestSession("abc", dialer, clock, rec)

	session.Connect()
	timer := clock.next(t)

	session.Disconnect()

	if !timer.stopped.Load() {
		t.Fatal("expected pending reconnect timer to be stopped")
	}

	// a timer that already fired must not reconnect either
	timer.fn()
	clock.expectNone(t)

	if got := dialer.calls(); got != 1 {
		t.Fatalf("expected no dial after disconnect, got %d dials", got)
	}
	if session.State() != realtime.StateIdle {
		t.Fatalf("expected idle after disconnect, got %s", session.State())
	}
	if err := session.Connect(); !errors.Is(err, realtime.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDisconnectWhileOpenDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn}}
	clock := newFakeClock()
	rec := newRecorder()
	session := newTestSession("abc", dialer, clock, rec)

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	session.Disconnect()
	clock.expectNone(t)

	select {
	case <-conn.closed:
	default:
		t.Fatal("expected transport closed")
	}
}

func TestMissingTokenIsNotRetried(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	session := newTestSession("", dialer, clock, rec)
	defer session.Disconnect()

	session.Connect()
	rec.waitState(t, realtime.StateIdle)
	clock.expectNone(t)

	if dialer.calls() != 0 {
		t.Fatal("expected no dial without token")
	}
	box, _ := rec.lastErr.Load().(errBox)
	err := box.error
	if !errors.Is(err, realtime.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestConnectIsNoOpWhileOpen(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: []*fakeConn{conn, newFakeConn()}}
	rec := newRecorder()
	session := newTestSession("abc", dialer, newFakeClock(), rec)
	defer session.Disconnect()

	session.Connect()
	rec.waitState(t, realtime.StateOpen)

	if err := session.Connect(); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if got := dialer.calls(); got != 1 {
		t.Fatalf("expected a single live connection, got %d dials", got)
	}
}

func TestNormalCloseIsNotReportedAsError(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder()

	opts := realtime.DefaultOptions()
	opts.Dialer = &stubDialer{conn: normalClosingConn{}}
	opts.Clock = clock
	session := realtime.NewSession("42", devEndpoint, credential.NewMemoryStore("abc"), rec.handlers(), opts)
	defer session.Disconnect()

	session.Connect()
	if timer := clock.next(t); timer.delay != time.Second {
		t.Fatalf("expected reconnect after 1s, got %s", timer.delay)
	}
	rec.waitState(t, realtime.StateClosed)
	if got := rec.errCount.Load(); got != 0 {
		t.Fatalf("expected no error callback for normal close, got %d", got)
	}
}

type normalClosingConn struct{}

func (normalClosingConn) ReadMessage(context.Context) ([]byte, error) {
	return nil, &realtime.CloseError{Code: realtime.CloseNormal, Reason: "bye"}
}
func (normalClosingConn) WriteJSON(context.Context, any) error { return nil }
func (normalClosingConn) Close() error                         { return nil }

type stubDialer struct{ conn realtime.Conn }

func (d *stubDialer) Dial(context.Context, string) (realtime.Conn, error) { return d.conn, nil }
