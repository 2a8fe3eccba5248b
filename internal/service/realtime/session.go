package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-chat/internal/config"
	"github.com/zhouzirui/z-chat/internal/model/chat"
	"github.com/zhouzirui/z-chat/internal/service/credential"
)

var (
	ErrNoToken      = errors.New("no session token stored")
	ErrDisconnected = errors.New("session was disconnected")
	ErrAbandoned    = errors.New("session gave up reconnecting")
)

// Handlers receive session events. Any of them may be nil. They run on the
// session's dispatcher goroutine, one at a time.
type Handlers struct {
	OnMessage     func(chat.Frame)
	OnError       func(error)
	OnStateChange func(State)
}

// Options tune reconnection and transport.
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	EventBuffer          int
	Dialer               Dialer
	Clock                Clock
}

// DefaultOptions mirrors the defaults of config.Load.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		EventBuffer:          64,
		Dialer:               GorillaDialer{HandshakeTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		Clock:                systemClock{},
	}
}

// NewOptions builds Options from configuration, selecting the transport.
func NewOptions(cfg config.RealtimeConfig) Options {
	opts := DefaultOptions()
	opts.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	opts.ReconnectDelay = cfg.ReconnectDelay
	opts.EventBuffer = cfg.EventBuffer

	switch cfg.Transport {
	case "coder":
		opts.Dialer = CoderDialer{HandshakeTimeout: cfg.HandshakeTimeout, WriteTimeout: cfg.WriteTimeout}
	default:
		opts.Dialer = GorillaDialer{HandshakeTimeout: cfg.HandshakeTimeout, WriteTimeout: cfg.WriteTimeout}
	}
	return opts
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventError
	eventState
)

type event struct {
	kind  eventKind
	frame chat.Frame
	err   error
	state State
}

// Session is the realtime connection to one chat. It holds at most one live
// connection at a time.
type Session struct {
	id       string
	chatID   string
	endpoint config.Endpoint
	tokens   credential.Store
	handlers Handlers
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	conn         Conn
	attempts     int
	generation   uint64
	timer        Timer
	disconnected bool

	writeMu sync.Mutex

	events         chan event
	done           chan struct{}
	dispatcherDone chan struct{}
}

// NewSession prepares a session for chatID. The token is read from tokens
// on every connection attempt. Call Connect to start it.
func NewSession(chatID string, endpoint config.Endpoint, tokens credential.Store, handlers Handlers, opts Options) *Session {
	if opts.MaxReconnectAttempts < 0 {
		opts.MaxReconnectAttempts = 0
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = DefaultOptions().Dialer
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             uuid.NewString(),
		chatID:         chatID,
		endpoint:       endpoint,
		tokens:         tokens,
		handlers:       handlers,
		opts:           opts,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
		events:         make(chan event, opts.EventBuffer),
		done:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// ID identifies this session instance in logs.
func (s *Session) ID() string { return s.id }

// ChatID returns the conversation this session is bound to.
func (s *Session) ChatID() string { return s.chatID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of consecutive reconnects since the last open.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed once Disconnect was called and queued events were delivered.
func (s *Session) Done() <-chan struct{} { return s.dispatcherDone }

// Connect starts connecting in the background. Failures are reported to
// OnError, never returned. It is a no-op while connecting or open; a
// pending reconnect is replaced by an immediate attempt.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	switch s.state {
	case StateAbandoned:
		s.mu.Unlock()
		return ErrAbandoned
	case StateConnecting, StateOpen:
		s.mu.Unlock()
		return nil
	case StateClosed:
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	gen := s.beginConnectLocked()
	s.mu.Unlock()

	s.tryEmit(event{kind: eventState, state: StateConnecting})
	go s.dial(gen)
	return nil
}

// SendMessage sends a chat message. It is dropped when the session is not open.
func (s *Session) SendMessage(content string) {
	s.send(chat.NewMessageFrame(content))
}

// SendTyping sends a typing notification. It is dropped when the session is not open.
func (s *Session) SendTyping() {
	s.send(chat.NewTypingFrame())
}

// Disconnect closes the connection and stops reconnecting for good.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.generation++
	s.state = StateIdle
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[realtime] session=%s close failed: %v", s.id, err)
		}
	}
	log.Printf("[realtime] session=%s disconnected chat=%s", s.id, s.chatID)

	s.tryEmit(event{kind: eventState, state: StateIdle})
	close(s.done)
}

func (s *Session) beginConnectLocked() uint64 {
	s.generation++
	s.state = StateConnecting
	return s.generation
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disconnected && gen == s.generation
}

func (s *Session) dial(gen uint64) {
	token, ok := s.tokens.Get()
	if !ok {
		s.failSetup(gen, ErrNoToken)
		return
	}

	target, err := s.endpoint.WebSocketURL(s.chatID, token)
	if err != nil {
		s.failSetup(gen, err)
		return
	}

	conn, err := s.opts.Dialer.Dial(s.ctx, target)
	if err != nil {
		if !s.isCurrent(gen) {
			return
		}
		log.Printf("[realtime] session=%s dial chat=%s failed: %v", s.id, s.chatID, err)
		s.emit(event{kind: eventError, err: fmt.Errorf("connect chat %s: %w", s.chatID, err)})
		s.handleClose(gen)
		return
	}

	s.mu.Lock()
	if s.disconnected || gen != s.generation {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.state = StateOpen
	s.attempts = 0
	s.mu.Unlock()

	log.Printf("[realtime] session=%s connected chat=%s", s.id, s.chatID)
	s.emit(event{kind: eventState, state: StateOpen})

	s.readLoop(gen, conn)
}

// failSetup handles failures before a transport exists; these are not retried.
func (s *Session) failSetup(gen uint64, err error) {
	s.mu.Lock()
	current := !s.disconnected && gen == s.generation
	if current {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if !current {
		return
	}

	log.Printf("[realtime] session=%s cannot connect chat=%s: %v", s.id, s.chatID, err)
	s.emit(event{kind: eventError, err: err})
	s.emit(event{kind: eventState, state: StateIdle})
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage(s.ctx)
		if err != nil {
			if !s.isCurrent(gen) {
				return
			}
			var closeErr *CloseError
			if !errors.As(err, &closeErr) || !closeErr.Normal() {
				s.emit(event{kind: eventError, err: err})
			}
			log.Printf("[realtime] session=%s connection closed: %v", s.id, err)
			s.handleClose(gen)
			return
		}

		frame, err := chat.DecodeFrame(data)
		if err != nil {
			log.Printf("[realtime] session=%s dropping malformed frame: %v", s.id, err)
			continue
		}
		s.emit(event{kind: eventMessage, frame: frame})
	}
}

// handleClose schedules the next reconnect, or abandons the session once
// MaxReconnectAttempts closes happened without an open in between.
func (s *Session) handleClose(gen uint64) {
	s.mu.Lock()
	if s.disconnected || gen != s.generation {
		s.mu.Unlock()
		return
	}

	conn := s.conn
	s.conn = nil

	if s.attempts >= s.opts.MaxReconnectAttempts {
		s.state = StateAbandoned
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		log.Printf("[realtime] session=%s giving up on chat=%s after %d attempts", s.id, s.chatID, s.opts.MaxReconnectAttempts)
		s.emit(event{kind: eventState, state: StateAbandoned})
		return
	}

	s.attempts++
	attempt := s.attempts
	delay := time.Duration(attempt) * s.opts.ReconnectDelay
	s.state = StateClosed
	s.timer = s.opts.Clock.AfterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Printf("[realtime] session=%s reconnecting in %s (attempt %d/%d)", s.id, delay, attempt, s.opts.MaxReconnectAttempts)
	s.emit(event{kind: eventState, state: StateClosed})
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.disconnected || gen != s.generation || s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	next := s.beginConnectLocked()
	attempt := s.attempts
	s.mu.Unlock()

	log.Printf("[realtime] session=%s reconnecting chat=%s, attempt %d", s.id, s.chatID, attempt)
	s.emit(event{kind: eventState, state: StateConnecting})
	go s.dial(next)
}

func (s *Session) send(frame chat.Frame) {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		if frame.Type == chat.FrameMessage {
			log.Printf("[realtime] session=%s not connected, dropping %s frame", s.id, frame.Type)
		}
		return
	}

	s.writeMu.Lock()
	err := conn.WriteJSON(s.ctx, frame)
	s.writeMu.Unlock()

	if err != nil {
		log.Printf("[realtime] session=%s write %s failed: %v", s.id, frame.Type, err)
		s.tryEmit(event{kind: eventError, err: fmt.Errorf("send %s: %w", frame.Type, err)})
	}
}

// emit queues an event, blocking while the queue is full. Only internal
// goroutines call it.
func (s *Session) emit(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// tryEmit queues an event without blocking; callers may be running on the
// dispatcher itself.
func (s *Session) tryEmit(ev event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[realtime] session=%s event queue full, dropping event kind=%d", s.id, ev.kind)
	}
}

func (s *Session) dispatch() {
	defer close(s.dispatcherDone)
	for {
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.events:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) deliver(ev event) {
	switch ev.kind {
	case eventMessage:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(ev.frame)
		}
	case eventError:
		if s.handlers.OnError != nil {
			s.handlers.OnError(ev.err)
		}
	case eventState:
		if s.handlers.OnStateChange != nil {
			s.handlers.OnStateChange(ev.state)
		}
	}
}
