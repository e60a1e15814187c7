package crewchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewchat/crewchat-go/crewchat/internal"

	"github.com/coder/websocket"
)

// Session owns the single logical connection to the crewchat realtime
// endpoint. It reconnects transparently with capped backoff, re-joins
// rooms and keeps registered listeners attached across reconnects, and
// probes liveness with periodic pings. Construct one Session at
// application start and hand it to the consumers that need it.
type Session struct {
	cfg      Config
	logger   Logger
	registry *listenerRegistry
	rooms    *roomSet
	writeCh  chan outEnvelope

	mu      sync.Mutex
	state   ConnectionState
	conn    *internal.Conn
	cancel  context.CancelFunc
	onState func(StateEvent)
	running bool
	closed  bool

	lastInbound atomic.Int64 // unix nanos of the last frame seen from the server
}

// NewSession constructs a session with the provided config. The session
// does not connect until Connect is called.
func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:      cfg,
		logger:   noopLogger{},
		registry: newListenerRegistry(),
		rooms:    newRoomSet(),
		writeCh:  make(chan outEnvelope, 16),
	}
	s.rooms.setInbox(cfg.UserID)
	return s
}

// SetLogger overrides the logger (optional).
func (s *Session) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// On registers the handler for an event name, replacing any previous
// handler for that name. The registration survives reconnects.
func (s *Session) On(event string, h Handler) {
	s.registry.set(event, h)
}

// RemoveAllListeners clears the listener registry.
func (s *Session) RemoveAllListeners() {
	s.registry.removeAll()
}

// OnStateChange registers a callback invoked on every connection state
// transition.
func (s *Session) OnStateChange(fn func(StateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session currently has a settled
// transport (rooms re-joined, listeners attached).
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Connect starts the connection loop. It is idempotent: calling it while
// already connecting or connected is a no-op. Dial failures are not
// returned — every transport error schedules another attempt, without
// bound, with delay capped at Config.ReconnectCap.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewError(ErrorConnection, "session closed")
	}
	if s.running {
		return nil
	}
	if s.cfg.URL == "" {
		return NewError(ErrorInvalidConfig, "empty URL")
	}
	if _, err := url.Parse(s.cfg.URL); err != nil {
		return WrapError(ErrorInvalidConfig, "invalid URL", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	go s.run(ctx)
	return nil
}

// Close tears down the session: stops the connection loop, closes the
// transport, clears the listener registry and room identity. A closed
// session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.mu.Unlock()

	s.registry.removeAll()
	s.rooms.reset()
	s.setState(StateClosed, nil)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Emit sends one event to the server. If the session is not connected it
// kicks the connection loop, waits Config.SendRetryDelay, and retries
// exactly once before giving up. Delivery confidence beyond that single
// retry belongs to the layers above.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	env := outEnvelope{Event: event, Data: payload}
	if s.IsConnected() {
		return s.enqueue(ctx, env)
	}

	if err := s.Connect(); err != nil {
		return err
	}
	select {
	case <-time.After(s.cfg.SendRetryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.IsConnected() {
		return s.enqueue(ctx, env)
	}
	return NewError(ErrorNotConnected, "send failed: no connection after retry")
}

// JoinGroup records membership in a group room and joins it on the wire.
// Membership is re-established automatically after every reconnect.
func (s *Session) JoinGroup(ctx context.Context, groupID string) error {
	s.rooms.addGroup(groupID)
	if !s.IsConnected() {
		return nil // joined on next connect
	}
	return s.enqueue(ctx, outEnvelope{Event: EventJoinGroup, Data: groupPayload{GroupID: groupID}})
}

// LeaveGroup removes a group room from the membership set and leaves it
// on the wire.
func (s *Session) LeaveGroup(ctx context.Context, groupID string) error {
	s.rooms.removeGroup(groupID)
	if !s.IsConnected() {
		return nil
	}
	return s.enqueue(ctx, outEnvelope{Event: EventLeaveGroup, Data: groupPayload{GroupID: groupID}})
}

func (s *Session) enqueue(ctx context.Context, env outEnvelope) error {
	select {
	case s.writeCh <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the connection loop: dial, settle, pump, and on any failure
// back off and start over. It exits only when the session is closed.
func (s *Session) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			s.setState(StateConnecting, nil)
		}

		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			s.logger.Warn("dial failed", map[string]any{"attempt": attempt, "error": err.Error()})
			s.setState(StateReconnecting, err)
			if !sleepCtx(ctx, s.cfg.backoffDelay(attempt)) {
				return
			}
			continue
		}

		if err := s.settle(ctx, conn); err != nil {
			attempt++
			s.logger.Warn("room re-join failed", map[string]any{"attempt": attempt, "error": err.Error()})
			_ = conn.Close(websocket.StatusInternalError, "settle error")
			s.setState(StateReconnecting, err)
			if !sleepCtx(ctx, s.cfg.backoffDelay(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.touch()
		s.setState(StateConnected, nil)

		connCtx, cancelConn := context.WithCancel(ctx)
		go s.writeLoop(connCtx, conn)
		s.readLoop(connCtx, conn)
		cancelConn()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		attempt++
		s.setState(StateReconnecting, nil)
		if !sleepCtx(ctx, s.cfg.backoffDelay(attempt)) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*internal.Conn, error) {
	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	var opts websocket.DialOptions
	if s.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + s.cfg.Token}}
	}
	ws, _, err := websocket.Dial(dialCtx, s.cfg.URL, &opts)
	if err != nil {
		return nil, err
	}
	return internal.NewConn(ws, s.cfg.ReadTimeout, s.cfg.WriteTimeout), nil
}

// settle re-joins every room in the membership set on the fresh
// transport. The session does not report Connected until this succeeds,
// so no caller observes a connection that is not yet receiving its
// targeted events.
func (s *Session) settle(ctx context.Context, conn *internal.Conn) error {
	inbox, groups := s.rooms.snapshot()
	if inbox != "" {
		if err := conn.Write(ctx, outEnvelope{Event: EventJoin, Data: joinPayload{UserID: inbox}}); err != nil {
			return err
		}
	}
	for _, g := range groups {
		if err := conn.Write(ctx, outEnvelope{Event: EventJoinGroup, Data: groupPayload{GroupID: g}}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *internal.Conn) {
	for {
		var env envelope
		if err := conn.Read(ctx, &env); err != nil {
			if !isExpectedDisconnect(ctx, err) {
				s.logger.Warn("read loop exit", map[string]any{"error": err.Error()})
			}
			return
		}
		s.touch()
		s.handleEvent(ctx, env)
	}
}

func (s *Session) handleEvent(ctx context.Context, env envelope) {
	switch env.Event {
	case EventPong:
		// lastInbound already bumped; nothing else to do
	case EventPing:
		var p pingPayload
		_ = json.Unmarshal(env.Data, &p)
		select {
		case s.writeCh <- outEnvelope{Event: EventPong, Data: p}:
		case <-ctx.Done():
		}
	default:
		if !s.registry.dispatch(env.Event, env.Data) {
			s.logger.Debug("no handler for event", map[string]any{"event": env.Event})
		}
	}
}

// writeLoop drains the send queue and runs the liveness prober. A write
// failure or a failed liveness verification closes the transport, which
// unblocks readLoop and triggers the reconnect path in run.
func (s *Session) writeLoop(ctx context.Context, conn *internal.Conn) {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker = time.NewTicker(s.cfg.PingInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case env := <-s.writeCh:
			if err := conn.Write(ctx, env); err != nil {
				s.logger.Warn("write loop exit", map[string]any{"error": err.Error()})
				_ = conn.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-tick:
			if s.cfg.LivenessWindow > 0 && time.Since(s.lastSeen()) > s.cfg.LivenessWindow {
				// Silence past the window. Verify with a single
				// synchronous transport check before tearing down.
				if err := conn.Ping(ctx); err != nil {
					s.logger.Warn("liveness check failed, forcing reconnect", map[string]any{"error": err.Error()})
					_ = conn.Close(websocket.StatusGoingAway, "liveness timeout")
					return
				}
				s.touch()
			}
			ping := outEnvelope{Event: EventPing, Data: pingPayload{Timestamp: time.Now().UnixMilli()}}
			if err := conn.Write(ctx, ping); err != nil {
				s.logger.Warn("ping write failed", map[string]any{"error": err.Error()})
				_ = conn.Close(websocket.StatusInternalError, "ping error")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) setState(next ConnectionState, cause error) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	fn := s.onState
	s.mu.Unlock()

	if fn != nil {
		fn(StateEvent{OldState: prev, NewState: next, Error: cause})
	}
}

func (s *Session) touch() {
	s.lastInbound.Store(time.Now().UnixNano())
}

func (s *Session) lastSeen() time.Time {
	return time.Unix(0, s.lastInbound.Load())
}

// sleepCtx sleeps for d unless ctx is cancelled first. Reports whether
// the full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
