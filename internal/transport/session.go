// Package transport implements the WebSocket layer: one reader goroutine
// and one writer goroutine per connection, a bounded outbound queue that
// closes the session rather than blocking on overflow, and the small piece
// of state (role, identities, resume bookkeeping) every other component
// needs to reach into a live connection.
package transport

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"

	"github.com/screenmcp/relay/internal/wire"
)

var ErrSessionClosed = errors.New("transport: session is closed")
var ErrQueueFull = errors.New("transport: send queue is full")

// CloseHandler is invoked once when a session's reader/writer pair stops,
// with the close code that best describes why.
type CloseHandler func(s *Session, code string)

// MessageHandler is invoked for every inbound text frame, from the reader
// goroutine (i.e. serialized per-session).
type MessageHandler func(s *Session, raw []byte)

// PongHandler is invoked whenever a pong is observed, used by the
// heartbeat package to reset idle timers without transport depending on it.
type PongHandler func(s *Session)

// Session wraps one authenticated or pending WebSocket connection.
type Session struct {
	ID   string
	conn *ws.Conn
	cfg  Config

	mu     sync.RWMutex
	open   bool
	role   wire.Role
	userID string

	// deviceID is the device this session represents (role device) or
	// targets (role controller).
	deviceID string

	// generation is assigned by the auth handshake from a server-wide
	// counter, so two sessions for the same slot can be told apart.
	generation uint64

	lastAck uint64

	output chan []byte

	onMessage MessageHandler
	onClose   CloseHandler
	onPong    PongHandler

	closeOnce sync.Once
	closeCode atomic.Value // string
}

// NewSession wraps an upgraded *websocket.Conn. Callers must call Run to
// start its reader/writer goroutines.
func NewSession(conn *ws.Conn, cfg Config, onMessage MessageHandler, onClose CloseHandler, onPong PongHandler) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		cfg:       cfg,
		open:      true,
		output:    make(chan []byte, cfg.SendQueueSize),
		onMessage: onMessage,
		onClose:   onClose,
		onPong:    onPong,
	}
	return s
}

// Run starts the reader and writer pumps and blocks until both have exited.
// Call it from its own goroutine.
func (s *Session) Run() {
	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()
	s.readPump()
	<-done
}

func (s *Session) Role() wire.Role   { return s.role }
func (s *Session) UserID() string    { return s.userID }
func (s *Session) DeviceID() string  { return s.deviceID }
func (s *Session) Generation() uint64 { return s.generation }

// SetIdentity is called once, by the auth handshake, after the session is
// authenticated.
func (s *Session) SetIdentity(role wire.Role, userID, deviceID string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
	s.userID = userID
	s.deviceID = deviceID
	s.generation = generation
}

func (s *Session) LastAck() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAck
}

func (s *Session) SetLastAck(v uint64) {
	s.mu.Lock()
	s.lastAck = v
	s.mu.Unlock()
}

// RemoteIP implements logx.IPProvider.
func (s *Session) RemoteIP() string {
	addr := s.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// DeviceLogLabel implements logx.DeviceLabeler.
func (s *Session) DeviceLogLabel() (hostname, addr string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deviceID == "" {
		return "", "", false
	}
	return s.deviceID, s.RemoteIP(), true
}

func (s *Session) closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.open
}

// IsClosed reports whether the session has already been closed, for
// callers outside this package deciding whether a live send is possible.
func (s *Session) IsClosed() bool {
	return s.closed()
}

// Send enqueues a text frame for delivery, non-blocking. On a full queue
// the session is closed with backpressure_exceeded and ErrQueueFull is
// returned; a slow peer must never block the reader or another session.
//
// The enqueue happens under the read lock so it cannot race the channel
// close in CloseWithCode, which holds the write lock.
func (s *Session) Send(raw []byte) error {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return ErrSessionClosed
	}
	select {
	case s.output <- raw:
		s.mu.RUnlock()
		return nil
	default:
		s.mu.RUnlock()
		s.CloseWithCode(wire.CloseBackpressure)
		return ErrQueueFull
	}
}

// CloseWithCode closes the session exactly once, recording the reason so
// the registered CloseHandler can act on it (unregister, notify peer).
func (s *Session) CloseWithCode(code string) {
	s.closeOnce.Do(func() {
		s.closeCode.Store(code)
		s.mu.Lock()
		s.open = false
		close(s.output)
		s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) CloseCode() string {
	if v := s.closeCode.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Session) writePump() {
	for raw := range s.output {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		if err := s.conn.WriteMessage(ws.TextMessage, raw); err != nil {
			s.CloseWithCode(wire.CloseProtocolError)
			break
		}
	}
	code := s.CloseCode()
	if code == "" {
		code = wire.CloseProtocolError
	}
	if s.onClose != nil {
		s.onClose(s, code)
	}
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		if s.onPong != nil {
			s.onPong(s)
		}
		return nil
	})

	for {
		t, message, err := s.conn.ReadMessage()
		if err != nil {
			s.CloseWithCode(wire.CloseProtocolError)
			return
		}
		if t != ws.TextMessage {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(s, message)
		}
	}
}

// Upgrader wraps the gorilla/websocket upgrade call with the relay's fixed
// buffer sizes; CheckOrigin is permissive since controllers/devices are not
// browsers and the relay is not cookie-authenticated.
var Upgrader = ws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a WebSocket and wraps it in a Session.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config, onMessage MessageHandler, onClose CloseHandler, onPong PongHandler) (*Session, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, cfg, onMessage, onClose, onPong), nil
}
