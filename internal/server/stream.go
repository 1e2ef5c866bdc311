package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-sse-relay/internal/types"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024

	DefaultSendBufferSize    = 256
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrBufferFull   = errors.New("send buffer full")
)

// Stream is a long-lived output channel to a single connected user.
type Stream interface {
	Id() string
	// Send queues env for writing without blocking.
	Send(env *types.Envelope) error
	// OnClose registers fn to run once the underlying transport is gone.
	OnClose(fn func())
	Close()
}

type streamCore struct {
	id       string
	log      *log.Logger
	send     chan *types.Envelope
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func newStreamCore(l *log.Logger, bufSize int) *streamCore {
	if bufSize <= 0 {
		bufSize = DefaultSendBufferSize
	}

	return &streamCore{
		id:   newStreamId(),
		log:  l,
		send: make(chan *types.Envelope, bufSize),
		stop: make(chan struct{}),
	}
}

func newStreamId() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails when its worker pool is misconfigured
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id
}

func (s *streamCore) Id() string {
	return s.id
}

func (s *streamCore) Send(env *types.Envelope) error {
	select {
	case <-s.stop:
		return ErrStreamClosed
	default:
	}

	select {
	case s.send <- env:
		return nil
	default:
		s.log.Printf("send buffer full on stream %q, dropping %q event", s.id, env.Type)
		return ErrBufferFull
	}
}

func (s *streamCore) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *streamCore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// teardown stops the stream and runs the close observers exactly once.
func (s *streamCore) teardown() {
	s.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fns := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// SSEStream writes envelopes as text/event-stream records on an HTTP response.
type SSEStream struct {
	*streamCore
	w         http.ResponseWriter
	rc        *http.ResponseController
	heartbeat time.Duration
}

func NewSSEStream(w http.ResponseWriter, l *log.Logger, bufSize int, heartbeat time.Duration) *SSEStream {
	return &SSEStream{
		streamCore: newStreamCore(l, bufSize),
		w:          w,
		rc:         http.NewResponseController(w),
		heartbeat:  heartbeat,
	}
}

// Run pumps queued envelopes to the client until ctx is done, the stream is
// closed, or a write fails. It blocks for the lifetime of the stream.
func (s *SSEStream) Run(ctx context.Context) {
	defer func() {
		s.teardown()
		s.log.Printf("sse stream %q exiting", s.id)
	}()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	if err := s.rc.Flush(); err != nil {
		s.log.Printf("sse stream %q: flush: %v", s.id, err)
		return
	}

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case env := <-s.send:
			payload, err := serializeMessage(env)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.write(frameEvent(payload)) {
				return
			}
		case <-tick:
			if !s.write(sseHeartbeat) {
				return
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *SSEStream) write(b []byte) bool {
	// not every ResponseWriter supports deadlines
	_ = s.rc.SetWriteDeadline(time.Now().Add(writeWait))

	if _, err := s.w.Write(b); err != nil {
		s.log.Printf("sse stream %q: write: %v", s.id, err)
		return false
	}
	if err := s.rc.Flush(); err != nil {
		s.log.Printf("sse stream %q: flush: %v", s.id, err)
		return false
	}

	return true
}

// WSStream carries the same envelopes as JSON text frames over a websocket.
type WSStream struct {
	*streamCore
	conn *websocket.Conn
}

func NewWSStream(conn *websocket.Conn, l *log.Logger, bufSize int) *WSStream {
	return &WSStream{
		streamCore: newStreamCore(l, bufSize),
		conn:       conn,
	}
}

// Run starts the write pump and blocks in the read pump until the peer goes away.
func (s *WSStream) Run() {
	go s.writePump()
	s.readPump()
}

func (s *WSStream) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.log.Printf("ws stream %q write exiting", s.id)
	}()

	for {
		select {
		case env := <-s.send:
			payload, err := serializeMessage(env)
			if err != nil {
				s.log.Println("failed to serialize message:", err)
				continue
			}

			if !s.sendMessage(websocket.TextMessage, payload) {
				return
			}
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		case <-s.stop:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump discards inbound frames; side-channel requests travel over HTTP.
func (s *WSStream) readPump() {
	defer func() {
		s.conn.Close()
		s.teardown()
		s.log.Printf("ws stream %q read exiting", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Printf("ws: read: %v", err)
			}
			return
		}
	}
}

func (s *WSStream) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}
