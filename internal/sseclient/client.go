package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/go-sse-relay/internal/types"
)

type State string

const (
	StateDisconnected         State = "disconnected"
	StateConnecting           State = "connecting"
	StateConnected            State = "connected"
	StateReconnecting         State = "reconnecting"
	StateManuallyDisconnected State = "manually-disconnected"
)

const readBufferSize = 4096

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithScheduler(s Scheduler) Option {
	return func(c *Client) { c.sched = s }
}

func WithBackoff(initialDelay, maxDelay time.Duration, maxAttempts int) Option {
	return func(c *Client) { c.backoff = NewBackoff(initialDelay, maxDelay, maxAttempts) }
}

// Client keeps one event stream open against the relay and reconnects it
// with capped exponential backoff when it drops.
type Client struct {
	baseURL string
	http    *http.Client
	store   CredentialStore
	sched   Scheduler
	log     *log.Logger

	mu      sync.Mutex
	state   State
	manual  bool
	gen     uint64
	parent  context.Context
	cancel  context.CancelFunc
	timer   Timer
	backoff *Backoff
	creds   Credentials

	nextSub  int
	msgSubs  map[int]func(*types.Envelope)
	connSubs map[int]func(bool)
}

func New(baseURL string, store CredentialStore, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     &http.Client{},
		store:    store,
		sched:    timeScheduler{},
		log:      logger,
		state:    StateDisconnected,
		parent:   context.Background(),
		backoff:  NewBackoff(DefaultInitialDelay, DefaultMaxDelay, DefaultMaxAttempts),
		msgSubs:  make(map[int]func(*types.Envelope)),
		connSubs: make(map[int]func(bool)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect opens the stream for the stored user id. Any earlier connection
// or pending reconnect is dropped first. Reconnects stop once ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	creds, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if creds.UserId == "" {
		return ErrNoUserId
	}

	c.mu.Lock()
	c.teardownLocked()
	c.manual = false
	c.backoff.Reset()
	c.creds = creds
	c.parent = ctx
	gen := c.gen
	c.mu.Unlock()

	c.attempt(gen)
	return nil
}

// Disconnect closes the stream and keeps the client down until the next
// Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.teardownLocked()
	c.manual = true
	c.backoff.Reset()
	c.state = StateManuallyDisconnected
	subs := c.connSubscribersLocked()
	c.mu.Unlock()

	if wasConnected {
		notifyConn(subs, false)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessage registers fn for every decoded envelope and returns a func that
// removes it.
func (c *Client) OnMessage(fn func(*types.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.msgSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgSubs, id)
	}
}

// OnConnectionChange registers fn for connection state changes and returns
// a func that removes it.
func (c *Client) OnConnectionChange(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.connSubs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.connSubs, id)
	}
}

func (c *Client) JoinRoom(ctx context.Context, roomId string) (bool, error) {
	return c.roomRequest(ctx, "/api/sse/join-room", roomId)
}

func (c *Client) LeaveRoom(ctx context.Context, roomId string) (bool, error) {
	return c.roomRequest(ctx, "/api/sse/leave-room", roomId)
}

// teardownLocked invalidates the current attempt so none of its callbacks
// take effect.
func (c *Client) teardownLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) attempt(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(c.parent)
	c.cancel = cancel
	c.timer = nil
	c.state = StateConnecting
	creds := c.creds
	c.mu.Unlock()

	go c.run(ctx, gen, creds)
}

func (c *Client) run(ctx context.Context, gen uint64, creds Credentials) {
	resp, err := c.open(ctx, creds)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Printf("open stream: %v", err)
		}
		c.terminated(gen)
		return
	}
	defer resp.Body.Close()

	if !c.opened(gen) {
		return
	}

	if err := c.readLoop(resp.Body, gen); err != nil && ctx.Err() == nil {
		c.log.Printf("read stream: %v", err)
	}

	c.terminated(gen)
}

func (c *Client) open(ctx context.Context, creds Credentials) (*http.Response, error) {
	u := c.baseURL + "/api/sse/connect/" + url.PathEscape(creds.UserId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return resp, nil
}

func (c *Client) readLoop(body io.Reader, gen uint64) error {
	var dec Decoder
	buf := make([]byte, readBufferSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, rec := range dec.Feed(buf[:n]) {
				c.dispatch(gen, rec)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) dispatch(gen uint64, rec []byte) {
	var env types.Envelope
	if err := json.Unmarshal(rec, &env); err != nil {
		c.log.Printf("skipping malformed record: %v", err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	subs := make([]func(*types.Envelope), 0, len(c.msgSubs))
	for _, fn := range c.msgSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(&env)
	}
}

// opened reports whether gen is still the current attempt.
func (c *Client) opened(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}

	c.state = StateConnected
	c.backoff.Reset()
	subs := c.connSubscribersLocked()
	c.mu.Unlock()

	notifyConn(subs, true)
	return true
}

func (c *Client) terminated(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.manual {
		c.mu.Unlock()
		return
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	c.state = StateDisconnected
	if c.parent.Err() == nil {
		if d, ok := c.backoff.Next(); ok {
			c.state = StateReconnecting
			c.timer = c.sched.AfterFunc(d, func() { c.attempt(gen) })
		}
	}
	subs := c.connSubscribersLocked()
	c.mu.Unlock()

	notifyConn(subs, false)
}

func (c *Client) connSubscribersLocked() []func(bool) {
	subs := make([]func(bool), 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		subs = append(subs, fn)
	}
	return subs
}

func notifyConn(subs []func(bool), connected bool) {
	for _, fn := range subs {
		fn(connected)
	}
}

type roomRequest struct {
	UserId string `json:"userId"`
	RoomId string `json:"roomId"`
}

type ackResponse struct {
	Success bool `json:"success"`
}

func (c *Client) roomRequest(ctx context.Context, path, roomId string) (bool, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	creds := c.creds
	c.mu.Unlock()

	if !connected {
		return false, ErrNotConnected
	}
	if roomId == "" || creds.UserId == "" {
		return false, errors.New("user id and room id are required")
	}

	body, err := json.Marshal(roomRequest{UserId: creds.UserId, RoomId: roomId})
	if err != nil {
		return false, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var ack ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return ack.Success, nil
}
