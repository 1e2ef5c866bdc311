// Package pgnotify relays Postgres NOTIFY payloads to connected users so
// the persistence layer can hand off a stored message with one pg_notify
// call.
package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-sse-relay/internal/server"
	"github.com/npezzotti/go-sse-relay/internal/types"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownType    = errors.New("unknown event type")
)

// Notifier is the delivery side of the bridge.
type Notifier interface {
	NotifyNewMessage(roomId string, message json.RawMessage, excludeUserId string) int
	NotifyUser(userId string, notification json.RawMessage) int
	BroadcastAll(env *types.Envelope, excludeUserId string) int
}

// Source yields notifications. *pq.Listener satisfies it.
type Source interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type Payload struct {
	Type          types.EventType `json:"type"`
	RoomId        string          `json:"roomId,omitempty"`
	UserId        string          `json:"userId,omitempty"`
	ExcludeUserId string          `json:"excludeUserId,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	Notification  json.RawMessage `json:"notification,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Dispatch decodes raw and delivers it, returning the recipient count.
func Dispatch(n Notifier, raw []byte) (int, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch p.Type {
	case types.EventNewMessage:
		if p.RoomId == "" || types.IsEmptyPayload(p.Message) {
			return 0, fmt.Errorf("%w: roomId and message are required", ErrInvalidPayload)
		}
		return n.NotifyNewMessage(p.RoomId, p.Message, p.ExcludeUserId), nil
	case types.EventNotification:
		if p.UserId == "" || types.IsEmptyPayload(p.Notification) {
			return 0, fmt.Errorf("%w: userId and notification are required", ErrInvalidPayload)
		}
		return n.NotifyUser(p.UserId, p.Notification), nil
	case types.EventBroadcast:
		if types.IsEmptyPayload(p.Data) {
			return 0, fmt.Errorf("%w: data is required", ErrInvalidPayload)
		}
		return n.BroadcastAll(server.Broadcast(p.Data), p.ExcludeUserId), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}

// NewListener connects to dsn and listens on channel.
func NewListener(dsn, channel string, logger *log.Logger) (*pq.Listener, error) {
	l := pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Printf("listening for notifications on %q", channel)
		case pq.ListenerEventDisconnected:
			logger.Printf("notification listener disconnected: %v", err)
		case pq.ListenerEventReconnected:
			logger.Println("notification listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Printf("notification listener connection failed: %v", err)
		}
	})

	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %q: %w", channel, err)
	}

	return l, nil
}

type Bridge struct {
	log      *log.Logger
	src      Source
	notifier Notifier
}

func NewBridge(logger *log.Logger, src Source, n Notifier) *Bridge {
	return &Bridge{
		log:      logger,
		src:      src,
		notifier: n,
	}
}

// Run delivers notifications until ctx is done, then closes the source.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.src.Close(); err != nil {
				return fmt.Errorf("close listener: %w", err)
			}
			return nil
		case n, ok := <-b.src.NotificationChannel():
			if !ok {
				return errors.New("notification channel closed")
			}
			// nil after a reconnect, notifications may have been missed
			if n == nil {
				continue
			}
			b.handle(n)
		case <-ticker.C:
			if err := b.src.Ping(); err != nil {
				b.log.Printf("ping notification listener: %v", err)
			}
		}
	}
}

func (b *Bridge) handle(n *pq.Notification) {
	sent, err := Dispatch(b.notifier, []byte(n.Extra))
	if err != nil {
		b.log.Printf("dropping notification on %q: %v", n.Channel, err)
		return
	}

	b.log.Printf("relayed notification on %q to %d users", n.Channel, sent)
}
