package types

import (
	"bytes"
	"encoding/json"
	"time"
)

type EventType string

const (
	EventConnected    EventType = "connected"
	EventRoomJoined   EventType = "room_joined"
	EventRoomLeft     EventType = "room_left"
	EventNewMessage   EventType = "new_message"
	EventUserTyping   EventType = "user_typing"
	EventMessageRead  EventType = "message_read"
	EventNotification EventType = "notification"
	EventBroadcast    EventType = "broadcast"
)

// Envelope is a single event written to a user's stream.
type Envelope struct {
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	RoomId       string          `json:"roomId,omitempty"`
	UserId       string          `json:"userId,omitempty"`
	UserName     string          `json:"userName,omitempty"`
	IsTyping     *bool           `json:"isTyping,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Notification json.RawMessage `json:"notification,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type Diagnostics struct {
	TotalConnections int                 `json:"totalConnections"`
	TotalRooms       int                 `json:"totalRooms"`
	OnlineUsers      []string            `json:"onlineUsers"`
	Rooms            map[string][]string `json:"rooms"`
}

// IsEmptyPayload reports whether a payload field was missing or null.
func IsEmptyPayload(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
