package server

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/npezzotti/go-sse-relay/internal/types"
)

var (
	sseDataPrefix = []byte("data: ")
	sseRecordEnd  = []byte("\n\n")
	sseHeartbeat  = []byte(": ping\n\n")
)

func Connected() *types.Envelope {
	return &types.Envelope{
		Type:      types.EventConnected,
		Timestamp: Now(),
	}
}

func RoomJoined(roomId string) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventRoomJoined,
		RoomId:    roomId,
		Timestamp: Now(),
	}
}

func RoomLeft(roomId string) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventRoomLeft,
		RoomId:    roomId,
		Timestamp: Now(),
	}
}

func NewMessage(roomId string, message json.RawMessage) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventNewMessage,
		RoomId:    roomId,
		Message:   message,
		Timestamp: Now(),
	}
}

func UserTyping(roomId, userId, userName string, isTyping bool) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventUserTyping,
		RoomId:    roomId,
		UserId:    userId,
		UserName:  userName,
		IsTyping:  &isTyping,
		Timestamp: Now(),
	}
}

func MessageRead(roomId, userId string) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventMessageRead,
		RoomId:    roomId,
		UserId:    userId,
		Timestamp: Now(),
	}
}

func Notification(notification json.RawMessage) *types.Envelope {
	return &types.Envelope{
		Type:         types.EventNotification,
		Notification: notification,
		Timestamp:    Now(),
	}
}

func Broadcast(data json.RawMessage) *types.Envelope {
	return &types.Envelope{
		Type:      types.EventBroadcast,
		Data:      data,
		Timestamp: Now(),
	}
}

func serializeMessage(env *types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// frameEvent wraps a serialized envelope in a single SSE data record.
func frameEvent(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(sseDataPrefix) + len(payload) + len(sseRecordEnd))
	buf.Write(sseDataPrefix)
	buf.Write(payload)
	buf.Write(sseRecordEnd)
	return buf.Bytes()
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
