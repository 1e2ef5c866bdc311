package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/npezzotti/go-sse-relay/internal/stats"
	"github.com/npezzotti/go-sse-relay/internal/types"
)

// DeliveryManager fans envelopes out to live streams. Delivery is best effort:
// recipients that are offline when an event is sent never see it.
//
// Fan-out calls are serialized so every stream receives events in the order
// the calls were made.
type DeliveryManager struct {
	log      *log.Logger
	stats    stats.StatsProvider
	registry *Registry
	rooms    *RoomIndex
	mu       sync.Mutex
}

func NewDeliveryManager(logger *log.Logger, registry *Registry, rooms *RoomIndex, su stats.StatsProvider) *DeliveryManager {
	su.RegisterMetric(stats.NumEventsDelivered)

	return &DeliveryManager{
		log:      logger,
		stats:    su,
		registry: registry,
		rooms:    rooms,
	}
}

// NewHub builds a DeliveryManager with its own registry and room index.
func NewHub(logger *log.Logger, su stats.StatsProvider) *DeliveryManager {
	rooms := NewRoomIndex(logger, su)
	registry := NewRegistry(logger, rooms, su)
	return NewDeliveryManager(logger, registry, rooms, su)
}

func (dm *DeliveryManager) Registry() *Registry {
	return dm.registry
}

func (dm *DeliveryManager) Rooms() *RoomIndex {
	return dm.rooms
}

// Connect registers stream as the user's live connection.
func (dm *DeliveryManager) Connect(userId string, stream Stream) {
	dm.registry.Register(userId, stream)
}

func (dm *DeliveryManager) deliver(userId string, env *types.Envelope) bool {
	if !dm.registry.Unicast(userId, env) {
		return false
	}

	dm.stats.Incr(stats.NumEventsDelivered)
	return true
}

func (dm *DeliveryManager) SendToUser(userId string, env *types.Envelope) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.deliver(userId, env) {
		return 1
	}
	return 0
}

// SendToRoom delivers env to every member of roomId except excludeUserId and
// returns how many streams accepted it.
func (dm *DeliveryManager) SendToRoom(roomId string, env *types.Envelope, excludeUserId string) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	sent := 0
	for _, userId := range dm.rooms.MembersOf(roomId) {
		if userId == excludeUserId {
			continue
		}
		if dm.deliver(userId, env) {
			sent++
		}
	}

	dm.log.Printf("sent %q to %d members of room %q", env.Type, sent, roomId)
	return sent
}

// BroadcastAll delivers env to every registered stream except excludeUserId.
func (dm *DeliveryManager) BroadcastAll(env *types.Envelope, excludeUserId string) int {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	sent := 0
	for _, userId := range dm.registry.ListOnline() {
		if userId == excludeUserId {
			continue
		}
		if dm.deliver(userId, env) {
			sent++
		}
	}

	dm.log.Printf("broadcast %q to %d users", env.Type, sent)
	return sent
}

// JoinRoom adds the membership and confirms it on the user's stream.
func (dm *DeliveryManager) JoinRoom(userId, roomId string) bool {
	dm.rooms.Join(userId, roomId)
	dm.SendToUser(userId, RoomJoined(roomId))
	return true
}

// LeaveRoom removes the membership; it is a no-op for non-members.
func (dm *DeliveryManager) LeaveRoom(userId, roomId string) bool {
	if dm.rooms.Leave(userId, roomId) {
		dm.SendToUser(userId, RoomLeft(roomId))
	}
	return true
}

func (dm *DeliveryManager) NotifyNewMessage(roomId string, message json.RawMessage, excludeUserId string) int {
	return dm.SendToRoom(roomId, NewMessage(roomId, message), excludeUserId)
}

func (dm *DeliveryManager) NotifyTyping(roomId, userId, userName string, isTyping bool) int {
	return dm.SendToRoom(roomId, UserTyping(roomId, userId, userName, isTyping), userId)
}

func (dm *DeliveryManager) NotifyMessageRead(roomId, userId string) int {
	return dm.SendToRoom(roomId, MessageRead(roomId, userId), userId)
}

func (dm *DeliveryManager) NotifyUser(userId string, notification json.RawMessage) int {
	return dm.SendToUser(userId, Notification(notification))
}

func (dm *DeliveryManager) Diagnostics() types.Diagnostics {
	online := dm.registry.ListOnline()
	rooms := dm.rooms.Snapshot()

	return types.Diagnostics{
		TotalConnections: len(online),
		TotalRooms:       len(rooms),
		OnlineUsers:      online,
		Rooms:            rooms,
	}
}

// Shutdown closes every stream.
func (dm *DeliveryManager) Shutdown() {
	dm.registry.Shutdown()
}
