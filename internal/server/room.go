package server

import (
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/go-sse-relay/internal/stats"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// RoomIndex maps users to the rooms they have joined and rooms to their
// members. A single lock covers both maps so that a user is a member of a
// room exactly when the room is listed among the user's rooms.
type RoomIndex struct {
	log       *log.Logger
	stats     stats.StatsProvider
	mu        sync.RWMutex
	userRooms map[string]set
	roomUsers map[string]set
}

func NewRoomIndex(logger *log.Logger, su stats.StatsProvider) *RoomIndex {
	su.RegisterMetric(stats.NumActiveRooms)

	return &RoomIndex{
		log:       logger,
		stats:     su,
		userRooms: make(map[string]set),
		roomUsers: make(map[string]set),
	}
}

// Join adds the membership and reports whether it was new.
func (ri *RoomIndex) Join(userId, roomId string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	members, ok := ri.roomUsers[roomId]
	if !ok {
		members = make(set)
		ri.roomUsers[roomId] = members
		ri.stats.Incr(stats.NumActiveRooms)
	}
	if _, exists := members[userId]; exists {
		return false
	}
	members[userId] = struct{}{}

	rooms, ok := ri.userRooms[userId]
	if !ok {
		rooms = make(set)
		ri.userRooms[userId] = rooms
	}
	rooms[roomId] = struct{}{}

	ri.log.Printf("user %q joined room %q", userId, roomId)
	return true
}

// Leave removes the membership and reports whether there was one. A room
// left without members is dropped.
func (ri *RoomIndex) Leave(userId, roomId string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	if !ri.leaveLocked(userId, roomId) {
		return false
	}

	ri.log.Printf("user %q left room %q", userId, roomId)
	return true
}

func (ri *RoomIndex) leaveLocked(userId, roomId string) bool {
	members, ok := ri.roomUsers[roomId]
	if !ok {
		return false
	}
	if _, isMember := members[userId]; !isMember {
		return false
	}

	delete(members, userId)
	if len(members) == 0 {
		delete(ri.roomUsers, roomId)
		ri.stats.Decr(stats.NumActiveRooms)
	}

	if rooms, ok := ri.userRooms[userId]; ok {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(ri.userRooms, userId)
		}
	}

	return true
}

// LeaveAll removes the user from every room and returns the rooms left.
func (ri *RoomIndex) LeaveAll(userId string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	rooms := ri.userRooms[userId].sorted()
	for _, roomId := range rooms {
		ri.leaveLocked(userId, roomId)
	}

	return rooms
}

// MembersOf returns the sorted members of roomId, empty for unknown rooms.
func (ri *RoomIndex) MembersOf(roomId string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.roomUsers[roomId].sorted()
}

// RoomsOf returns the sorted rooms userId belongs to.
func (ri *RoomIndex) RoomsOf(userId string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.userRooms[userId].sorted()
}

func (ri *RoomIndex) IsMember(userId, roomId string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.roomUsers[roomId][userId]
	return ok
}

func (ri *RoomIndex) NumRooms() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.roomUsers)
}

// Snapshot copies the room to members mapping.
func (ri *RoomIndex) Snapshot() map[string][]string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()

	out := make(map[string][]string, len(ri.roomUsers))
	for roomId, members := range ri.roomUsers {
		out[roomId] = members.sorted()
	}
	return out
}
