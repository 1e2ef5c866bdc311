package server

import (
	"errors"
	"log"
	"slices"
	"sync"

	"github.com/npezzotti/go-sse-relay/internal/stats"
	"github.com/npezzotti/go-sse-relay/internal/types"
)

// MembershipReleaser drops every room membership held by a user.
type MembershipReleaser interface {
	LeaveAll(userId string) []string
}

type connection struct {
	userId string
	stream Stream
	live   bool
}

// Registry holds at most one live stream per user.
type Registry struct {
	log   *log.Logger
	stats stats.StatsProvider
	rooms MembershipReleaser
	mu    sync.RWMutex
	conns map[string]*connection
}

func NewRegistry(logger *log.Logger, rooms MembershipReleaser, su stats.StatsProvider) *Registry {
	su.RegisterMetric(stats.NumActiveConnections)

	return &Registry{
		log:   logger,
		stats: su,
		rooms: rooms,
		conns: make(map[string]*connection),
	}
}

// Register stores stream as the user's live connection, closing any stream it
// replaces, and greets it with a connected event. Room memberships survive a
// replacement.
func (r *Registry) Register(userId string, stream Stream) {
	// queued before the stream is visible so no fan-out can get ahead of it
	if err := stream.Send(Connected()); err != nil {
		r.log.Printf("greet stream %q for user %q: %v", stream.Id(), userId, err)
	}

	conn := &connection{userId: userId, stream: stream, live: true}

	r.mu.Lock()
	prev, replaced := r.conns[userId]
	if replaced {
		prev.live = false
	}
	r.conns[userId] = conn
	r.mu.Unlock()

	if replaced {
		r.log.Printf("replacing stream %q for user %q with %q", prev.stream.Id(), userId, stream.Id())
		prev.stream.Close()
	} else {
		r.stats.Incr(stats.NumActiveConnections)
	}

	streamId := stream.Id()
	stream.OnClose(func() {
		r.remove(userId, streamId)
	})

	r.log.Printf("registered stream %q for user %q", streamId, userId)
}

// Unicast queues env on the user's stream. It reports false for offline users
// and for streams that cannot accept the event; a stream found closed is
// deregistered.
func (r *Registry) Unicast(userId string, env *types.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[userId]
	live := ok && conn.live
	r.mu.RUnlock()

	if !live {
		return false
	}

	if err := conn.stream.Send(env); err != nil {
		r.log.Printf("unicast %q to user %q: %v", env.Type, userId, err)
		if errors.Is(err, ErrStreamClosed) {
			r.remove(userId, conn.stream.Id())
		}
		return false
	}

	return true
}

// Deregister closes and forgets the user's stream and releases the user's
// room memberships, including any taken while no stream was open.
func (r *Registry) Deregister(userId string) {
	if r.remove(userId, "") {
		return
	}

	if left := r.rooms.LeaveAll(userId); len(left) > 0 {
		r.log.Printf("released rooms %v of offline user %q", left, userId)
	}
}

// remove drops the user's connection if its stream matches streamId, or
// unconditionally when streamId is empty. It reports whether a connection was
// dropped.
func (r *Registry) remove(userId, streamId string) bool {
	r.mu.Lock()
	conn, ok := r.conns[userId]
	if !ok || (streamId != "" && conn.stream.Id() != streamId) {
		r.mu.Unlock()
		return false
	}
	conn.live = false
	delete(r.conns, userId)
	r.mu.Unlock()

	conn.stream.Close()
	r.stats.Decr(stats.NumActiveConnections)

	left := r.rooms.LeaveAll(userId)
	r.log.Printf("deregistered stream %q for user %q, released rooms: %v", conn.stream.Id(), userId, left)
	return true
}

// ListOnline returns the registered user ids in sorted order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.conns))
	for userId := range r.conns {
		users = append(users, userId)
	}
	slices.Sort(users)
	return users
}

func (r *Registry) IsOnline(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userId]
	return ok && conn.live
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Shutdown deregisters every connection.
func (r *Registry) Shutdown() {
	users := r.ListOnline()
	r.log.Printf("closing %d streams", len(users))
	for _, userId := range users {
		r.Deregister(userId)
	}
}
