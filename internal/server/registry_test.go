package server

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/npezzotti/go-sse-relay/internal/stats"
	"github.com/npezzotti/go-sse-relay/internal/testutil"
	"github.com/npezzotti/go-sse-relay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var fakeStreamSeq atomic.Int64

// fakeStream records every envelope it accepts. Closing it runs the close
// observers synchronously, the way a dropped transport would.
type fakeStream struct {
	mu       sync.Mutex
	id       string
	received []*types.Envelope
	closed   bool
	full     bool
	onClose  []func()
}

func newFakeStream() *fakeStream {
	return &fakeStream{id: "fake-" + strconv.FormatInt(fakeStreamSeq.Add(1), 10)}
}

func (f *fakeStream) Id() string { return f.id }

func (f *fakeStream) Send(env *types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStreamClosed
	}
	if f.full {
		return ErrBufferFull
	}
	f.received = append(f.received, env)
	return nil
}

func (f *fakeStream) OnClose(fn func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		fn()
		return
	}
	f.onClose = append(f.onClose, fn)
	f.mu.Unlock()
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	fns := f.onClose
	f.onClose = nil
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// markDead closes the stream without running close observers, like a socket
// that died before the transport noticed.
func (f *fakeStream) markDead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) events() []*types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Envelope(nil), f.received...)
}

func (f *fakeStream) eventsOfType(et types.EventType) []*types.Envelope {
	var out []*types.Envelope
	for _, env := range f.events() {
		if env.Type == et {
			out = append(out, env)
		}
	}
	return out
}

type mockReleaser struct {
	mock.Mock
}

func (m *mockReleaser) LeaveAll(userId string) []string {
	args := m.Called(userId)
	return args.Get(0).([]string)
}

func newTestRegistry(t *testing.T, rooms MembershipReleaser, su *stats.MockStatsUpdater) *Registry {
	su.On("RegisterMetric", stats.NumActiveConnections).Return().Once()
	return NewRegistry(testutil.TestLogger(t), rooms, su)
}

func TestRegistry_Register(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveConnections).Once()
	defer su.AssertExpectations(t)

	reg := newTestRegistry(t, &mockReleaser{}, su)
	stream := newFakeStream()
	reg.Register("alice", stream)

	assert.True(t, reg.IsOnline("alice"), "expected alice to be online")
	assert.Equal(t, []string{"alice"}, reg.ListOnline())

	events := stream.events()
	if assert.Len(t, events, 1, "expected a greeting on the new stream") {
		assert.Equal(t, types.EventConnected, events[0].Type, "expected first event to be connected")
		assert.False(t, events[0].Timestamp.IsZero(), "expected timestamp on connected event")
	}
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	rooms := &mockReleaser{}
	defer rooms.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveConnections).Once()
	defer su.AssertExpectations(t)

	reg := newTestRegistry(t, rooms, su)
	first := newFakeStream()
	second := newFakeStream()

	reg.Register("alice", first)
	reg.Register("alice", second)

	assert.True(t, first.isClosed(), "expected the replaced stream to be closed")
	assert.False(t, second.isClosed(), "expected the new stream to stay open")
	assert.Equal(t, 1, reg.Len(), "expected a single connection for alice")

	ok := reg.Unicast("alice", Notification(nil))
	assert.True(t, ok, "expected unicast to reach the newest stream")
	assert.Len(t, first.events(), 1, "expected the first stream to only see its greeting")
	assert.Len(t, second.eventsOfType(types.EventNotification), 1, "expected the second stream to get the notification")

	// replacement must not release memberships
	rooms.AssertNotCalled(t, "LeaveAll", mock.Anything)
}

func TestRegistry_Unicast(t *testing.T) {
	t.Run("offline user", func(t *testing.T) {
		reg := newTestRegistry(t, &mockReleaser{}, stats.NewNopMockStatsUpdater())
		assert.False(t, reg.Unicast("nobody", Connected()), "expected unicast to offline user to fail")
	})

	t.Run("full buffer keeps the connection", func(t *testing.T) {
		reg := newTestRegistry(t, &mockReleaser{}, stats.NewNopMockStatsUpdater())
		stream := newFakeStream()
		reg.Register("alice", stream)

		stream.full = true
		assert.False(t, reg.Unicast("alice", Connected()), "expected unicast to fail on full buffer")
		assert.True(t, reg.IsOnline("alice"), "expected slow stream to stay registered")
	})

	t.Run("dead stream is deregistered", func(t *testing.T) {
		rooms := &mockReleaser{}
		rooms.On("LeaveAll", "alice").Return([]string{"room-1"}).Once()
		defer rooms.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", stats.NumActiveConnections).Once()
		su.On("Decr", stats.NumActiveConnections).Once()
		defer su.AssertExpectations(t)

		reg := newTestRegistry(t, rooms, su)
		stream := newFakeStream()
		reg.Register("alice", stream)
		stream.markDead()

		assert.False(t, reg.Unicast("alice", Connected()), "expected unicast to dead stream to fail")
		assert.False(t, reg.IsOnline("alice"), "expected dead stream to be dropped")
		assert.Empty(t, reg.ListOnline())
	})
}

func TestRegistry_Deregister(t *testing.T) {
	rooms := &mockReleaser{}
	rooms.On("LeaveAll", "alice").Return([]string{}).Twice()
	defer rooms.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.NumActiveConnections).Once()
	su.On("Decr", stats.NumActiveConnections).Once()
	defer su.AssertExpectations(t)

	reg := newTestRegistry(t, rooms, su)
	stream := newFakeStream()
	reg.Register("alice", stream)

	reg.Deregister("alice")
	assert.True(t, stream.isClosed(), "expected stream to be closed on deregister")
	assert.False(t, reg.IsOnline("alice"))

	// second call finds no stream, so only memberships are released again
	reg.Deregister("alice")
}

func TestRegistry_DeregisterOfflineReleasesRooms(t *testing.T) {
	rooms := &mockReleaser{}
	rooms.On("LeaveAll", "bob").Return([]string{"room-1"}).Once()
	defer rooms.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	reg := newTestRegistry(t, rooms, su)
	reg.Deregister("bob")

	su.AssertNotCalled(t, "Decr", mock.Anything)
}

func TestRegistry_ConnectedArrivesFirst(t *testing.T) {
	reg := newTestRegistry(t, &mockReleaser{}, stats.NewNopMockStatsUpdater())
	first := newFakeStream()
	second := newFakeStream()
	reg.Register("alice", first)

	// an event racing the replacement lands while the old stream closes
	first.OnClose(func() {
		reg.Unicast("alice", Notification(nil))
	})
	reg.Register("alice", second)

	events := second.events()
	if assert.Len(t, events, 2) {
		assert.Equal(t, types.EventConnected, events[0].Type, "expected connected before any other event")
		assert.Equal(t, types.EventNotification, events[1].Type)
	}
}

func TestRegistry_TransportCloseDeregisters(t *testing.T) {
	rooms := &mockReleaser{}
	rooms.On("LeaveAll", "alice").Return([]string{"room-1"}).Once()
	defer rooms.AssertExpectations(t)

	reg := newTestRegistry(t, rooms, stats.NewNopMockStatsUpdater())
	stream := newFakeStream()
	reg.Register("alice", stream)

	stream.Close()
	assert.False(t, reg.IsOnline("alice"), "expected transport close to deregister the user")
}

func TestRegistry_Shutdown(t *testing.T) {
	rooms := &mockReleaser{}
	rooms.On("LeaveAll", mock.Anything).Return([]string{}).Twice()
	defer rooms.AssertExpectations(t)

	reg := newTestRegistry(t, rooms, stats.NewNopMockStatsUpdater())
	a, b := newFakeStream(), newFakeStream()
	reg.Register("alice", a)
	reg.Register("bob", b)

	reg.Shutdown()
	assert.Equal(t, 0, reg.Len(), "expected no connections after shutdown")
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
}

func TestRegistry_ListOnlineSorted(t *testing.T) {
	reg := newTestRegistry(t, &mockReleaser{}, stats.NewNopMockStatsUpdater())
	for _, u := range []string{"carol", "alice", "bob"} {
		reg.Register(u, newFakeStream())
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, reg.ListOnline())
}
