package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/redisstore"
	"github.com/cwrk-planet/presence-service/internal/service"
	"github.com/cwrk-planet/presence-service/internal/store"
	"github.com/cwrk-planet/presence-service/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type broadcast struct {
	room    uuid.UUID
	event   domain.Event
	exclude string
}

type fakeTransport struct {
	mu         sync.Mutex
	groups     map[uuid.UUID]map[string]bool
	broadcasts []broadcast
	direct     map[string][]domain.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups: make(map[uuid.UUID]map[string]bool),
		direct: make(map[string][]domain.Event),
	}
}

func (t *fakeTransport) AddSessionToGroup(sessionID string, roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groups[roomID] == nil {
		t.groups[roomID] = make(map[string]bool)
	}
	t.groups[roomID][sessionID] = true
}

func (t *fakeTransport) RemoveSessionFromGroup(sessionID string, roomID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups[roomID], sessionID)
}

func (t *fakeTransport) BroadcastToGroup(roomID uuid.UUID, ev domain.Event, exclude string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, broadcast{room: roomID, event: ev, exclude: exclude})
}

func (t *fakeTransport) SendToSession(sessionID string, ev domain.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.direct[sessionID] = append(t.direct[sessionID], ev)
}

func (t *fakeTransport) inGroup(roomID uuid.UUID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.groups[roomID][sessionID]
}

func (t *fakeTransport) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, b := range t.broadcasts {
		if b.event.EventName() == name {
			n++
		}
	}
	return n
}

type fixture struct {
	mr        *miniredis.Miniredis
	transport *fakeTransport
	rooms     *service.RoomService
	members   *service.MemberService
	presence  *Coordinator
}

func setup(t *testing.T) *fixture {
	return setupWith(t, nil)
}

func setupWith(t *testing.T, wrap func(store.FastStore) store.FastStore) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	var fast store.FastStore = redisstore.NewFastStore(rdb)
	if wrap != nil {
		fast = wrap(fast)
	}
	c := coordinator.New(fast, redisstore.NewRoomStore(rdb), storetest.NewRoomStore(), nil)
	rooms := service.NewRoomService(c, config.Assignment{
		MaxTotalRooms:              100,
		MaxEmptyRooms:              10,
		DefaultMaxUsersPerRoom:     50,
		MaxUserCreatedRoomsPerUser: 5,
		DefaultRoomName:            "Lobby",
		RoomNamePrefix:             "Lobby #",
		TieBreak:                   "oldest",
	}, nil)
	members := service.NewMemberService(rooms, c, nil)
	tr := newFakeTransport()

	return &fixture{
		mr:        mr,
		transport: tr,
		rooms:     rooms,
		members:   members,
		presence:  NewCoordinator(rooms, members, NewRegistry(fast), tr, NewDispatcher(), nil),
	}
}

func TestOnConnect_AssignsRoomAndNotifiesPeers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	room, peers, err := f.presence.OnConnect(ctx, alice, "a1", "c-a1")
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.True(t, f.transport.inGroup(room.ID, "a1"))
	require.Len(t, f.transport.direct["a1"], 1)
	assigned := f.transport.direct["a1"][0].(domain.RoomAssigned)
	assert.Equal(t, room.ID, assigned.RoomID)
	assert.Equal(t, 1, assigned.Occupancy)

	room2, peers, err := f.presence.OnConnect(ctx, bob, "b1", "c-b1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, room2.ID)
	assert.Equal(t, []uuid.UUID{alice}, peers)

	require.Equal(t, 2, f.transport.count("user_joined"))
	last := f.transport.broadcasts[len(f.transport.broadcasts)-1]
	assert.Equal(t, room.ID, last.room)
	assert.Equal(t, "b1", last.exclude)
	assert.Equal(t, bob, last.event.(domain.UserJoined).UserID)

	assert.True(t, f.presence.IsOnline(ctx, alice))
	assert.ElementsMatch(t, []uuid.UUID{alice, bob}, f.presence.OnlineUsers(ctx))
}

func TestMultiDeviceDeparture(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)

	// second device registers s2 through the registry without revoking s1
	require.NoError(t, f.presence.registry.Track(ctx, domain.Session{
		ID: "s2", Conn: "c-s2", UserID: user, RoomID: room.ID, ConnectedAt: time.Now().UTC(),
	}))

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))
	assert.Equal(t, 0, f.transport.count("user_left"))
	assert.True(t, f.presence.IsOnline(ctx, user))
	current, ok := f.members.CurrentRoom(ctx, user)
	assert.True(t, ok)
	assert.Equal(t, room.ID, current)

	require.NoError(t, f.presence.OnDisconnect(ctx, "s2", "c-s2"))
	assert.Equal(t, 1, f.transport.count("user_left"))
	assert.False(t, f.presence.IsOnline(ctx, user))
	_, ok = f.members.CurrentRoom(ctx, user)
	assert.False(t, ok)
}

func TestOnDisconnect_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)
	_, _, err = f.presence.OnConnect(ctx, uuid.New(), "other", "c-other")
	require.NoError(t, err)

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))
	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))
	require.NoError(t, f.presence.OnDisconnect(ctx, "never-seen", "c-never-seen"))

	assert.Equal(t, 1, f.transport.count("user_left"))
	got, err := f.rooms.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Occupancy)
}

func TestOnConnect_ReconnectRevokesStaleSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "old", "c-old")
	require.NoError(t, err)
	joins := f.transport.count("user_joined")

	again, _, err := f.presence.OnConnect(ctx, user, "new", "c-new")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)

	assert.False(t, f.transport.inGroup(room.ID, "old"))
	assert.True(t, f.transport.inGroup(room.ID, "new"))
	assert.Equal(t, joins, f.transport.count("user_joined"), "a takeover is not a new arrival")
	assert.Equal(t, 0, f.transport.count("user_left"))

	_, err = f.presence.Session(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	got, err := f.rooms.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Occupancy)

	// the stale socket closing later changes nothing
	require.NoError(t, f.presence.OnDisconnect(ctx, "old", "c-old"))
	assert.Equal(t, 0, f.transport.count("user_left"))
}

func TestOnDisconnect_StaleConnectionOfReusedSessionID(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "conn-a")
	require.NoError(t, err)
	_, _, err = f.presence.OnConnect(ctx, user, "s1", "conn-b")
	require.NoError(t, err)

	// the first socket closes after the client reconnected with the same id
	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "conn-a"))

	assert.True(t, f.presence.IsOnline(ctx, user))
	assert.Equal(t, 0, f.transport.count("user_left"))
	assert.True(t, f.transport.inGroup(room.ID, "s1"))
	sess, err := f.presence.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", sess.Conn)
	current, ok := f.members.CurrentRoom(ctx, user)
	require.True(t, ok)
	assert.Equal(t, room.ID, current)

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "conn-b"))
	assert.False(t, f.presence.IsOnline(ctx, user))
	assert.Equal(t, 1, f.transport.count("user_left"))
}

func TestOnConnect_RejoinsLastRoom(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	mine, err := f.rooms.CreateRoom(ctx, uuid.New(), service.CreateRoomInput{Name: "book club", Kind: domain.RoomPublic})
	require.NoError(t, err)

	_, _, err = f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)
	_, err = f.presence.SwitchRoom(ctx, user, mine.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))

	room, _, err := f.presence.OnConnect(ctx, user, "s2", "c-s2")
	require.NoError(t, err)
	assert.Equal(t, mine.ID, room.ID)
}

func TestSwitchRoom_MovesSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	lobby, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)
	target, err := f.rooms.CreateRoom(ctx, uuid.New(), service.CreateRoomInput{Name: "games", Kind: domain.RoomPublic})
	require.NoError(t, err)

	asg, err := f.presence.SwitchRoom(ctx, user, target.ID, "")
	require.NoError(t, err)
	assert.True(t, asg.Changed)

	assert.False(t, f.transport.inGroup(lobby.ID, "s1"))
	assert.True(t, f.transport.inGroup(target.ID, "s1"))
	assert.Equal(t, 1, f.transport.count("user_left"))

	sess, err := f.presence.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, target.ID, sess.RoomID)
}

func TestLeaveRoom_DetachesSessions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)

	roomID, left, err := f.presence.LeaveRoom(ctx, user)
	require.NoError(t, err)
	assert.True(t, left)
	assert.Equal(t, room.ID, roomID)
	assert.False(t, f.transport.inGroup(room.ID, "s1"))
	assert.Equal(t, 1, f.transport.count("user_left"))

	_, left, err = f.presence.LeaveRoom(ctx, user)
	require.NoError(t, err)
	assert.False(t, left)

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))
	assert.Equal(t, 1, f.transport.count("user_left"))
}

// scriptedStore fails or interleaves chosen set removals.
type scriptedStore struct {
	store.FastStore

	mu     sync.Mutex
	failOn map[string]int
	after  map[string]func()
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{failOn: make(map[string]int), after: make(map[string]func())}
}

func (s *scriptedStore) SetRemove(ctx context.Context, key string, members ...string) store.Result[int64] {
	s.mu.Lock()
	fail := s.failOn[key] > 0
	if fail {
		s.failOn[key]--
	}
	hook := s.after[key]
	delete(s.after, key)
	s.mu.Unlock()

	if fail {
		return store.Unavailable[int64](errors.New("connection reset by peer"))
	}
	res := s.FastStore.SetRemove(ctx, key, members...)
	if hook != nil {
		hook()
	}
	return res
}

func TestOnDisconnect_RedeliveryFinishesPartialRemoval(t *testing.T) {
	scripted := newScriptedStore()
	f := setupWith(t, func(fs store.FastStore) store.FastStore {
		scripted.FastStore = fs
		return scripted
	})
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)

	scripted.mu.Lock()
	scripted.failOn[store.KeyOnline] = 1
	scripted.mu.Unlock()

	require.ErrorIs(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"), domain.ErrStoreFatal)
	_, err = f.presence.Session(ctx, "s1")
	require.NoError(t, err, "the record outlives a failed removal")

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))

	assert.NotContains(t, f.presence.OnlineUsers(ctx), user)
	_, ok := f.members.CurrentRoom(ctx, user)
	assert.False(t, ok)
	assert.False(t, f.transport.inGroup(room.ID, "s1"))
	assert.Equal(t, 1, f.transport.count("user_left"))
	_, err = f.presence.Session(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestOnDisconnect_ConcurrentReconnectKeepsRoom(t *testing.T) {
	scripted := newScriptedStore()
	f := setupWith(t, func(fs store.FastStore) store.FastStore {
		scripted.FastStore = fs
		return scripted
	})
	ctx := context.Background()
	user := uuid.New()

	room, _, err := f.presence.OnConnect(ctx, user, "s1", "c-s1")
	require.NoError(t, err)

	// another device comes online right after the last session was detached
	scripted.mu.Lock()
	scripted.after[store.KeyOnline] = func() {
		scripted.FastStore.SetAdd(ctx, store.UserSessionsKey(user), "s2")
		scripted.FastStore.SetAdd(ctx, store.KeyOnline, user.String())
	}
	scripted.mu.Unlock()

	require.NoError(t, f.presence.OnDisconnect(ctx, "s1", "c-s1"))

	assert.Equal(t, 0, f.transport.count("user_left"))
	current, ok := f.members.CurrentRoom(ctx, user)
	require.True(t, ok)
	assert.Equal(t, room.ID, current)
	got, err := f.rooms.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Occupancy)
}

func TestOnConnect_FastStoreDown(t *testing.T) {
	f := setup(t)
	f.mr.SetError("connection refused")

	_, _, err := f.presence.OnConnect(context.Background(), uuid.New(), "s1", "c-s1")
	assert.ErrorIs(t, err, domain.ErrStoreFatal)
	assert.False(t, f.presence.IsOnline(context.Background(), uuid.New()))
}

func TestDispatcher_OrderAndRouting(t *testing.T) {
	d := NewDispatcher()
	var got []string

	d.OnUserJoined(func(context.Context, domain.UserJoined) { got = append(got, "joined-1") })
	d.OnUserJoined(func(context.Context, domain.UserJoined) { got = append(got, "joined-2") })
	d.OnUserLeft(func(context.Context, domain.UserLeft) { got = append(got, "left") })

	d.Dispatch(context.Background(), domain.UserJoined{})
	d.Dispatch(context.Background(), domain.RoomAssigned{})
	d.Dispatch(context.Background(), domain.UserLeft{})

	assert.Equal(t, []string{"joined-1", "joined-2", "left"}, got)
}
