package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/redisstore"
	"github.com/cwrk-planet/presence-service/internal/store"
	"github.com/cwrk-planet/presence-service/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const idleTTL = 24 * time.Hour

type fixture struct {
	mr      *miniredis.Miniredis
	durable *storetest.RoomStore
	store   *coordinator.Coordinator
	reaper  *Reaper
	now     time.Time
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
	durable := storetest.NewRoomStore()
	c := coordinator.New(fast, redisstore.NewRoomStore(rdb), durable, nil)
	f := &fixture{
		mr:      mr,
		durable: durable,
		store:   c,
		reaper:  New(c, idleTTL, time.Minute, nil),
		now:     time.Now().UTC().Truncate(time.Microsecond),
	}
	f.reaper.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) room(t *testing.T, kind domain.RoomKind, permanent bool, lastActive time.Time) domain.Room {
	t.Helper()
	r := domain.Room{
		ID:           uuid.New(),
		Name:         "r",
		Kind:         kind,
		MaxUsers:     10,
		Permanent:    permanent,
		CreatedAt:    lastActive,
		LastActiveAt: lastActive,
	}
	if kind != domain.RoomSystem {
		owner := uuid.New()
		r.CreatedBy = &owner
	}
	_, err := f.store.CreateRoom(context.Background(), r)
	require.NoError(t, err)
	return r
}

func TestSweep_DefaultRoomSurvives(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stale := f.now.Add(-2 * idleTTL)

	lobby := f.room(t, domain.RoomSystem, true, stale)
	user := f.room(t, domain.RoomPublic, false, stale)

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.GetRoom(ctx, lobby.ID)
	assert.NoError(t, err)
	_, err = f.store.GetRoom(ctx, user.ID)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.Equal(t, 1, f.durable.Len())
}

func TestSweep_SkipsOccupiedAndRecentRooms(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	stale := f.now.Add(-2 * idleTTL)

	occupied := f.room(t, domain.RoomSystem, false, stale)
	recent := f.room(t, domain.RoomPublic, false, f.now.Add(-time.Hour))
	idle := f.room(t, domain.RoomSystem, false, stale)

	_, err := f.store.AdmitMember(ctx, occupied.ID, uuid.New(), 0)
	require.NoError(t, err)

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range []uuid.UUID{occupied.ID, recent.ID} {
		_, err := f.store.GetRoom(ctx, id)
		assert.NoError(t, err)
	}
	_, err = f.store.GetRoom(ctx, idle.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// snapshotHook runs once right after the occupancy snapshot is read.
type snapshotHook struct {
	store.FastStore
	once sync.Once
	hook func()
}

func (s *snapshotHook) SortedSetRange(ctx context.Context, key string, q store.RangeQuery) store.Result[[]store.ScoredMember] {
	res := s.FastStore.SortedSetRange(ctx, key, q)
	if key == store.KeyRoomOccupancy && s.hook != nil {
		s.once.Do(s.hook)
	}
	return res
}

func TestSweep_KeepsRoomJoinedAfterSnapshot(t *testing.T) {
	hooked := &snapshotHook{}
	f := setupWith(t, func(fs store.FastStore) store.FastStore {
		hooked.FastStore = fs
		return hooked
	})
	ctx := context.Background()
	room := f.room(t, domain.RoomPublic, false, f.now.Add(-2*idleTTL))
	user := uuid.New()

	hooked.hook = func() {
		_, err := f.store.AdmitMember(ctx, room.ID, user, room.MaxUsers)
		require.NoError(t, err)
	}

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.store.GetRoom(ctx, room.ID)
	assert.NoError(t, err)
	assert.Equal(t, []uuid.UUID{user}, f.store.Members(ctx, room.ID))
}

func TestSweep_PurgesResidualMembership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t, domain.RoomPublic, false, f.now.Add(-2*idleTTL))
	ghost := uuid.New()

	// membership left behind with a zero counter
	_, err := f.store.ClaimMembership(ctx, ghost, room.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Fast().SetAdd(ctx, store.RoomMembersKey(room.ID), ghost.String()).Err)

	n, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, held, err := f.store.MembershipOf(ctx, ghost)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSweep_SkipsWhileFastStoreDown(t *testing.T) {
	f := setup(t)
	f.room(t, domain.RoomPublic, false, f.now.Add(-2*idleTTL))
	f.mr.SetError("connection refused")

	n, err := f.reaper.Sweep(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.durable.Len())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := setup(t)
	f.reaper.interval = 5 * time.Millisecond
	room := f.room(t, domain.RoomPublic, false, f.now.Add(-2*idleTTL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reaper.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := f.store.GetRoom(context.Background(), room.ID)
		return err != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
