package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/presence"
	"github.com/cwrk-planet/presence-service/internal/redisstore"
	"github.com/cwrk-planet/presence-service/internal/security"
	"github.com/cwrk-planet/presence-service/internal/service"
	"github.com/cwrk-planet/presence-service/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminToken = "admin-secret"

type noopTransport struct{}

func (noopTransport) AddSessionToGroup(string, uuid.UUID)              {}
func (noopTransport) RemoveSessionFromGroup(string, uuid.UUID)         {}
func (noopTransport) BroadcastToGroup(uuid.UUID, domain.Event, string) {}
func (noopTransport) SendToSession(string, domain.Event)               {}

type fixture struct {
	mr      *miniredis.Miniredis
	durable *storetest.RoomStore
	rooms   *service.RoomService
	router  http.Handler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	fast := redisstore.NewFastStore(rdb)
	durable := storetest.NewRoomStore()
	c := coordinator.New(fast, redisstore.NewRoomStore(rdb), durable, nil)
	rooms := service.NewRoomService(c, config.Assignment{
		MaxTotalRooms:              100,
		MaxEmptyRooms:              10,
		DefaultMaxUsersPerRoom:     2,
		MaxUserCreatedRoomsPerUser: 5,
		DefaultRoomName:            "Lobby",
		RoomNamePrefix:             "Lobby #",
		TieBreak:                   "oldest",
	}, nil)
	rooms.SetBcrypt(&security.BcryptConfig{Cost: bcrypt.MinCost})
	members := service.NewMemberService(rooms, c, nil)
	p := presence.NewCoordinator(rooms, members, presence.NewRegistry(fast), noopTransport{}, presence.NewDispatcher(), nil)

	return &fixture{
		mr:      mr,
		durable: durable,
		rooms:   rooms,
		router: NewRouter(RouterDeps{
			Handler:    NewHandler(rooms, members, p, c.Health),
			AdminToken: adminToken,
		}),
	}
}

func (f *fixture) do(t *testing.T, method, path string, user uuid.UUID, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer token")
		req.Header.Set("X-User-ID", user.String())
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestAuthRequired(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodGet, "/rooms", uuid.Nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/rooms", uuid.Nil, nil, "Authorization", "Bearer x", "X-User-ID", "42")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateGetListRoom(t *testing.T) {
	f := setup(t)
	user := uuid.New()

	rec := f.do(t, http.MethodPost, "/rooms", user, CreateRoomRequest{Name: "general", Kind: "public"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[RoomItem](t, rec)
	assert.Equal(t, "general", created.Name)
	require.NotNil(t, created.CreatedBy)
	assert.Equal(t, user.String(), *created.CreatedBy)

	rec = f.do(t, http.MethodGet, "/rooms/"+created.ID, user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[RoomItem](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/rooms", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RoomsListResponse](t, rec).Items, 1)

	rec = f.do(t, http.MethodPost, "/rooms", user, CreateRoomRequest{Name: "", Kind: "public"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/rooms/not-a-uuid", user, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodGet, "/rooms/"+uuid.NewString(), user, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJoinLeaveAndMembers(t *testing.T) {
	f := setup(t)
	owner, alice, bob, carol := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	rec := f.do(t, http.MethodPost, "/rooms", owner, CreateRoomRequest{Name: "pair", Kind: "public", MaxUsers: 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	room := decode[RoomItem](t, rec)

	for _, u := range []uuid.UUID{alice, bob} {
		rec = f.do(t, http.MethodPost, "/rooms/"+room.ID+"/join", u, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.True(t, decode[JoinRoomResponse](t, rec).Changed)
	}
	rec = f.do(t, http.MethodPost, "/rooms/"+room.ID+"/join", carol, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/rooms/"+room.ID+"/members", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []string{alice.String(), bob.String()}, decode[MembersResponse](t, rec).Members)

	rec = f.do(t, http.MethodGet, "/presence/"+alice.String(), carol, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pres := decode[PresenceResponse](t, rec)
	assert.False(t, pres.Online, "no websocket session")
	require.NotNil(t, pres.RoomID)
	assert.Equal(t, room.ID, *pres.RoomID)

	rec = f.do(t, http.MethodPost, "/rooms/leave", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, LeaveRoomResponse{Left: true, RoomID: room.ID}, decode[LeaveRoomResponse](t, rec))

	rec = f.do(t, http.MethodPost, "/rooms/leave", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[LeaveRoomResponse](t, rec).Left)
}

func TestJoinPrivateRoom(t *testing.T) {
	f := setup(t)
	owner, guest := uuid.New(), uuid.New()

	rec := f.do(t, http.MethodPost, "/rooms", owner, CreateRoomRequest{Name: "vip", Kind: "private", Password: "hunter2"})
	require.Equal(t, http.StatusCreated, rec.Code)
	room := decode[RoomItem](t, rec)
	assert.True(t, room.Protected)

	rec = f.do(t, http.MethodPost, "/rooms/"+room.ID+"/join", guest, JoinRoomRequest{Password: "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/rooms/"+room.ID+"/join", guest, JoinRoomRequest{Password: "hunter2"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteRoom_Admin(t *testing.T) {
	f := setup(t)
	user := uuid.New()
	ctx := context.Background()

	lobby, err := f.rooms.EnsureDefaultRoom(ctx)
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/rooms", user, CreateRoomRequest{Name: "tmp", Kind: "public"})
	require.Equal(t, http.StatusCreated, rec.Code)
	room := decode[RoomItem](t, rec)

	rec = f.do(t, http.MethodDelete, "/rooms/"+room.ID, user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/rooms/"+lobby.ID.String(), user, nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/rooms/"+room.ID, user, nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodDelete, "/rooms/"+room.ID, user, nil, "X-Admin-Token", adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/healthz", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	f.mr.SetError("connection refused")
	rec = f.do(t, http.MethodGet, "/healthz", uuid.Nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)

	f.durable.SetDown(true)
	rec = f.do(t, http.MethodGet, "/healthz", uuid.Nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	cases := map[error]int{
		domain.ErrRoomNotFound: http.StatusNotFound,
		domain.ErrRoomFull:     http.StatusConflict,
		domain.ErrRoomQuota:    http.StatusConflict,
		domain.ErrBadPassword:  http.StatusForbidden,
		domain.ErrInvalidRoom:  http.StatusBadRequest,
		domain.ErrStoreFatal:   http.StatusServiceUnavailable,
		errors.New("boom"):     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, errorStatus(err), err.Error())
	}
}
