package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/presence"
	"github.com/cwrk-planet/presence-service/internal/service"
	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// HealthFunc pings the fast and the durable store.
type HealthFunc func(ctx context.Context) (fastErr, durableErr error)

type Handler struct {
	roomSvc   *service.RoomService
	memberSvc *service.MemberService
	presence  *presence.Coordinator
	health    HealthFunc
}

func NewHandler(room *service.RoomService, member *service.MemberService, p *presence.Coordinator, health HealthFunc) *Handler {
	return &Handler{
		roomSvc:   room,
		memberSvc: member,
		presence:  p,
		health:    health,
	}
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}
	room, err := h.roomSvc.CreateRoom(r.Context(), httpmw.UserIDFromCtx(r.Context()), service.CreateRoomInput{
		Name:     req.Name,
		Kind:     domain.RoomKind(req.Kind),
		MaxUsers: req.MaxUsers,
		Password: req.Password,
	})
	if err != nil {
		writeError(w, r, "handler.CreateRoom", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomItem(room))
}

// GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.roomSvc.ListRooms(r.Context())
	if err != nil {
		writeError(w, r, "handler.ListRooms", err)
		return
	}
	writeJSON(w, http.StatusOK, RoomsListResponse{Items: lo.Map(rooms, func(rm domain.Room, _ int) RoomItem {
		return toRoomItem(rm)
	})})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	room, err := h.roomSvc.GetRoom(r.Context(), id)
	if err != nil {
		writeError(w, r, "handler.GetRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, toRoomItem(room))
}

// DELETE /rooms/{id}
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	if err := h.roomSvc.DeleteRoom(r.Context(), id); err != nil {
		writeError(w, r, "handler.DeleteRoom", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	asg, err := h.presence.SwitchRoom(r.Context(), httpmw.UserIDFromCtx(r.Context()), id, req.Password)
	if err != nil {
		writeError(w, r, "handler.JoinRoom", err)
		return
	}
	writeJSON(w, http.StatusOK, JoinRoomResponse{
		Room:     toRoomItem(asg.Room),
		JoinedAt: asg.JoinedAt,
		Changed:  asg.Changed,
	})
}

// POST /rooms/leave
func (h *Handler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	id, left, err := h.presence.LeaveRoom(r.Context(), httpmw.UserIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, r, "handler.LeaveRoom", err)
		return
	}
	resp := LeaveRoomResponse{Left: left}
	if left {
		resp.RoomID = id.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /rooms/{id}/members
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	id, ok := roomID(w, r)
	if !ok {
		return
	}
	members, err := h.memberSvc.Members(r.Context(), id)
	if err != nil {
		writeError(w, r, "handler.Members", err)
		return
	}
	writeJSON(w, http.StatusOK, MembersResponse{
		RoomID:  id.String(),
		Members: lo.Map(members, func(u uuid.UUID, _ int) string { return u.String() }),
	})
}

// GET /presence/{userId}
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	uid, err := uuid.Parse(chi.URLParam(r, "userId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid user id"})
		return
	}
	resp := PresenceResponse{UserID: uid.String(), Online: h.presence.IsOnline(r.Context(), uid)}
	if room, ok := h.memberSvc.CurrentRoom(r.Context(), uid); ok {
		s := room.String()
		resp.RoomID = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	fastErr, durableErr := h.health(r.Context())
	resp := HealthResponse{Status: "ok", Fast: state(fastErr), Durable: state(durableErr)}
	status := http.StatusOK
	switch {
	case fastErr != nil && durableErr != nil:
		resp.Status = "down"
		status = http.StatusServiceUnavailable
	case fastErr != nil || durableErr != nil:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func state(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

func roomID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid room id"})
		return uuid.Nil, false
	}
	return id, true
}
