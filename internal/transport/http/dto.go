package http

import (
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
)

type CreateRoomRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // public|private
	MaxUsers int    `json:"max_users"`
	Password string `json:"password,omitempty"`
}

type JoinRoomRequest struct {
	Password string `json:"password,omitempty"`
}

type RoomItem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	MaxUsers     int       `json:"max_users"`
	Occupancy    int       `json:"occupancy"`
	CreatedBy    *string   `json:"created_by,omitempty"`
	Protected    bool      `json:"protected"`
	Permanent    bool      `json:"permanent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type RoomsListResponse struct {
	Items []RoomItem `json:"items"`
}

type JoinRoomResponse struct {
	Room     RoomItem  `json:"room"`
	JoinedAt time.Time `json:"joined_at"`
	Changed  bool      `json:"changed"`
}

type LeaveRoomResponse struct {
	Left   bool   `json:"left"`
	RoomID string `json:"room_id,omitempty"`
}

type MembersResponse struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

type PresenceResponse struct {
	UserID string  `json:"user_id"`
	Online bool    `json:"online"`
	RoomID *string `json:"room_id,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"` // ok|degraded|down
	Fast    string `json:"fast_store"`
	Durable string `json:"durable_store"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toRoomItem(r domain.Room) RoomItem {
	item := RoomItem{
		ID:           r.ID.String(),
		Name:         r.Name,
		Kind:         string(r.Kind),
		MaxUsers:     r.MaxUsers,
		Occupancy:    r.Occupancy,
		Protected:    r.Protected(),
		Permanent:    r.Permanent,
		CreatedAt:    r.CreatedAt,
		LastActiveAt: r.LastActiveAt,
	}
	if r.CreatedBy != nil {
		s := r.CreatedBy.String()
		item.CreatedBy = &s
	}
	return item
}
