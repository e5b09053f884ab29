package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is the closed set of notifications emitted by the presence core.
type Event interface {
	EventName() string
	isEvent()
}

// RoomAssigned goes to the joining session only.
type RoomAssigned struct {
	SessionID string    `json:"-"`
	RoomID    uuid.UUID `json:"room_id"`
	Name      string    `json:"name"`
	Occupancy int       `json:"occupancy"`
	MaxUsers  int       `json:"max_users"`
}

// UserJoined goes to every session of the room except SessionID.
type UserJoined struct {
	SessionID string    `json:"-"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    uuid.UUID `json:"user_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

type UserLeft struct {
	RoomID uuid.UUID `json:"room_id"`
	UserID uuid.UUID `json:"user_id"`
	LeftAt time.Time `json:"left_at"`
}

func (RoomAssigned) EventName() string { return "room_assigned" }
func (UserJoined) EventName() string   { return "user_joined" }
func (UserLeft) EventName() string     { return "user_left" }

func (RoomAssigned) isEvent() {}
func (UserJoined) isEvent()   {}
func (UserLeft) isEvent()     {}
