package domain

import (
	"time"

	"github.com/google/uuid"
)

type RoomKind string

const (
	RoomSystem  RoomKind = "system"
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomSystem, RoomPublic, RoomPrivate:
		return true
	}
	return false
}

type Room struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Kind         RoomKind   `json:"kind"`
	MaxUsers     int        `json:"max_users"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty"`
	PasswordHash string     `json:"-"`
	// Permanent marks the designated default room; the reaper never touches it.
	Permanent    bool      `json:"permanent"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// Occupancy is read from the fast store and never persisted durably.
	Occupancy int `json:"occupancy"`
}

func (r Room) Full() bool { return r.Occupancy >= r.MaxUsers }

func (r Room) Protected() bool { return r.Kind == RoomPrivate && r.PasswordHash != "" }

func (r Room) Validate() error {
	if r.ID == uuid.Nil || r.Name == "" || !r.Kind.Valid() || r.MaxUsers <= 0 {
		return ErrInvalidRoom
	}
	if r.Kind == RoomSystem && r.CreatedBy != nil {
		return ErrInvalidRoom
	}
	return nil
}

// Assignment is the result of a join.
type Assignment struct {
	Room     Room
	UserID   uuid.UUID
	JoinedAt time.Time
	// Changed is false when the user already was a member of Room.
	Changed bool
}
