package domain

import (
	"time"

	"github.com/google/uuid"
)

// Session is one live connection of a user. ID may be chosen by the client
// and reused on reconnect; Conn is minted by the server per connection and
// tells the owners of a reused ID apart.
type Session struct {
	ID          string    `json:"id"`
	Conn        string    `json:"conn"`
	UserID      uuid.UUID `json:"user_id"`
	RoomID      uuid.UUID `json:"room_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type SessionState uint8

const (
	SessionConnecting SessionState = iota
	SessionConnected
	SessionDisconnected
)
