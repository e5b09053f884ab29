package presence

import (
	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/google/uuid"
)

// Transport executes fan-out intents. Calls must not block on slow
// receivers.
type Transport interface {
	AddSessionToGroup(sessionID string, roomID uuid.UUID)
	RemoveSessionFromGroup(sessionID string, roomID uuid.UUID)
	BroadcastToGroup(roomID uuid.UUID, ev domain.Event, excludeSessionID string)
	SendToSession(sessionID string, ev domain.Event)
}
