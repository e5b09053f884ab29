package ws

import (
	"log/slog"
	"sync"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
)

type Conn interface {
	// Send queues msg without blocking; false means the queue was full.
	Send(msg Message) bool
	Close() error
	SessionID() string
}

// Hub is the in-process fan-out: sessions connected to this process,
// grouped by room. It executes the presence transport intents.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Conn
	groups   map[uuid.UUID]map[string]struct{}
	log      *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]Conn),
		groups:   make(map[uuid.UUID]map[string]struct{}),
		log:      logger.Component("ws_hub"),
	}
}

// Register binds the session id to c. A connection that held the same id
// before is closed; it no longer receives frames.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	old, ok := h.sessions[c.SessionID()]
	h.sessions[c.SessionID()] = c
	h.mu.Unlock()

	if ok && old != c {
		h.log.Info("session taken over by a new connection", "session_id", c.SessionID())
		_ = old.Close()
	}
}

// Unregister drops c from the hub and its session from every group. It does
// nothing once another connection has taken the session id over.
func (h *Hub) Unregister(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessionID := c.SessionID()
	if h.sessions[sessionID] != c {
		return
	}
	delete(h.sessions, sessionID)
	for roomID, g := range h.groups {
		delete(g, sessionID)
		if len(g) == 0 {
			delete(h.groups, roomID)
		}
	}
}

func (h *Hub) AddSessionToGroup(sessionID string, roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[roomID]
	if !ok {
		g = make(map[string]struct{})
		h.groups[roomID] = g
	}
	g[sessionID] = struct{}{}
}

func (h *Hub) RemoveSessionFromGroup(sessionID string, roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[roomID]; ok {
		delete(g, sessionID)
		if len(g) == 0 {
			delete(h.groups, roomID)
		}
	}
}

func (h *Hub) BroadcastToGroup(roomID uuid.UUID, ev domain.Event, excludeSessionID string) {
	h.Broadcast(roomID, eventMessage(ev), excludeSessionID)
}

func (h *Hub) SendToSession(sessionID string, ev domain.Event) {
	h.mu.RLock()
	c, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok && !c.Send(eventMessage(ev)) {
		h.log.Warn("send queue full, dropping frame", "session_id", sessionID, "type", ev.EventName())
	}
}

// Broadcast sends msg to every session of the room except exclude.
func (h *Hub) Broadcast(roomID uuid.UUID, msg Message, exclude string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sid := range h.groups[roomID] {
		if sid == exclude {
			continue
		}
		if c, ok := h.sessions[sid]; ok && !c.Send(msg) {
			h.log.Warn("send queue full, dropping frame", "session_id", sid, "type", msg.Type)
		}
	}
}

// InGroup reports whether the session currently receives the room's frames.
func (h *Hub) InGroup(sessionID string, roomID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[roomID][sessionID]
	return ok
}

func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
