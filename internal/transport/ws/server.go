package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/security"
	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type Presence interface {
	OnConnect(ctx context.Context, userID uuid.UUID, sessionID, connID string) (domain.Room, []uuid.UUID, error)
	OnDisconnect(ctx context.Context, sessionID, connID string) error
	Session(ctx context.Context, sessionID string) (domain.Session, error)
}

type ReplayGuard interface {
	Check(ctx context.Context, nonce string, claimedUnix int64) error
}

const (
	sendQueue       = 64
	writeWait       = 5 * time.Second
	disconnectWait  = 5 * time.Second
	maxMessageBytes = 1 << 16
)

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	presence Presence
	guard    ReplayGuard
	log      *slog.Logger

	pingEvery time.Duration
}

// NewServer accepts any origin when allowedOrigins is empty.
func NewServer(hub *Hub, presence Presence, guard ReplayGuard, allowedOrigins []string) *Server {
	return &Server{
		hub:      hub,
		presence: presence,
		guard:    guard,
		log:      logger.Component("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" || lo.Contains(allowedOrigins, origin)
			},
		},
		pingEvery: 15 * time.Second,
	}
}

// WS endpoint: GET /ws?session_id=...
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid := httpmw.UserIDFromCtx(r.Context())
	if uid == uuid.Nil {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	connID, err := security.SessionID()
	if err != nil {
		http.Error(w, "session id", http.StatusInternalServerError)
		return
	}
	sid := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sid == "" {
		sid = connID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the client
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	ctx := r.Context()
	c := newWsConn(conn, sid, connID, uid)
	s.hub.Register(c)
	defer s.hub.Unregister(c)

	room, peers, err := s.presence.OnConnect(ctx, uid, sid, connID)
	if err != nil {
		s.log.WarnContext(ctx, "ws connect rejected", "user_id", uid, "session_id", sid, "err", err)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(errorMessage(err))
		_ = c.Close()
		return
	}

	c.Send(Message{Type: TypeState, Payload: StatePayload{
		SessionID: sid,
		RoomID:    room.ID.String(),
		RoomName:  room.Name,
		Occupancy: room.Occupancy,
		MaxUsers:  room.MaxUsers,
		Peers:     lo.Map(peers, func(id uuid.UUID, _ int) string { return id.String() }),
	}})

	flush := make(chan struct{})
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writeLoop(c, flush)
	}()
	s.readLoop(ctx, c)
	close(flush)
	<-written

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectWait)
	defer cancel()
	if err := s.presence.OnDisconnect(dctx, sid, connID); err != nil {
		s.log.ErrorContext(ctx, "ws disconnect failed", "session_id", sid, "err", err)
	}
	if err := c.Close(); err != nil {
		s.log.Debug("ws close failed", "session_id", sid, "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case TypeChat:
			var p ChatPayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				continue
			}
			if !s.handleChat(ctx, c, p) {
				return
			}
		default:
			// ignore
		}
	}
}

// handleChat returns false when the connection should be closed.
func (s *Server) handleChat(ctx context.Context, c *wsConn, p ChatPayload) bool {
	if err := s.guard.Check(ctx, p.Nonce, p.TSUnix); err != nil {
		c.Send(errorMessage(err))
		return true
	}

	sess, err := s.presence.Session(ctx, c.sessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), err == nil && sess.Conn != c.connID:
		// superseded by a newer connection of the same user
		c.Send(Message{Type: TypeError, Payload: ErrorPayload{Code: "session_revoked", Message: "session replaced by a newer connection"}})
		return false
	case err != nil:
		c.Send(errorMessage(err))
		return true
	case sess.RoomID == uuid.Nil:
		c.Send(Message{Type: TypeError, Payload: ErrorPayload{Code: "not_in_room", Message: "join a room first"}})
		return true
	}

	text := strings.TrimSpace(p.Message)
	if text == "" {
		return true
	}
	out := ChatPayload{
		RoomID:  sess.RoomID.String(),
		UserID:  c.userID.String(),
		Message: text,
		TSUnix:  time.Now().Unix(),
		MsgID:   uuid.NewString(),
	}
	s.hub.Broadcast(sess.RoomID, Message{Type: TypeChat, Payload: out}, "")
	c.Send(Message{Type: TypeChatAck, Payload: ChatAckPayload{MsgID: out.MsgID, Nonce: p.Nonce}})
	return true
}

// writeLoop owns all writes to the connection. Once flush is closed it
// writes whatever is still queued, says goodbye and returns.
func (s *Server) writeLoop(c *wsConn, flush <-chan struct{}) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close()
				return
			}
		case <-flush:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
			}
		case <-c.closed:
			return
		}
	}
}

func errorMessage(err error) Message {
	return Message{Type: TypeError, Payload: ErrorPayload{Code: errorCode(err), Message: err.Error()}}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrCapacity):
		return "room_full"
	case errors.Is(err, domain.ErrReplayedNonce), errors.Is(err, domain.ErrStaleTimestamp):
		return "replay_rejected"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrStoreFatal):
		return "unavailable"
	default:
		return "internal"
	}
}

type wsConn struct {
	conn      *websocket.Conn
	sessionID string
	connID    string
	userID    uuid.UUID
	send      chan Message
	closed    chan struct{}
	once      sync.Once
}

func newWsConn(c *websocket.Conn, sessionID, connID string, userID uuid.UUID) *wsConn {
	return &wsConn{
		conn:      c,
		sessionID: sessionID,
		connID:    connID,
		userID:    userID,
		send:      make(chan Message, sendQueue),
		closed:    make(chan struct{}),
	}
}

func (c *wsConn) Send(msg Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) SessionID() string { return c.sessionID }
