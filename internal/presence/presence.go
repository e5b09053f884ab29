// Package presence runs the connect/disconnect lifecycle: it places sessions
// in rooms, tracks them and tells the transport who hears what.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/internal/service"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Coordinator struct {
	rooms     *service.RoomService
	members   *service.MemberService
	registry  *Registry
	transport Transport
	events    *Dispatcher
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time
}

// NewCoordinator registers the transport fan-out as the first handler of
// every event; handlers added to events later run after it.
func NewCoordinator(
	rooms *service.RoomService,
	members *service.MemberService,
	registry *Registry,
	transport Transport,
	events *Dispatcher,
	m *metrics.Metrics,
) *Coordinator {
	events.OnRoomAssigned(func(_ context.Context, ev domain.RoomAssigned) {
		transport.SendToSession(ev.SessionID, ev)
	})
	events.OnUserJoined(func(_ context.Context, ev domain.UserJoined) {
		transport.BroadcastToGroup(ev.RoomID, ev, ev.SessionID)
	})
	events.OnUserLeft(func(_ context.Context, ev domain.UserLeft) {
		transport.BroadcastToGroup(ev.RoomID, ev, "")
	})

	return &Coordinator{
		rooms:     rooms,
		members:   members,
		registry:  registry,
		transport: transport,
		events:    events,
		metrics:   m,
		log:       logger.Component("presence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnConnect places a new session owned by the connection connID. Earlier
// sessions of the same user are dropped first without a departure
// broadcast; the user stays in their room and the new session simply takes
// over.
func (c *Coordinator) OnConnect(ctx context.Context, userID uuid.UUID, sessionID, connID string) (domain.Room, []uuid.UUID, error) {
	if err := c.revoke(ctx, userID); err != nil {
		return domain.Room{}, nil, err
	}

	asg, err := c.assign(ctx, userID)
	if err != nil {
		return domain.Room{}, nil, err
	}
	room := asg.Room

	sess := domain.Session{ID: sessionID, Conn: connID, UserID: userID, RoomID: room.ID, ConnectedAt: c.now()}
	if err := c.registry.Track(ctx, sess); err != nil {
		if asg.Changed {
			if _, _, lerr := c.members.LeaveRoom(context.WithoutCancel(ctx), userID); lerr != nil {
				c.log.ErrorContext(ctx, "undo join after failed track", "user_id", userID, "err", lerr)
			}
		}
		return domain.Room{}, nil, err
	}
	c.metrics.SessionOpened()

	// a disconnect of the user's last session may have released the room
	// between assignment and tracking
	if _, ok := c.members.CurrentRoom(ctx, userID); !ok {
		again, err := c.members.Rejoin(ctx, userID, room.ID)
		if err != nil {
			c.log.WarnContext(ctx, "rejoin after concurrent leave failed", "user_id", userID, "room_id", room.ID, "err", err)
		} else {
			asg.Changed = asg.Changed || again.Changed
			room.Occupancy = again.Room.Occupancy
		}
	}

	c.transport.AddSessionToGroup(sessionID, room.ID)
	c.events.Dispatch(ctx, domain.RoomAssigned{
		SessionID: sessionID,
		RoomID:    room.ID,
		Name:      room.Name,
		Occupancy: room.Occupancy,
		MaxUsers:  room.MaxUsers,
	})

	peers, err := c.members.Members(ctx, room.ID)
	if err != nil {
		c.log.WarnContext(ctx, "peer list unavailable", "room_id", room.ID, "err", err)
	}
	peers = lo.Without(peers, userID)

	if asg.Changed {
		c.events.Dispatch(ctx, domain.UserJoined{
			SessionID: sessionID,
			RoomID:    room.ID,
			UserID:    userID,
			JoinedAt:  asg.JoinedAt,
		})
	}

	c.log.InfoContext(ctx, "session connected",
		"session_id", sessionID, "user_id", userID, "room_id", room.ID, "rejoined", !asg.Changed)
	return room, peers, nil
}

// revoke forgets every tracked session of the user.
func (c *Coordinator) revoke(ctx context.Context, userID uuid.UUID) error {
	stale, err := c.registry.SessionsOf(ctx, userID)
	if err != nil {
		return err
	}
	for _, sid := range stale {
		s, _, removed, err := c.registry.Remove(ctx, sid, "", nil)
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		c.metrics.SessionClosed()
		c.transport.RemoveSessionFromGroup(sid, s.RoomID)
		c.log.InfoContext(ctx, "stale session revoked", "session_id", sid, "user_id", userID)
	}
	return nil
}

// assign tries the room the user still holds, then the remembered one, then
// the matchmaker's pick.
func (c *Coordinator) assign(ctx context.Context, userID uuid.UUID) (domain.Assignment, error) {
	var candidates []uuid.UUID
	if id, ok := c.members.CurrentRoom(ctx, userID); ok {
		candidates = append(candidates, id)
	}
	if id, ok := c.members.LastRoom(ctx, userID); ok {
		candidates = append(candidates, id)
	}

	for _, id := range lo.Uniq(candidates) {
		asg, err := c.members.JoinRoom(ctx, userID, id, "")
		if err == nil {
			return asg, nil
		}
		if !skippable(err) {
			return domain.Assignment{}, err
		}
	}

	room, err := c.rooms.GetOrCreateDefaultRoom(ctx)
	if err != nil {
		return domain.Assignment{}, err
	}
	return c.members.JoinRoom(ctx, userID, room.ID, "")
}

// skippable errors move assignment on to the next candidate room.
func skippable(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrCapacity) ||
		errors.Is(err, domain.ErrUnauthorized)
}

// OnDisconnect drops the session if connID still owns it. The user leaves
// their room only when no other session of theirs remains. Repeated signals
// are no-ops, and a signal that failed halfway finishes on redelivery.
func (c *Coordinator) OnDisconnect(ctx context.Context, sessionID, connID string) error {
	s, remaining, removed, err := c.registry.Remove(ctx, sessionID, connID, c.leaveIfLast)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	c.metrics.SessionClosed()
	c.transport.RemoveSessionFromGroup(sessionID, s.RoomID)

	if remaining > 0 {
		c.log.InfoContext(ctx, "session closed, user still present",
			"session_id", sessionID, "user_id", s.UserID, "remaining", remaining)
		return nil
	}
	c.log.InfoContext(ctx, "session closed", "session_id", sessionID, "user_id", s.UserID, "room_id", s.RoomID)
	return nil
}

// leaveIfLast releases the room of a user whose last session just went
// away. A session that connected meanwhile keeps the user in the room.
func (c *Coordinator) leaveIfLast(ctx context.Context, s domain.Session, remaining int) error {
	if remaining > 0 {
		return nil
	}
	roomID, left, err := c.members.LeaveRoom(ctx, s.UserID)
	if err != nil || !left {
		return err
	}
	if c.registry.IsOnline(ctx, s.UserID) {
		if _, err := c.members.Rejoin(ctx, s.UserID, roomID); err != nil {
			c.log.WarnContext(ctx, "user reconnected but rejoin failed", "user_id", s.UserID, "room_id", roomID, "err", err)
		} else {
			return nil
		}
	}
	c.events.Dispatch(ctx, domain.UserLeft{RoomID: roomID, UserID: s.UserID, LeftAt: c.now()})
	c.log.InfoContext(ctx, "user left", "session_id", s.ID, "user_id", s.UserID, "room_id", roomID)
	return nil
}

// Session returns a tracked session.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	return c.registry.Session(ctx, sessionID)
}

func (c *Coordinator) IsOnline(ctx context.Context, userID uuid.UUID) bool {
	return c.registry.IsOnline(ctx, userID)
}

func (c *Coordinator) OnlineUsers(ctx context.Context) []uuid.UUID {
	return c.registry.Online(ctx)
}

// SwitchRoom joins the user to roomID and moves all of their sessions
// along: the old room hears UserLeft, the new one UserJoined.
func (c *Coordinator) SwitchRoom(ctx context.Context, userID, roomID uuid.UUID, password string) (domain.Assignment, error) {
	prev, hadPrev := c.members.CurrentRoom(ctx, userID)

	asg, err := c.members.JoinRoom(ctx, userID, roomID, password)
	if err != nil || !asg.Changed {
		return asg, err
	}

	sids, err := c.registry.SessionsOf(ctx, userID)
	if err != nil {
		c.log.WarnContext(ctx, "joined but sessions were not moved", "user_id", userID, "err", err)
	}
	for _, sid := range sids {
		from, err := c.registry.Relocate(ctx, sid, roomID)
		if err != nil {
			c.log.WarnContext(ctx, "relocate session failed", "session_id", sid, "err", err)
			continue
		}
		if from != uuid.Nil {
			c.transport.RemoveSessionFromGroup(sid, from)
		}
		c.transport.AddSessionToGroup(sid, roomID)
		c.events.Dispatch(ctx, domain.RoomAssigned{
			SessionID: sid,
			RoomID:    roomID,
			Name:      asg.Room.Name,
			Occupancy: asg.Room.Occupancy,
			MaxUsers:  asg.Room.MaxUsers,
		})
	}

	if hadPrev && prev != roomID {
		c.events.Dispatch(ctx, domain.UserLeft{RoomID: prev, UserID: userID, LeftAt: asg.JoinedAt})
	}
	c.events.Dispatch(ctx, domain.UserJoined{RoomID: roomID, UserID: userID, JoinedAt: asg.JoinedAt})
	return asg, nil
}

// LeaveRoom releases the user's membership and detaches their sessions
// from the room; the sessions themselves stay connected.
func (c *Coordinator) LeaveRoom(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	roomID, left, err := c.members.LeaveRoom(ctx, userID)
	if err != nil || !left {
		return roomID, left, err
	}

	sids, err := c.registry.SessionsOf(ctx, userID)
	if err != nil {
		c.log.WarnContext(ctx, "left but sessions were not detached", "user_id", userID, "err", err)
	}
	for _, sid := range sids {
		if _, err := c.registry.Relocate(ctx, sid, uuid.Nil); err != nil {
			c.log.WarnContext(ctx, "detach session failed", "session_id", sid, "err", err)
		}
		c.transport.RemoveSessionFromGroup(sid, roomID)
	}

	c.events.Dispatch(ctx, domain.UserLeft{RoomID: roomID, UserID: userID, LeftAt: c.now()})
	return roomID, true, nil
}
