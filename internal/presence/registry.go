package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/store"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
)

// Registry tracks sessions in the fast store:
//
//	session:{id}             JSON record
//	user:{id}:sessions       set of session ids
//	room:{id}:sessions       set of session ids
//	presence:online          set of user ids with at least one session
type Registry struct {
	fast store.FastStore
	log  *slog.Logger
}

func NewRegistry(fast store.FastStore) *Registry {
	return &Registry{fast: fast, log: logger.Component("registry")}
}

// Track records the session and indexes it. On failure the record is
// dropped again.
func (r *Registry) Track(ctx context.Context, s domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if res := r.fast.Set(ctx, store.SessionKey(s.ID), string(raw), 0); res.Unavailable() {
		return coordinator.EphemeralFault("track_session", res.Err)
	}
	if err := r.index(ctx, s); err != nil {
		if _, _, _, rerr := r.Remove(context.WithoutCancel(ctx), s.ID, s.Conn, nil); rerr != nil {
			r.log.ErrorContext(ctx, "untrack after failed track", "session_id", s.ID, "err", rerr)
		}
		return err
	}
	return nil
}

// Session returns the tracked session or ErrSessionNotFound.
func (r *Registry) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	s, _, err := r.lookup(ctx, sessionID)
	return s, err
}

// lookup also returns the raw record so a later delete can be made
// conditional on it.
func (r *Registry) lookup(ctx context.Context, sessionID string) (domain.Session, string, error) {
	res := r.fast.Get(ctx, store.SessionKey(sessionID))
	switch res.Status {
	case store.StatusNotFound:
		return domain.Session{}, "", domain.ErrSessionNotFound
	case store.StatusUnavailable:
		return domain.Session{}, "", coordinator.EphemeralFault("get_session", res.Err)
	}
	var s domain.Session
	if err := json.Unmarshal([]byte(res.Value), &s); err != nil {
		return domain.Session{}, "", fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, res.Value, nil
}

// removeAttempts bounds how often Remove chases a record that keeps being
// rewritten under it.
const removeAttempts = 3

// Finisher runs after a session is detached from its indexes and before its
// record is deleted. An error keeps the record, so a repeated Remove runs
// the detach and the finisher again.
type Finisher func(ctx context.Context, s domain.Session, remaining int) error

// Remove untracks a session owned by connID and reports how many sessions
// its user still has. An empty connID matches any owner. The record is
// deleted last and only if unchanged since it was read, so a removal that
// fails halfway can be repeated and a record owned by a newer connection
// is left alone. Only the caller that actually deleted the record gets
// removed=true.
func (r *Registry) Remove(ctx context.Context, sessionID, connID string, finish Finisher) (s domain.Session, remaining int, removed bool, err error) {
	for range removeAttempts {
		var raw string
		s, raw, err = r.lookup(ctx, sessionID)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				return domain.Session{}, 0, false, nil
			}
			return domain.Session{}, 0, false, err
		}
		if connID != "" && s.Conn != connID {
			return s, 0, false, nil
		}

		if remaining, err = r.detach(ctx, s); err != nil {
			return s, 0, false, err
		}
		if finish != nil {
			if err = finish(ctx, s, remaining); err != nil {
				return s, remaining, false, err
			}
		}

		del := r.fast.DeleteIfValue(ctx, store.SessionKey(sessionID), raw)
		if del.Unavailable() {
			return s, remaining, false, coordinator.EphemeralFault("remove_session", del.Err)
		}
		if del.Value {
			return s, remaining, true, nil
		}
		// rewritten meanwhile: a relocation of the same connection is
		// retried, a newer owner gets its indexes back
		cur, _, err := r.lookup(ctx, sessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return s, remaining, false, nil
		}
		if err != nil {
			return s, remaining, false, err
		}
		if cur.Conn != s.Conn {
			return s, remaining, false, r.index(ctx, cur)
		}
	}
	return s, remaining, false, coordinator.EphemeralFault("remove_session",
		fmt.Errorf("session %s kept changing", sessionID))
}

// detach drops the session from the user, room and online indexes. Every
// step is idempotent.
func (r *Registry) detach(ctx context.Context, s domain.Session) (int, error) {
	if res := r.fast.SetRemove(ctx, store.UserSessionsKey(s.UserID), s.ID); res.Unavailable() {
		return 0, coordinator.EphemeralFault("remove_session", res.Err)
	}
	if s.RoomID != uuid.Nil {
		if res := r.fast.SetRemove(ctx, store.RoomSessionsKey(s.RoomID), s.ID); res.Unavailable() {
			return 0, coordinator.EphemeralFault("remove_session", res.Err)
		}
	}
	card := r.fast.SetCard(ctx, store.UserSessionsKey(s.UserID))
	if card.Unavailable() {
		return 0, coordinator.EphemeralFault("remove_session", card.Err)
	}
	if card.Value == 0 {
		if res := r.fast.SetRemove(ctx, store.KeyOnline, s.UserID.String()); res.Unavailable() {
			return 0, coordinator.EphemeralFault("remove_session", res.Err)
		}
	}
	return int(card.Value), nil
}

// index adds the session to the user, room and online indexes.
func (r *Registry) index(ctx context.Context, s domain.Session) error {
	steps := []store.Result[int64]{
		r.fast.SetAdd(ctx, store.UserSessionsKey(s.UserID), s.ID),
		r.fast.SetAdd(ctx, store.KeyOnline, s.UserID.String()),
	}
	if s.RoomID != uuid.Nil {
		steps = append(steps, r.fast.SetAdd(ctx, store.RoomSessionsKey(s.RoomID), s.ID))
	}
	for _, res := range steps {
		if res.Unavailable() {
			return coordinator.EphemeralFault("track_session", res.Err)
		}
	}
	return nil
}

// SessionsOf lists the user's tracked session ids.
func (r *Registry) SessionsOf(ctx context.Context, userID uuid.UUID) ([]string, error) {
	res := r.fast.SetMembers(ctx, store.UserSessionsKey(userID))
	if res.Unavailable() {
		return nil, coordinator.EphemeralFault("list_sessions", res.Err)
	}
	return res.Value, nil
}

// RoomSessions lists the session ids currently placed in a room.
func (r *Registry) RoomSessions(ctx context.Context, roomID uuid.UUID) []string {
	res := r.fast.SetMembers(ctx, store.RoomSessionsKey(roomID))
	if res.Unavailable() {
		r.log.WarnContext(ctx, "room sessions unavailable", "room_id", roomID, "err", res.Err)
		return nil
	}
	return res.Value
}

// IsOnline is false while the fast store is unreachable.
func (r *Registry) IsOnline(ctx context.Context, userID uuid.UUID) bool {
	res := r.fast.SetCard(ctx, store.UserSessionsKey(userID))
	if res.Unavailable() {
		r.log.WarnContext(ctx, "presence unavailable", "user_id", userID, "err", res.Err)
		return false
	}
	return res.Value > 0
}

// Online lists users with at least one session, empty while the fast store
// is unreachable.
func (r *Registry) Online(ctx context.Context) []uuid.UUID {
	res := r.fast.SetMembers(ctx, store.KeyOnline)
	if res.Unavailable() {
		r.log.WarnContext(ctx, "presence unavailable", "err", res.Err)
		return nil
	}
	out := make([]uuid.UUID, 0, len(res.Value))
	for _, v := range res.Value {
		if id, err := uuid.Parse(v); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Relocate moves a tracked session to another room and returns the room it
// was in. A zero roomID detaches the session from any room.
func (r *Registry) Relocate(ctx context.Context, sessionID string, roomID uuid.UUID) (uuid.UUID, error) {
	s, err := r.Session(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}
	prev := s.RoomID
	if prev == roomID {
		return prev, nil
	}
	s.RoomID = roomID
	raw, err := json.Marshal(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encode session: %w", err)
	}
	if res := r.fast.Set(ctx, store.SessionKey(sessionID), string(raw), 0); res.Unavailable() {
		return uuid.Nil, coordinator.EphemeralFault("relocate_session", res.Err)
	}
	if prev != uuid.Nil {
		if res := r.fast.SetRemove(ctx, store.RoomSessionsKey(prev), sessionID); res.Unavailable() {
			return uuid.Nil, coordinator.EphemeralFault("relocate_session", res.Err)
		}
	}
	if roomID != uuid.Nil {
		if res := r.fast.SetAdd(ctx, store.RoomSessionsKey(roomID), sessionID); res.Unavailable() {
			return uuid.Nil, coordinator.EphemeralFault("relocate_session", res.Err)
		}
	}
	return prev, nil
}
