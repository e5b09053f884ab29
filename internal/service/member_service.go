package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/internal/security"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
)

// compensateTimeout bounds the undo steps of a join that did not land.
const compensateTimeout = 2 * time.Second

// MemberService owns membership: join, leave and capacity.
//
// The fast store is the only source of truth for occupancy. A join claims
// the user's membership key with SET NX, then admits the user into the
// room's member set and counter in one script that refuses a full room.
// No local locks are held, so the same rules hold across processes.
type MemberService struct {
	rooms   *RoomService
	store   *coordinator.Coordinator
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewMemberService(rooms *RoomService, store *coordinator.Coordinator, m *metrics.Metrics) *MemberService {
	return &MemberService{
		rooms:   rooms,
		store:   store,
		metrics: m,
		log:     logger.Component("members"),
	}
}

// JoinRoom добавляет пользователя в комнату. Повторный вход в ту же комнату
// ничего не меняет; членство в другой комнате сначала снимается.
func (s *MemberService) JoinRoom(ctx context.Context, userID, roomID uuid.UUID, password string) (domain.Assignment, error) {
	return s.join(ctx, userID, roomID, password, true)
}

// Rejoin puts the user back into a room they held moments ago. The password
// was checked on the original join, so it is not asked again.
func (s *MemberService) Rejoin(ctx context.Context, userID, roomID uuid.UUID) (domain.Assignment, error) {
	return s.join(ctx, userID, roomID, "", false)
}

func (s *MemberService) join(ctx context.Context, userID, roomID uuid.UUID, password string, verify bool) (domain.Assignment, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return domain.Assignment{}, err
	}

	current, held, err := s.store.MembershipOf(ctx, userID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if held && current == roomID {
		return s.unchanged(room, userID), nil
	}
	if verify && room.Protected() && !security.CheckPassword(room.PasswordHash, password) {
		s.metrics.Join("unauthorized")
		return domain.Assignment{}, domain.ErrBadPassword
	}
	// early rejection keeps the user in their current room
	if room.Full() {
		s.metrics.Join("full")
		return domain.Assignment{}, domain.ErrRoomFull
	}
	if held {
		if _, _, err := s.LeaveRoom(ctx, userID); err != nil {
			return domain.Assignment{}, err
		}
	}

	claimed, err := s.store.ClaimMembership(ctx, userID, roomID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !claimed {
		// another join for this user won the race
		if got, ok, err := s.store.MembershipOf(ctx, userID); err == nil && ok && got == roomID {
			room.Occupancy = s.store.Occupancy(ctx, roomID)
			return s.unchanged(room, userID), nil
		}
		s.metrics.Join("conflict")
		return domain.Assignment{}, domain.ErrJoinInProgress
	}

	adm, err := s.store.AdmitMember(ctx, roomID, userID, room.MaxUsers)
	if err != nil {
		// the admission may have landed before the error; evicting is exact either way
		s.compensate(ctx, userID, roomID)
		return domain.Assignment{}, err
	}
	if adm.Rejected {
		s.compensate(ctx, userID, roomID)
		s.metrics.Join("full")
		return domain.Assignment{}, domain.ErrRoomFull
	}

	now := s.rooms.now()
	if err := s.store.TouchRoom(ctx, roomID, now); err != nil {
		s.log.WarnContext(ctx, "touch room failed", "room_id", roomID, "err", err)
	}
	if err := s.store.RememberRoom(ctx, userID, roomID); err != nil {
		s.log.WarnContext(ctx, "remember last room failed", "user_id", userID, "err", err)
	}

	s.metrics.Join("ok")
	room.Occupancy = int(adm.Count)
	room.LastActiveAt = now
	return domain.Assignment{Room: room, UserID: userID, JoinedAt: now, Changed: true}, nil
}

func (s *MemberService) unchanged(room domain.Room, userID uuid.UUID) domain.Assignment {
	return domain.Assignment{Room: room, UserID: userID, JoinedAt: room.LastActiveAt, Changed: false}
}

// compensate undoes a partial join on a context that outlives the caller's
// cancellation.
func (s *MemberService) compensate(ctx context.Context, userID, roomID uuid.UUID) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if _, err := s.store.EvictMember(cctx, roomID, userID); err != nil {
		s.log.ErrorContext(ctx, "join rollback: occupancy", "room_id", roomID, "err", err)
	}
	if _, err := s.store.ReleaseMembership(cctx, userID, roomID); err != nil {
		s.log.ErrorContext(ctx, "join rollback: membership", "user_id", userID, "err", err)
	}
}

// LeaveRoom снимает членство пользователя. Если комнаты нет, это не ошибка.
//
// The counters are dropped before the membership key, so a leave that fails
// halfway is finished by the next attempt instead of being forgotten.
func (s *MemberService) LeaveRoom(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	roomID, held, err := s.store.MembershipOf(ctx, userID)
	if err != nil || !held {
		return uuid.Nil, false, err
	}

	// the counters must follow even if the caller quits
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	if _, err := s.store.EvictMember(cctx, roomID, userID); err != nil {
		return uuid.Nil, false, err
	}
	released, err := s.store.ReleaseMembership(cctx, userID, roomID)
	if err != nil || !released {
		return uuid.Nil, false, err
	}
	if err := s.store.TouchRoom(cctx, roomID, s.rooms.now()); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.log.WarnContext(ctx, "touch room failed", "room_id", roomID, "err", err)
	}

	s.metrics.Leave()
	return roomID, true, nil
}

// LastRoom returns the room the user joined most recently, if remembered.
func (s *MemberService) LastRoom(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool) {
	id, ok, err := s.store.LastRoom(ctx, userID)
	if err != nil {
		s.log.WarnContext(ctx, "last room lookup failed", "user_id", userID, "err", err)
		return uuid.Nil, false
	}
	return id, ok
}

// CurrentRoom returns the user's room, or false when there is none or the
// fast store cannot tell.
func (s *MemberService) CurrentRoom(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool) {
	id, ok, err := s.store.MembershipOf(ctx, userID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, ok
}

// Members возвращает участников комнаты.
func (s *MemberService) Members(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return s.store.Members(ctx, roomID), nil
}

// Heartbeat marks roomID active when the user is one of its members.
func (s *MemberService) Heartbeat(ctx context.Context, userID, roomID uuid.UUID) error {
	current, ok := s.CurrentRoom(ctx, userID)
	if !ok || current != roomID {
		return nil
	}
	return s.store.TouchRoom(ctx, roomID, s.rooms.now())
}
