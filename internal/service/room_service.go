package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cwrk-planet/presence-service/config"
	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/internal/security"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// DefaultRoomID is the fixed id of the permanent lobby, shared by every
// instance so concurrent startups converge on one record.
var DefaultRoomID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("presence-service/default-room"))

const maxRoomNameLen = 64

type RoomService struct {
	store   *coordinator.Coordinator
	cfg     config.Assignment
	bcrypt  *security.BcryptConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	pick singleflight.Group
	now  func() time.Time
}

func NewRoomService(store *coordinator.Coordinator, cfg config.Assignment, m *metrics.Metrics) *RoomService {
	return &RoomService{
		store:   store,
		cfg:     cfg,
		metrics: m,
		log:     logger.Component("rooms"),
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// SetBcrypt переопределяет параметры хеширования паролей приватных комнат.
func (s *RoomService) SetBcrypt(cfg *security.BcryptConfig) {
	s.bcrypt = cfg
}

// EnsureDefaultRoom создаёт постоянное лобби, если его ещё нет.
func (s *RoomService) EnsureDefaultRoom(ctx context.Context) (domain.Room, error) {
	room, err := s.store.GetRoom(ctx, DefaultRoomID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Room{}, err
	}

	now := s.now()
	room = domain.Room{
		ID:           DefaultRoomID,
		Name:         s.cfg.DefaultRoomName,
		Kind:         domain.RoomSystem,
		MaxUsers:     s.cfg.DefaultMaxUsersPerRoom,
		Permanent:    true,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if room, err = s.store.CreateRoom(ctx, room); err != nil {
		return domain.Room{}, fmt.Errorf("create default room: %w", err)
	}
	s.metrics.RoomCreated(string(domain.RoomSystem))
	s.log.InfoContext(ctx, "default room created", "room_id", room.ID, "name", room.Name)
	return room, nil
}

// GetOrCreateDefaultRoom выбирает системную комнату для нового гостя.
// Concurrent callers in this process share one selection.
func (s *RoomService) GetOrCreateDefaultRoom(ctx context.Context) (domain.Room, error) {
	v, err, _ := s.pick.Do("default", func() (any, error) {
		return s.selectDefaultRoom(ctx)
	})
	if err != nil {
		return domain.Room{}, err
	}
	return v.(domain.Room), nil
}

func (s *RoomService) selectDefaultRoom(ctx context.Context) (domain.Room, error) {
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return domain.Room{}, err
	}

	system := lo.Filter(rooms, func(r domain.Room, _ int) bool { return r.Kind == domain.RoomSystem })
	open := lo.Filter(system, func(r domain.Room, _ int) bool { return !r.Full() })
	if len(open) > 0 {
		return lo.MaxBy(open, s.livelier), nil
	}

	// past the ceiling any room a user can enter without a password will do
	reusable := lo.Filter(rooms, func(r domain.Room, _ int) bool { return !r.Protected() })
	if len(rooms) >= s.cfg.MaxTotalRooms && len(reusable) > 0 {
		room := lo.MinBy(reusable, lessBusy)
		s.log.WarnContext(ctx, "room ceiling reached, reusing least busy room",
			"room_id", room.ID, "kind", room.Kind, "occupancy", room.Occupancy, "rooms", len(rooms))
		return room, nil
	}

	empty := lo.Filter(rooms, func(r domain.Room, _ int) bool {
		return r.Occupancy == 0 && !r.Protected()
	})
	if len(empty) >= s.cfg.MaxEmptyRooms && len(empty) > 0 {
		room := lo.MinBy(empty, func(a, b domain.Room) bool {
			return a.LastActiveAt.Before(b.LastActiveAt)
		})
		s.log.InfoContext(ctx, "empty room ceiling reached, reusing idle room", "room_id", room.ID)
		return room, nil
	}

	return s.createSystemRoom(ctx)
}

// livelier orders open rooms: higher occupancy first, then the configured
// tie-break on creation time.
func (s *RoomService) livelier(a, b domain.Room) bool {
	if a.Occupancy != b.Occupancy {
		return a.Occupancy > b.Occupancy
	}
	if s.cfg.TieBreak == "newest" {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// lessBusy prefers rooms with a free seat, then fewer occupants, then the
// older room.
func lessBusy(a, b domain.Room) bool {
	if a.Full() != b.Full() {
		return !a.Full()
	}
	if a.Occupancy != b.Occupancy {
		return a.Occupancy < b.Occupancy
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (s *RoomService) createSystemRoom(ctx context.Context) (domain.Room, error) {
	seq, err := s.store.NextRoomSeq(ctx)
	if err != nil {
		return domain.Room{}, err
	}
	now := s.now()
	room := domain.Room{
		ID:           uuid.New(),
		Name:         fmt.Sprintf("%s%d", s.cfg.RoomNamePrefix, seq),
		Kind:         domain.RoomSystem,
		MaxUsers:     s.cfg.DefaultMaxUsersPerRoom,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if room, err = s.store.CreateRoom(ctx, room); err != nil {
		return domain.Room{}, err
	}
	s.metrics.RoomCreated(string(domain.RoomSystem))
	s.log.InfoContext(ctx, "system room created", "room_id", room.ID, "name", room.Name)
	return room, nil
}

type CreateRoomInput struct {
	Name     string
	Kind     domain.RoomKind
	MaxUsers int
	Password string
}

// CreateRoom создаёт пользовательскую комнату с учётом квоты на автора.
func (s *RoomService) CreateRoom(ctx context.Context, userID uuid.UUID, in CreateRoomInput) (domain.Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxRoomNameLen {
		return domain.Room{}, fmt.Errorf("%w: name must be 1..%d characters", domain.ErrInvalidRoom, maxRoomNameLen)
	}
	if in.Kind != domain.RoomPublic && in.Kind != domain.RoomPrivate {
		return domain.Room{}, fmt.Errorf("%w: kind must be public or private", domain.ErrInvalidRoom)
	}
	if in.Kind == domain.RoomPublic && in.Password != "" {
		return domain.Room{}, fmt.Errorf("%w: public rooms take no password", domain.ErrInvalidRoom)
	}
	maxUsers := in.MaxUsers
	if maxUsers <= 0 || maxUsers > s.cfg.DefaultMaxUsersPerRoom {
		maxUsers = s.cfg.DefaultMaxUsersPerRoom
	}

	owned, err := s.store.CountRoomsByCreator(ctx, userID)
	if err != nil {
		return domain.Room{}, err
	}
	if owned >= s.cfg.MaxUserCreatedRoomsPerUser {
		return domain.Room{}, domain.ErrRoomQuota
	}

	now := s.now()
	room := domain.Room{
		ID:           uuid.New(),
		Name:         name,
		Kind:         in.Kind,
		MaxUsers:     maxUsers,
		CreatedBy:    &userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if in.Kind == domain.RoomPrivate {
		if room.PasswordHash, err = security.HashPassword(in.Password, s.bcrypt); err != nil {
			return domain.Room{}, fmt.Errorf("%w: %v", domain.ErrInvalidRoom, err)
		}
	}

	if room, err = s.store.CreateRoom(ctx, room); err != nil {
		return domain.Room{}, err
	}
	s.metrics.RoomCreated(string(room.Kind))
	s.log.InfoContext(ctx, "room created", "room_id", room.ID, "kind", room.Kind, "user_id", userID)
	return room, nil
}

// GetRoom возвращает комнату с текущей заполненностью.
func (s *RoomService) GetRoom(ctx context.Context, id uuid.UUID) (domain.Room, error) {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return domain.Room{}, err
	}
	room.Occupancy = s.store.Occupancy(ctx, id)
	return room, nil
}

// ListRooms возвращает все комнаты с текущей заполненностью.
func (s *RoomService) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rooms, err := s.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	occ := s.store.Occupancies(ctx)
	for i := range rooms {
		rooms[i].Occupancy = occ[rooms[i].ID]
	}
	return rooms, nil
}

// DeleteRoom удаляет комнату по запросу администратора.
func (s *RoomService) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	room, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return err
	}
	if room.Permanent {
		return domain.ErrPermanentRoom
	}
	if err := s.store.DeleteRoom(ctx, id); err != nil {
		return err
	}
	if err := s.store.PurgeRoomState(ctx, id); err != nil {
		s.log.WarnContext(ctx, "room deleted but live state left behind", "room_id", id, "err", err)
	}
	s.log.InfoContext(ctx, "room deleted", "room_id", id)
	return nil
}
