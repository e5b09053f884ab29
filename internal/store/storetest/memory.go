// Package storetest provides an in-memory store.RoomStore for tests that
// need a durable store they can switch off.
package storetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/google/uuid"
)

var ErrDown = errors.New("storetest: store down")

type RoomStore struct {
	mu    sync.Mutex
	down  bool
	rooms map[uuid.UUID]domain.Room
	last  map[uuid.UUID]uuid.UUID
}

var _ store.RoomStore = (*RoomStore)(nil)

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[uuid.UUID]domain.Room),
		last:  make(map[uuid.UUID]uuid.UUID),
	}
}

// SetDown makes every call report StatusUnavailable until cleared.
func (s *RoomStore) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *RoomStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *RoomStore) CreateRoom(_ context.Context, room domain.Room) store.Result[domain.Room] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[domain.Room](ErrDown)
	}
	room.Occupancy = 0
	s.rooms[room.ID] = room
	return store.OK(room)
}

func (s *RoomStore) GetRoom(_ context.Context, id uuid.UUID) store.Result[domain.Room] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[domain.Room](ErrDown)
	}
	r, ok := s.rooms[id]
	if !ok {
		return store.NotFound[domain.Room]()
	}
	return store.OK(r)
}

func (s *RoomStore) ListRooms(context.Context) store.Result[[]domain.Room] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[[]domain.Room](ErrDown)
	}
	out := make([]domain.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return store.OK(out)
}

func (s *RoomStore) DeleteRoom(_ context.Context, id uuid.UUID) store.Result[store.Empty] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[store.Empty](ErrDown)
	}
	if _, ok := s.rooms[id]; !ok {
		return store.NotFound[store.Empty]()
	}
	delete(s.rooms, id)
	for u, r := range s.last {
		if r == id {
			delete(s.last, u)
		}
	}
	return store.OK(store.Empty{})
}

func (s *RoomStore) TouchRoom(_ context.Context, id uuid.UUID, at time.Time) store.Result[store.Empty] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[store.Empty](ErrDown)
	}
	r, ok := s.rooms[id]
	if !ok {
		return store.NotFound[store.Empty]()
	}
	if at.After(r.LastActiveAt) {
		r.LastActiveAt = at
		s.rooms[id] = r
	}
	return store.OK(store.Empty{})
}

func (s *RoomStore) CountRoomsByCreator(_ context.Context, userID uuid.UUID) store.Result[int] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[int](ErrDown)
	}
	n := 0
	for _, r := range s.rooms {
		if r.CreatedBy != nil && *r.CreatedBy == userID {
			n++
		}
	}
	return store.OK(n)
}

func (s *RoomStore) GetLastRoom(_ context.Context, userID uuid.UUID) store.Result[uuid.UUID] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[uuid.UUID](ErrDown)
	}
	id, ok := s.last[userID]
	if !ok {
		return store.NotFound[uuid.UUID]()
	}
	return store.OK(id)
}

func (s *RoomStore) SetLastRoom(_ context.Context, userID, roomID uuid.UUID) store.Result[store.Empty] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return store.Unavailable[store.Empty](ErrDown)
	}
	s.last[userID] = roomID
	return store.OK(store.Empty{})
}

func (s *RoomStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrDown
	}
	return nil
}
