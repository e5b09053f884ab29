package store

import (
	"context"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/google/uuid"
)

// RoomStore is the room-definition port. Both the fast and the durable
// adapters implement it; the coordinator picks between them.
type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) Result[domain.Room]
	GetRoom(ctx context.Context, id uuid.UUID) Result[domain.Room]
	ListRooms(ctx context.Context) Result[[]domain.Room]
	// DeleteRoom reports NotFound when no record existed.
	DeleteRoom(ctx context.Context, id uuid.UUID) Result[Empty]
	TouchRoom(ctx context.Context, id uuid.UUID, at time.Time) Result[Empty]
	CountRoomsByCreator(ctx context.Context, userID uuid.UUID) Result[int]

	GetLastRoom(ctx context.Context, userID uuid.UUID) Result[uuid.UUID]
	SetLastRoom(ctx context.Context, userID, roomID uuid.UUID) Result[Empty]

	Ping(ctx context.Context) error
}

type ScoredMember struct {
	Member string
	Score  float64
}

// Admission is the outcome of FastStore.Admit.
type Admission struct {
	Count    int64 // counter after the call
	Added    bool  // member was absent and is now counted
	Rejected bool  // counter already at the limit, nothing changed
}

type Order uint8

const (
	Ascending Order = iota
	Descending
)

type RangeQuery struct {
	Order Order
	// Limit <= 0 returns the whole set.
	Limit int
}

// FastStore is the primitive surface of the low-latency shared store.
// It holds no business logic; all ephemeral state is built on top of it.
type FastStore interface {
	Get(ctx context.Context, key string) Result[string]
	Set(ctx context.Context, key, value string, ttl time.Duration) Result[Empty]
	// SetNX stores value only when key is absent; the bool reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) Result[bool]
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) Result[int64]
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) Result[bool]

	Incr(ctx context.Context, key string, delta int64) Result[int64]

	SetAdd(ctx context.Context, key string, members ...string) Result[int64]
	SetRemove(ctx context.Context, key string, members ...string) Result[int64]
	SetMembers(ctx context.Context, key string) Result[[]string]
	SetCard(ctx context.Context, key string) Result[int64]

	// Admit adds member to the set at setKey and bumps field in the sorted
	// set counterKey by one, atomically and only when member is new and the
	// counter is below limit (limit <= 0 means no limit). Repeating it is
	// harmless.
	Admit(ctx context.Context, setKey, member, counterKey, field string, limit int64) Result[Admission]
	// Evict undoes Admit once: it removes member and decrements field, never
	// below zero. It reports whether member was present.
	Evict(ctx context.Context, setKey, member, counterKey, field string) Result[bool]

	SortedSetAdd(ctx context.Context, key, member string, score float64) Result[Empty]
	SortedSetIncr(ctx context.Context, key, member string, delta float64) Result[float64]
	SortedSetRemove(ctx context.Context, key string, members ...string) Result[int64]
	SortedSetScore(ctx context.Context, key, member string) Result[float64]
	SortedSetRange(ctx context.Context, key string, q RangeQuery) Result[[]ScoredMember]

	Ping(ctx context.Context) error
}
