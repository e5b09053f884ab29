package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var touchRoom = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'last_active_at', ARGV[1])
	return 1
end
return 0
`)

const (
	fID         = "id"
	fName       = "name"
	fKind       = "kind"
	fMaxUsers   = "max_users"
	fCreatedBy  = "created_by"
	fPassword   = "password_hash"
	fPermanent  = "permanent"
	fCreatedAt  = "created_at"
	fLastActive = "last_active_at"
)

// RoomStore keeps room records as Redis hashes indexed by a creation-time
// sorted set. It is the fast adapter of store.RoomStore.
type RoomStore struct {
	rdb redis.UniversalClient
}

var _ store.RoomStore = (*RoomStore)(nil)

func NewRoomStore(rdb redis.UniversalClient) *RoomStore {
	return &RoomStore{rdb: rdb}
}

func (s *RoomStore) CreateRoom(ctx context.Context, room domain.Room) store.Result[domain.Room] {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, store.RoomKey(room.ID), encodeRoom(room))
		p.ZAdd(ctx, store.KeyRoomIndex, redis.Z{Score: float64(room.CreatedAt.Unix()), Member: room.ID.String()})
		p.ZAddNX(ctx, store.KeyRoomOccupancy, redis.Z{Score: 0, Member: room.ID.String()})
		if room.CreatedBy != nil {
			p.SAdd(ctx, store.CreatorKey(*room.CreatedBy), room.ID.String())
		}
		return nil
	})
	return classify(room, err)
}

func (s *RoomStore) GetRoom(ctx context.Context, id uuid.UUID) store.Result[domain.Room] {
	fields, err := s.rdb.HGetAll(ctx, store.RoomKey(id)).Result()
	if err != nil {
		return classify(domain.Room{}, err)
	}
	if len(fields) == 0 {
		return store.NotFound[domain.Room]()
	}
	room, err := decodeRoom(fields)
	if err != nil {
		return store.Unavailable[domain.Room](err)
	}
	return store.OK(room)
}

func (s *RoomStore) ListRooms(ctx context.Context) store.Result[[]domain.Room] {
	ids, err := s.rdb.ZRange(ctx, store.KeyRoomIndex, 0, -1).Result()
	if err != nil {
		return classify[[]domain.Room](nil, err)
	}
	if len(ids) == 0 {
		return store.OK([]domain.Room{})
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, "room:"+id)
		}
		return nil
	})
	if err != nil {
		return classify[[]domain.Room](nil, err)
	}

	out := make([]domain.Room, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// deleted between the index read and the record read
			continue
		}
		room, err := decodeRoom(fields)
		if err != nil {
			return store.Unavailable[[]domain.Room](err)
		}
		out = append(out, room)
	}
	return store.OK(out)
}

func (s *RoomStore) DeleteRoom(ctx context.Context, id uuid.UUID) store.Result[store.Empty] {
	key := store.RoomKey(id)
	creator, err := s.rdb.HGet(ctx, key, fCreatedBy).Result()
	if err != nil {
		return classify(store.Empty{}, err)
	}

	var deleted *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, key)
		p.ZRem(ctx, store.KeyRoomIndex, id.String())
		if uid, err := uuid.Parse(creator); err == nil {
			p.SRem(ctx, store.CreatorKey(uid), id.String())
		}
		return nil
	})
	if err != nil {
		return classify(store.Empty{}, err)
	}
	if deleted.Val() == 0 {
		return store.NotFound[store.Empty]()
	}
	return store.OK(store.Empty{})
}

func (s *RoomStore) TouchRoom(ctx context.Context, id uuid.UUID, at time.Time) store.Result[store.Empty] {
	n, err := touchRoom.Run(ctx, s.rdb, []string{store.RoomKey(id)}, formatTime(at)).Int64()
	if err != nil {
		return classify(store.Empty{}, err)
	}
	if n == 0 {
		return store.NotFound[store.Empty]()
	}
	return store.OK(store.Empty{})
}

func (s *RoomStore) CountRoomsByCreator(ctx context.Context, userID uuid.UUID) store.Result[int] {
	n, err := s.rdb.SCard(ctx, store.CreatorKey(userID)).Result()
	return classify(int(n), err)
}

func (s *RoomStore) GetLastRoom(ctx context.Context, userID uuid.UUID) store.Result[uuid.UUID] {
	v, err := s.rdb.Get(ctx, store.LastRoomKey(userID)).Result()
	if err != nil {
		return classify(uuid.Nil, err)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return store.NotFound[uuid.UUID]()
	}
	return store.OK(id)
}

func (s *RoomStore) SetLastRoom(ctx context.Context, userID, roomID uuid.UUID) store.Result[store.Empty] {
	err := s.rdb.Set(ctx, store.LastRoomKey(userID), roomID.String(), 0).Err()
	return classify(store.Empty{}, err)
}

func (s *RoomStore) Ping(ctx context.Context) error {
	return ping(ctx, s.rdb)
}

func encodeRoom(r domain.Room) map[string]any {
	createdBy := ""
	if r.CreatedBy != nil {
		createdBy = r.CreatedBy.String()
	}
	return map[string]any{
		fID:         r.ID.String(),
		fName:       r.Name,
		fKind:       string(r.Kind),
		fMaxUsers:   r.MaxUsers,
		fCreatedBy:  createdBy,
		fPassword:   r.PasswordHash,
		fPermanent:  strconv.FormatBool(r.Permanent),
		fCreatedAt:  formatTime(r.CreatedAt),
		fLastActive: formatTime(r.LastActiveAt),
	}
}

func decodeRoom(f map[string]string) (domain.Room, error) {
	var (
		r   domain.Room
		err error
	)
	if r.ID, err = uuid.Parse(f[fID]); err != nil {
		return r, fmt.Errorf("decode room id: %w", err)
	}
	r.Name = f[fName]
	r.Kind = domain.RoomKind(f[fKind])
	if r.MaxUsers, err = strconv.Atoi(f[fMaxUsers]); err != nil {
		return r, fmt.Errorf("decode room %s max_users: %w", r.ID, err)
	}
	if v := f[fCreatedBy]; v != "" {
		owner, err := uuid.Parse(v)
		if err != nil {
			return r, fmt.Errorf("decode room %s created_by: %w", r.ID, err)
		}
		r.CreatedBy = &owner
	}
	r.PasswordHash = f[fPassword]
	r.Permanent = f[fPermanent] == "true"
	if r.CreatedAt, err = parseTime(f[fCreatedAt]); err != nil {
		return r, fmt.Errorf("decode room %s created_at: %w", r.ID, err)
	}
	if r.LastActiveAt, err = parseTime(f[fLastActive]); err != nil {
		return r, fmt.Errorf("decode room %s last_active_at: %w", r.ID, err)
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	ns, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}
