package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RoomRepository is the durable adapter of store.RoomStore. It owns room
// definitions and the last room each user joined.
type RoomRepository struct {
	db beginner
}

var _ store.RoomStore = (*RoomRepository)(nil)

func NewRoomRepository(db beginner) *RoomRepository {
	return &RoomRepository{db: db}
}

func (r *RoomRepository) CreateRoom(ctx context.Context, room domain.Room) store.Result[domain.Room] {
	_, err := r.db.Exec(ctx, qInsertRoom,
		room.ID,
		room.Name,
		string(room.Kind),
		room.MaxUsers,
		room.CreatedBy,
		room.PasswordHash,
		room.Permanent,
		room.CreatedAt,
		room.LastActiveAt,
	)
	return classify(room, err)
}

func (r *RoomRepository) GetRoom(ctx context.Context, id uuid.UUID) store.Result[domain.Room] {
	room, err := scanRoom(r.db.QueryRow(ctx, qGetRoom, id))
	return classify(room, err)
}

func (r *RoomRepository) ListRooms(ctx context.Context) store.Result[[]domain.Room] {
	rows, err := r.db.Query(ctx, qListRooms)
	if err != nil {
		return classify[[]domain.Room](nil, err)
	}
	defer rows.Close()

	out := make([]domain.Room, 0, 16)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return classify[[]domain.Room](nil, err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return classify[[]domain.Room](nil, err)
	}
	return store.OK(out)
}

func (r *RoomRepository) DeleteRoom(ctx context.Context, id uuid.UUID) store.Result[store.Empty] {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return classify(store.Empty{}, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, qDeleteLastRooms, id); err != nil {
		return classify(store.Empty{}, err)
	}
	cmd, err := tx.Exec(ctx, qDeleteRoom, id)
	if err != nil {
		return classify(store.Empty{}, err)
	}
	if cmd.RowsAffected() == 0 {
		return store.NotFound[store.Empty]()
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(store.Empty{}, err)
	}
	return store.OK(store.Empty{})
}

func (r *RoomRepository) TouchRoom(ctx context.Context, id uuid.UUID, at time.Time) store.Result[store.Empty] {
	cmd, err := r.db.Exec(ctx, qTouchRoom, id, at)
	if err != nil {
		return classify(store.Empty{}, err)
	}
	if cmd.RowsAffected() == 0 {
		return store.NotFound[store.Empty]()
	}
	return store.OK(store.Empty{})
}

func (r *RoomRepository) CountRoomsByCreator(ctx context.Context, userID uuid.UUID) store.Result[int] {
	var n int
	err := r.db.QueryRow(ctx, qCountByCreator, userID).Scan(&n)
	return classify(n, err)
}

func (r *RoomRepository) GetLastRoom(ctx context.Context, userID uuid.UUID) store.Result[uuid.UUID] {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, qGetLastRoom, userID).Scan(&id)
	return classify(id, err)
}

func (r *RoomRepository) SetLastRoom(ctx context.Context, userID, roomID uuid.UUID) store.Result[store.Empty] {
	_, err := r.db.Exec(ctx, qSetLastRoom, userID, roomID)
	return classify(store.Empty{}, err)
}

func (r *RoomRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func scanRoom(row pgx.Row) (domain.Room, error) {
	var (
		rm   domain.Room
		kind string
	)
	err := row.Scan(
		&rm.ID,
		&rm.Name,
		&kind,
		&rm.MaxUsers,
		&rm.CreatedBy,
		&rm.PasswordHash,
		&rm.Permanent,
		&rm.CreatedAt,
		&rm.LastActiveAt,
	)
	if err != nil {
		return domain.Room{}, err
	}
	rm.Kind = domain.RoomKind(kind)
	if !rm.Kind.Valid() {
		return domain.Room{}, fmt.Errorf("room %s: unknown kind %q", rm.ID, kind)
	}
	rm.CreatedAt = rm.CreatedAt.UTC()
	rm.LastActiveAt = rm.LastActiveAt.UTC()
	return rm, nil
}
