// Package coordinator puts the fast and the durable store behind one API.
//
// Room definitions and last-room hints live in both stores: reads go to the
// fast store and fall back to the durable one only when the fast store is
// unreachable, writes go to both. Live state (occupancy, member sets,
// sessions, nonces) lives only in the fast store; see ephemeral.go.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/internal/store"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
)

type Coordinator struct {
	fast    store.FastStore
	rooms   store.RoomStore
	durable store.RoomStore
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New wires the fast primitives, the fast room adapter and the durable room
// adapter together.
func New(fast store.FastStore, fastRooms, durable store.RoomStore, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		fast:    fast,
		rooms:   fastRooms,
		durable: durable,
		metrics: m,
		log:     logger.Component("coordinator"),
	}
}

func (c *Coordinator) Fast() store.FastStore { return c.fast }

func (c *Coordinator) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	fast := c.rooms.CreateRoom(ctx, room)
	durable := c.durable.CreateRoom(ctx, room)

	switch {
	case fast.OK() && durable.OK():
		return room, nil
	case durable.OK():
		c.fellBack(ctx, "create_room", fast.Err)
		return room, nil
	case fast.OK():
		c.log.WarnContext(ctx, "durable store missed room creation",
			"room_id", room.ID, "err", durable.Err)
		return room, nil
	}
	return domain.Room{}, c.fatal(ctx, "create_room", fast.Err, durable.Err)
}

func (c *Coordinator) GetRoom(ctx context.Context, id uuid.UUID) (domain.Room, error) {
	return read(ctx, c, "get_room", domain.ErrRoomNotFound,
		func(ctx context.Context) store.Result[domain.Room] { return c.rooms.GetRoom(ctx, id) },
		func(ctx context.Context) store.Result[domain.Room] { return c.durable.GetRoom(ctx, id) },
	)
}

func (c *Coordinator) ListRooms(ctx context.Context) ([]domain.Room, error) {
	return read(ctx, c, "list_rooms", domain.ErrNotFound, c.rooms.ListRooms, c.durable.ListRooms)
}

func (c *Coordinator) CountRoomsByCreator(ctx context.Context, userID uuid.UUID) (int, error) {
	return read(ctx, c, "count_rooms_by_creator", domain.ErrNotFound,
		func(ctx context.Context) store.Result[int] { return c.rooms.CountRoomsByCreator(ctx, userID) },
		func(ctx context.Context) store.Result[int] { return c.durable.CountRoomsByCreator(ctx, userID) },
	)
}

// DeleteRoom removes the definition from both stores. It is NotFound only
// when neither store knew the room.
func (c *Coordinator) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	return c.dualWrite(ctx, "delete_room", domain.ErrRoomNotFound,
		c.rooms.DeleteRoom(ctx, id),
		c.durable.DeleteRoom(ctx, id),
	)
}

func (c *Coordinator) TouchRoom(ctx context.Context, id uuid.UUID, at time.Time) error {
	return c.dualWrite(ctx, "touch_room", domain.ErrRoomNotFound,
		c.rooms.TouchRoom(ctx, id, at),
		c.durable.TouchRoom(ctx, id, at),
	)
}

// LastRoom returns the room the user joined most recently, if remembered.
func (c *Coordinator) LastRoom(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	id, err := read(ctx, c, "get_last_room", domain.ErrNotFound,
		func(ctx context.Context) store.Result[uuid.UUID] { return c.rooms.GetLastRoom(ctx, userID) },
		func(ctx context.Context) store.Result[uuid.UUID] { return c.durable.GetLastRoom(ctx, userID) },
	)
	switch {
	case err == nil:
		return id, true, nil
	case isNotFound(err):
		return uuid.Nil, false, nil
	}
	return uuid.Nil, false, err
}

func (c *Coordinator) RememberRoom(ctx context.Context, userID, roomID uuid.UUID) error {
	return c.dualWrite(ctx, "set_last_room", domain.ErrNotFound,
		c.rooms.SetLastRoom(ctx, userID, roomID),
		c.durable.SetLastRoom(ctx, userID, roomID),
	)
}

// Health pings both stores.
func (c *Coordinator) Health(ctx context.Context) (fastErr, durableErr error) {
	return c.fast.Ping(ctx), c.durable.Ping(ctx)
}

func read[T any](
	ctx context.Context,
	c *Coordinator,
	op string,
	notFound error,
	fast, durable func(context.Context) store.Result[T],
) (T, error) {
	var zero T

	res := fast(ctx)
	switch res.Status {
	case store.StatusOK:
		return res.Value, nil
	case store.StatusNotFound:
		return zero, notFound
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	c.fellBack(ctx, op, res.Err)
	fastErr := res.Err

	res = durable(ctx)
	switch res.Status {
	case store.StatusOK:
		return res.Value, nil
	case store.StatusNotFound:
		return zero, notFound
	}
	return zero, c.fatal(ctx, op, fastErr, res.Err)
}

func (c *Coordinator) dualWrite(ctx context.Context, op string, notFound error, fast, durable store.Result[store.Empty]) error {
	switch {
	case fast.OK() || durable.OK():
		if fast.Unavailable() {
			c.fellBack(ctx, op, fast.Err)
		}
		if durable.Unavailable() {
			c.log.WarnContext(ctx, "durable store missed write", "op", op, "err", durable.Err)
		}
		return nil
	case fast.Unavailable() && durable.Unavailable():
		return c.fatal(ctx, op, fast.Err, durable.Err)
	}
	// neither succeeded and at least one reported a logical miss
	return notFound
}

func (c *Coordinator) fellBack(ctx context.Context, op string, err error) {
	c.metrics.Fallback(op)
	c.log.WarnContext(ctx, "fast store unavailable, using durable store", "op", op, "err", err)
}

func (c *Coordinator) fatal(ctx context.Context, op string, fastErr, durableErr error) error {
	c.log.ErrorContext(ctx, "both stores unavailable", "op", op, "fast_err", fastErr, "durable_err", durableErr)
	return fmt.Errorf("%s: %w: fast: %v; durable: %v", op, domain.ErrStoreFatal, fastErr, durableErr)
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
