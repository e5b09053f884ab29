// Package reaper deletes rooms that have been empty for longer than the
// idle TTL. The permanent default room is never touched.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/coordinator"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"go.uber.org/multierr"
)

type Reaper struct {
	store    *coordinator.Coordinator
	idleTTL  time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func New(store *coordinator.Coordinator, idleTTL, interval time.Duration, m *metrics.Metrics) *Reaper {
	return &Reaper{
		store:    store,
		idleTTL:  idleTTL,
		interval: interval,
		metrics:  m,
		log:      logger.Component("reaper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is done. A failed sweep is logged and
// retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.log.InfoContext(ctx, "reaper started", "interval", r.interval, "idle_ttl", r.idleTTL)
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "reaper stopped")
			return nil
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.log.WarnContext(ctx, "sweep incomplete", "reaped", n, "err", err)
				continue
			}
			if n > 0 {
				r.log.InfoContext(ctx, "sweep done", "reaped", n)
			}
		}
	}
}

// Sweep deletes every room that is empty, idle past the TTL and not
// permanent. It returns how many rooms were deleted.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	// a degraded (all-zero) read would make every room look empty
	occ, err := r.store.OccupancySnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("occupancy snapshot: %w", err)
	}
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("list rooms: %w", err)
	}

	cutoff := r.now().Add(-r.idleTTL)
	var (
		reaped int
		errs   error
	)
	for _, room := range rooms {
		if room.Permanent || occ[room.ID] > 0 || !room.LastActiveAt.Before(cutoff) {
			continue
		}
		ok, err := r.reap(ctx, room)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("room %s: %w", room.ID, err))
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, errs
}

// reap deletes one room. The snapshot may be stale by now, so occupancy is
// read again right before the delete and a room someone joined is kept.
func (r *Reaper) reap(ctx context.Context, room domain.Room) (bool, error) {
	n, err := r.store.OccupancyOf(ctx, room.ID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		r.log.DebugContext(ctx, "room joined since snapshot, kept", "room_id", room.ID, "occupancy", n)
		return false, nil
	}
	if err := r.store.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if err := r.store.PurgeRoomState(ctx, room.ID); err != nil {
		return false, err
	}
	r.metrics.RoomReaped()
	r.log.InfoContext(ctx, "room reaped", "room_id", room.ID, "name", room.Name, "idle_since", room.LastActiveAt)
	return true, nil
}
