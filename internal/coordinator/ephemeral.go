package coordinator

import (
	"context"
	"fmt"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/google/uuid"
)

// Live state has no durable copy. Reads below degrade to zero values while
// the fast store is down; writes and the strict reads return ErrStoreFatal.

// EphemeralFault wraps a fast-store failure on live state.
func EphemeralFault(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreFatal, err)
}

// MembershipOf returns the room the user currently holds, if any.
func (c *Coordinator) MembershipOf(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	res := c.fast.Get(ctx, store.MemberKey(userID))
	switch res.Status {
	case store.StatusNotFound:
		return uuid.Nil, false, nil
	case store.StatusUnavailable:
		return uuid.Nil, false, EphemeralFault("get_membership", res.Err)
	}
	id, err := uuid.Parse(res.Value)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("get_membership: corrupt value %q: %w", res.Value, err)
	}
	return id, true, nil
}

// ClaimMembership sets the user's room only if the user holds none.
func (c *Coordinator) ClaimMembership(ctx context.Context, userID, roomID uuid.UUID) (bool, error) {
	res := c.fast.SetNX(ctx, store.MemberKey(userID), roomID.String(), 0)
	if res.Unavailable() {
		return false, EphemeralFault("claim_membership", res.Err)
	}
	return res.Value, nil
}

// ReleaseMembership drops the user's membership only while it still points
// at roomID.
func (c *Coordinator) ReleaseMembership(ctx context.Context, userID, roomID uuid.UUID) (bool, error) {
	res := c.fast.DeleteIfValue(ctx, store.MemberKey(userID), roomID.String())
	if res.Unavailable() {
		return false, EphemeralFault("release_membership", res.Err)
	}
	return res.Value, nil
}

// AdmitMember counts the user into the room's member set and occupancy in
// one step, unless the room already holds maxUsers. Admitting a member twice
// counts it once, so a retry after a lost reply cannot inflate occupancy.
func (c *Coordinator) AdmitMember(ctx context.Context, roomID, userID uuid.UUID, maxUsers int) (store.Admission, error) {
	res := c.fast.Admit(ctx, store.RoomMembersKey(roomID), userID.String(),
		store.KeyRoomOccupancy, roomID.String(), int64(maxUsers))
	if !res.OK() {
		return store.Admission{}, EphemeralFault("admit_member", res.Err)
	}
	return res.Value, nil
}

// EvictMember reverses AdmitMember. It is safe to call whether or not the
// admission landed.
func (c *Coordinator) EvictMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	res := c.fast.Evict(ctx, store.RoomMembersKey(roomID), userID.String(),
		store.KeyRoomOccupancy, roomID.String())
	if !res.OK() {
		return false, EphemeralFault("evict_member", res.Err)
	}
	return res.Value, nil
}

// NextRoomSeq hands out the number used in generated room names. While the
// fast store is down it derives one from the durable room count.
func (c *Coordinator) NextRoomSeq(ctx context.Context) (int64, error) {
	res := c.fast.Incr(ctx, store.KeyRoomSeq, 1)
	if res.OK() {
		return res.Value, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.fellBack(ctx, "next_room_seq", res.Err)
	rooms := c.durable.ListRooms(ctx)
	if !rooms.OK() {
		return 0, c.fatal(ctx, "next_room_seq", res.Err, rooms.Err)
	}
	return int64(len(rooms.Value)) + 1, nil
}

// Occupancy is 0 for unknown rooms and while the fast store is down.
func (c *Coordinator) Occupancy(ctx context.Context, roomID uuid.UUID) int {
	res := c.fast.SortedSetScore(ctx, store.KeyRoomOccupancy, roomID.String())
	if res.Unavailable() {
		c.degraded(ctx, "occupancy", res.Err)
	}
	return int(res.Value)
}

// OccupancyOf is the strict variant of Occupancy.
func (c *Coordinator) OccupancyOf(ctx context.Context, roomID uuid.UUID) (int, error) {
	res := c.fast.SortedSetScore(ctx, store.KeyRoomOccupancy, roomID.String())
	if res.Unavailable() {
		return 0, EphemeralFault("occupancy", res.Err)
	}
	return int(res.Value), nil
}

// Occupancies maps every tracked room to its live occupancy, degrading to an
// empty map.
func (c *Coordinator) Occupancies(ctx context.Context) map[uuid.UUID]int {
	occ, err := c.OccupancySnapshot(ctx)
	if err != nil {
		c.degraded(ctx, "occupancies", err)
		return map[uuid.UUID]int{}
	}
	return occ
}

// OccupancySnapshot is the strict variant of Occupancies for callers that
// must not mistake an outage for empty rooms.
func (c *Coordinator) OccupancySnapshot(ctx context.Context) (map[uuid.UUID]int, error) {
	res := c.fast.SortedSetRange(ctx, store.KeyRoomOccupancy, store.RangeQuery{Order: store.Descending})
	if res.Unavailable() {
		return nil, EphemeralFault("occupancy_snapshot", res.Err)
	}
	out := make(map[uuid.UUID]int, len(res.Value))
	for _, m := range res.Value {
		id, err := uuid.Parse(m.Member)
		if err != nil {
			continue
		}
		out[id] = int(m.Score)
	}
	return out, nil
}

func (c *Coordinator) Members(ctx context.Context, roomID uuid.UUID) []uuid.UUID {
	res := c.fast.SetMembers(ctx, store.RoomMembersKey(roomID))
	if res.Unavailable() {
		c.degraded(ctx, "members", res.Err)
		return nil
	}
	return parseIDs(res.Value)
}

// PurgeRoomState drops every live artifact that still references the room.
func (c *Coordinator) PurgeRoomState(ctx context.Context, roomID uuid.UUID) error {
	members := c.fast.SetMembers(ctx, store.RoomMembersKey(roomID))
	if members.Unavailable() {
		return EphemeralFault("purge_room", members.Err)
	}
	for _, uid := range parseIDs(members.Value) {
		if _, err := c.ReleaseMembership(ctx, uid, roomID); err != nil {
			return err
		}
	}
	if res := c.fast.Delete(ctx, store.RoomMembersKey(roomID), store.RoomSessionsKey(roomID)); res.Unavailable() {
		return EphemeralFault("purge_room", res.Err)
	}
	if res := c.fast.SortedSetRemove(ctx, store.KeyRoomOccupancy, roomID.String()); res.Unavailable() {
		return EphemeralFault("purge_room", res.Err)
	}
	return nil
}

func (c *Coordinator) degraded(ctx context.Context, op string, err error) {
	c.log.WarnContext(ctx, "fast store unavailable, returning empty live state", "op", op, "err", err)
}

func parseIDs(raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
