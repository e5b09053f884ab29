package store

import "github.com/google/uuid"

// Key layout of the fast store. Everything under these keys except room
// records and last-room hints is ephemeral.
const (
	KeyRoomIndex     = "rooms:index"     // zset room id -> created_at unix
	KeyRoomOccupancy = "rooms:occupancy" // zset room id -> live occupancy
	KeyRoomSeq       = "rooms:seq"       // counter for generated names
	KeyOnline        = "presence:online" // set of online user ids
)

func RoomKey(id uuid.UUID) string        { return "room:" + id.String() }
func RoomMembersKey(id uuid.UUID) string { return "room:" + id.String() + ":members" }
func RoomSessionsKey(id uuid.UUID) string {
	return "room:" + id.String() + ":sessions"
}
func CreatorKey(userID uuid.UUID) string  { return "rooms:creator:" + userID.String() }
func MemberKey(userID uuid.UUID) string   { return "member:" + userID.String() }
func LastRoomKey(userID uuid.UUID) string { return "lastroom:" + userID.String() }
func SessionKey(sessionID string) string  { return "session:" + sessionID }
func UserSessionsKey(userID uuid.UUID) string {
	return "user:" + userID.String() + ":sessions"
}
func NonceKey(nonce string) string { return "nonce:" + nonce }
