package postgres

const (
	qInsertRoom = `
		INSERT INTO rooms (id, name, kind, max_users, created_by, password_hash, permanent, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			max_users = EXCLUDED.max_users,
			password_hash = EXCLUDED.password_hash,
			last_active_at = EXCLUDED.last_active_at`

	roomColumns = `id, name, kind, max_users, created_by, password_hash, permanent, created_at, last_active_at`

	qGetRoom = `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`

	qListRooms = `SELECT ` + roomColumns + ` FROM rooms ORDER BY created_at ASC, id ASC`

	qDeleteLastRooms = `DELETE FROM user_last_room WHERE room_id = $1`

	qDeleteRoom = `DELETE FROM rooms WHERE id = $1`

	qTouchRoom = `UPDATE rooms SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`

	qCountByCreator = `SELECT COUNT(*) FROM rooms WHERE created_by = $1`

	qGetLastRoom = `SELECT room_id FROM user_last_room WHERE user_id = $1`

	qSetLastRoom = `
		INSERT INTO user_last_room (user_id, room_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET room_id = EXCLUDED.room_id, updated_at = now()`
)
