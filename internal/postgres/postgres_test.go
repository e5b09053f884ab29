package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r.values[i].(uuid.UUID)
		case **uuid.UUID:
			*p, _ = r.values[i].(*uuid.UUID)
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeDB struct {
	row     fakeRow
	execTag pgconn.CommandTag
	execErr error
	lastSQL string
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	return f.execTag, f.execErr
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.lastSQL = sql
	return f.row
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
}

func (f *fakeDB) Ping(context.Context) error { return f.execErr }

func TestRoomRepository_GetRoom(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	db := &fakeDB{row: fakeRow{values: []any{id, "Lobby", "system", 50, (*uuid.UUID)(nil), "", true, now, now}}}
	repo := NewRoomRepository(db)

	res := repo.GetRoom(context.Background(), id)
	require.True(t, res.OK())
	assert.Equal(t, id, res.Value.ID)
	assert.Equal(t, domain.RoomSystem, res.Value.Kind)
	assert.True(t, res.Value.Permanent)
	assert.Nil(t, res.Value.CreatedBy)
	assert.Equal(t, time.UTC, res.Value.CreatedAt.Location())
	assert.Equal(t, qGetRoom, db.lastSQL)
}

func TestRoomRepository_GetRoom_NotFoundAndFault(t *testing.T) {
	repo := NewRoomRepository(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})
	assert.True(t, repo.GetRoom(context.Background(), uuid.New()).NotFound())

	boom := errors.New("conn closed")
	repo = NewRoomRepository(&fakeDB{row: fakeRow{err: boom}})
	res := repo.GetRoom(context.Background(), uuid.New())
	assert.True(t, res.Unavailable())
	assert.ErrorIs(t, res.Err, boom)
}

func TestRoomRepository_GetRoom_UnknownKind(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	repo := NewRoomRepository(&fakeDB{row: fakeRow{values: []any{id, "x", "secret", 5, (*uuid.UUID)(nil), "", false, now, now}}})
	assert.True(t, repo.GetRoom(context.Background(), id).Unavailable())
}

func TestRoomRepository_Touch(t *testing.T) {
	db := &fakeDB{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewRoomRepository(db)
	assert.True(t, repo.TouchRoom(context.Background(), uuid.New(), time.Now()).NotFound())

	db.execTag = pgconn.NewCommandTag("UPDATE 1")
	assert.True(t, repo.TouchRoom(context.Background(), uuid.New(), time.Now()).OK())
	assert.Equal(t, qTouchRoom, db.lastSQL)
}

func TestRoomRepository_DeleteBeginFails(t *testing.T) {
	repo := NewRoomRepository(&fakeDB{})
	assert.True(t, repo.DeleteRoom(context.Background(), uuid.New()).Unavailable())
}

func TestIsConnectivity(t *testing.T) {
	assert.False(t, IsConnectivity(nil))
	assert.False(t, IsConnectivity(pgx.ErrNoRows))
	assert.True(t, IsConnectivity(&pgconn.ConnectError{}))
	assert.True(t, IsConnectivity(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsConnectivity(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, IsConnectivity(&pgconn.PgError{Code: "23505"}))
}

func TestMigrate_Validation(t *testing.T) {
	assert.Error(t, Migrate("", "up"))
	assert.Error(t, Migrate("postgres://localhost/x", "sideways"))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
