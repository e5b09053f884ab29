package postgres

import (
	"errors"

	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps a pgx error to a tagged outcome. pgx.ErrNoRows is the only
// logical miss; the durable store is the last resort, so every other failure
// is reported as Unavailable and carries the original error.
func classify[T any](v T, err error) store.Result[T] {
	switch {
	case err == nil:
		return store.OK(v)
	case errors.Is(err, pgx.ErrNoRows):
		return store.NotFound[T]()
	default:
		return store.Unavailable[T](err)
	}
}

// IsConnectivity reports whether err looks like a transport-level fault
// (connection refused, admin shutdown, too many connections) rather than a
// query problem. Used to pick the log level.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
	}
	return false
}
