package domain

import "errors"

// Error kinds. Every error surfaced by the core wraps exactly one of them.
var (
	ErrNotFound       = errors.New("not found")
	ErrCapacity       = errors.New("capacity exceeded")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrConflict       = errors.New("conflict")
	ErrStoreTransient = errors.New("store temporarily unavailable")
	ErrStoreFatal     = errors.New("stores unavailable")
)

var (
	ErrRoomNotFound    = kind(ErrNotFound, "room not found")
	ErrSessionNotFound = kind(ErrNotFound, "session not found")
	ErrRoomFull        = kind(ErrCapacity, "room is full")
	ErrBadPassword     = kind(ErrUnauthorized, "invalid room password")
	ErrStaleTimestamp  = kind(ErrUnauthorized, "timestamp outside replay window")
	ErrReplayedNonce   = kind(ErrUnauthorized, "nonce already used")
	ErrJoinInProgress  = kind(ErrConflict, "user is joining another room")
	ErrPermanentRoom   = kind(ErrConflict, "default room cannot be deleted")
	ErrRoomQuota       = kind(ErrConflict, "user room quota exhausted")
	ErrInvalidRoom     = errors.New("invalid room attributes")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func kind(k error, msg string) error {
	return &kindError{kind: k, msg: msg}
}

// Retryable reports whether err is a store fault rather than a business outcome.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreTransient)
}
