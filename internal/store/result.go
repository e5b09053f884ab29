// Package store defines the ports shared by the fast (Redis) and durable
// (PostgreSQL) adapters. Adapters never return raw driver errors to callers;
// they classify every outcome into a Result.
package store

import "fmt"

type Status uint8

const (
	StatusOK Status = iota
	StatusNotFound
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result is the tagged outcome of a store call. Err is set only for
// StatusUnavailable.
type Result[T any] struct {
	Value  T
	Status Status
	Err    error
}

func OK[T any](v T) Result[T] {
	return Result[T]{Value: v, Status: StatusOK}
}

func NotFound[T any]() Result[T] {
	return Result[T]{Status: StatusNotFound}
}

func Unavailable[T any](err error) Result[T] {
	return Result[T]{Status: StatusUnavailable, Err: err}
}

func (r Result[T]) OK() bool          { return r.Status == StatusOK }
func (r Result[T]) NotFound() bool    { return r.Status == StatusNotFound }
func (r Result[T]) Unavailable() bool { return r.Status == StatusUnavailable }

// Map converts the value of an OK result, keeping the status otherwise.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.Status != StatusOK {
		return Result[U]{Status: r.Status, Err: r.Err}
	}
	return OK(fn(r.Value))
}

// Empty is the value of results that carry no payload.
type Empty struct{}
