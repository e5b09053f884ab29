package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ConnectWait bounds how long Connect keeps retrying the first ping.
	ConnectWait time.Duration
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// Connect creates a client and waits, with exponential backoff, until Redis
// answers a ping or ConnectWait elapses.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := NewClient(cfg)

	wait := cfg.ConnectWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		pong, err := rdb.Ping(ctx).Result()
		if err != nil {
			slog.Warn("redis ping failed", "addr", cfg.Addr, "attempt", attempt, "err", err)
		}
		return pong, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(wait),
	)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// classify turns a go-redis reply into a tagged outcome. redis.Nil is the
// only logical miss; everything else is treated as a connectivity fault.
func classify[T any](v T, err error) store.Result[T] {
	switch {
	case err == nil:
		return store.OK(v)
	case errors.Is(err, redis.Nil):
		return store.NotFound[T]()
	default:
		return store.Unavailable[T](err)
	}
}

func ping(ctx context.Context, rdb redis.UniversalClient) error {
	return rdb.Ping(ctx).Err()
}
