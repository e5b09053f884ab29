// Package replay rejects inbound envelopes whose nonce was already used or
// whose timestamp lies outside the accepted window.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/metrics"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

// NonceStore records a nonce once. Remember reports false when the nonce was
// already present.
type NonceStore interface {
	Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type Guard struct {
	nonces  NonceStore
	window  time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewGuard(nonces NonceStore, window time.Duration, m *metrics.Metrics) *Guard {
	return &Guard{
		nonces:  nonces,
		window:  window,
		metrics: m,
		log:     logger.Component("replay"),
		now:     time.Now,
	}
}

// Check returns nil for a fresh envelope and an error wrapping
// domain.ErrUnauthorized otherwise, including when the nonce store fails.
func (g *Guard) Check(ctx context.Context, nonce string, claimedUnix int64) error {
	if nonce == "" {
		g.metrics.ReplayRejected("missing_nonce")
		return fmt.Errorf("%w: empty nonce", domain.ErrUnauthorized)
	}

	skew := g.now().Sub(time.Unix(claimedUnix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		g.metrics.ReplayRejected("stale")
		return domain.ErrStaleTimestamp
	}

	fresh, err := g.nonces.Remember(ctx, nonce, g.window)
	if err != nil {
		g.metrics.ReplayRejected("store_error")
		g.log.WarnContext(ctx, "nonce store failed, rejecting", "err", err)
		return fmt.Errorf("%w: nonce store: %v", domain.ErrUnauthorized, err)
	}
	if !fresh {
		g.metrics.ReplayRejected("replay")
		return domain.ErrReplayedNonce
	}
	return nil
}

// Validate is Check as a boolean.
func (g *Guard) Validate(ctx context.Context, nonce string, claimedUnix int64) bool {
	return g.Check(ctx, nonce, claimedUnix) == nil
}
