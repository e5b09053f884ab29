// Package grpcx exposes the standard gRPC health service. Its status follows
// the reachability of the fast and the durable store.
package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Per-store service names; the empty name is the overall status.
const (
	ServiceFast    = "presence.fast_store"
	ServiceDurable = "presence.durable_store"
)

type Checker func(ctx context.Context) (fastErr, durableErr error)

type Health struct {
	srv      *health.Server
	check    Checker
	interval time.Duration
	log      *slog.Logger
}

func NewHealth(check Checker, interval time.Duration) *Health {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Health{
		srv:      health.NewServer(),
		check:    check,
		interval: interval,
		log:      logger.Component("grpc_health"),
	}
}

func (h *Health) Server() healthpb.HealthServer { return h.srv }

// Probe pings both stores once and publishes the result. The service keeps
// serving while one store is up: reads fall back and writes need only one.
func (h *Health) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	fastErr, durableErr := h.check(ctx)

	h.srv.SetServingStatus(ServiceFast, serving(fastErr))
	h.srv.SetServingStatus(ServiceDurable, serving(durableErr))

	overall := healthpb.HealthCheckResponse_SERVING
	if fastErr != nil && durableErr != nil {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
		h.log.WarnContext(ctx, "both stores unreachable", "fast_err", fastErr, "durable_err", durableErr)
	}
	h.srv.SetServingStatus("", overall)
	return overall
}

// Run probes until ctx is cancelled, then marks everything NOT_SERVING.
func (h *Health) Run(ctx context.Context) error {
	h.Probe(ctx)

	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, h.interval)
			h.Probe(pctx)
			cancel()
		}
	}
}

func serving(err error) healthpb.HealthCheckResponse_ServingStatus {
	if err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
