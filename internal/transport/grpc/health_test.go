package grpcx

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type stores struct {
	mu            sync.Mutex
	fast, durable error
}

func (s *stores) set(fast, durable error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fast, s.durable = fast, durable
}

func (s *stores) check(context.Context) (error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fast, s.durable
}

func dialHealth(t *testing.T, h *Health) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer("", h)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func servingStatus(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_FollowsStores(t *testing.T) {
	st := &stores{}
	h := NewHealth(st.check, time.Hour)
	client := dialHealth(t, h)

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Probe(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ""))

	st.set(errors.New("redis down"), nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Probe(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, client, ServiceFast))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, client, ServiceDurable))

	st.set(errors.New("redis down"), errors.New("pg down"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Probe(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, client, ""))
}

func TestHealth_RunStopsOnCancel(t *testing.T) {
	st := &stores{}
	h := NewHealth(st.check, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("health loop did not stop")
	}
}
