package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type Server struct {
	addr string
	srv  *grpc.Server
	log  *slog.Logger
}

func NewServer(addr string, h *Health) *Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(srv, h.Server())
	reflection.Register(srv)

	return &Server{addr: addr, srv: srv, log: logger.Component("grpc")}
}

func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listen", "addr", lis.Addr().String())
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown drains in-flight calls, falling back to a hard stop when ctx
// expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.srv.Stop()
		return ctx.Err()
	}
}
