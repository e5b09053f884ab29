package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	defaultCallTimeout = 10 * time.Second
	requestIDHeader    = "x-request-id"
)

// UnaryServerInterceptor recovers panics, gives calls without a deadline a
// default one and turns domain errors into gRPC statuses.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	log := logger.Component("grpc")
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				log.ErrorContext(ctx, "grpc unary panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			err = toStatus(err)
			logCall(ctx, log, "grpc unary", info.FullMethod, start, err)
		}()

		return handler(ctx, req)
	}
}

// Health Watch is the only stream; it lives as long as the client wants.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	log := logger.Component("grpc")
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()
		ctx := ss.Context()

		defer func() {
			if r := recover(); r != nil {
				log.ErrorContext(ctx, "grpc stream panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			err = toStatus(err)
			logCall(ctx, log, "grpc stream", info.FullMethod, start, err)
		}()

		return handler(srv, ss)
	}
}

// logCall logs client faults at debug and server faults at warn or error.
func logCall(ctx context.Context, log *slog.Logger, msg, method string, start time.Time, err error) {
	code := status.Code(err)
	attrs := []any{
		"method", method,
		"dur_ms", time.Since(start).Milliseconds(),
		"code", code.String(),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer", p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDHeader); len(ids) > 0 {
			attrs = append(attrs, "request_id", ids[0])
		}
	}

	switch code {
	case codes.OK, codes.Canceled, codes.NotFound, codes.InvalidArgument,
		codes.PermissionDenied, codes.FailedPrecondition, codes.ResourceExhausted:
		log.DebugContext(ctx, msg, attrs...)
	case codes.Unavailable, codes.DeadlineExceeded:
		log.WarnContext(ctx, msg, append(attrs, "err", err)...)
	default:
		log.ErrorContext(ctx, msg, append(attrs, "err", err)...)
	}
}

// toStatus maps domain error kinds onto gRPC codes. Errors that already carry
// a status pass through untouched.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, domain.ErrInvalidRoom):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrCapacity):
		code = codes.ResourceExhausted
	case errors.Is(err, domain.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, domain.ErrConflict):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrStoreFatal), errors.Is(err, domain.ErrStoreTransient):
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal server error")
	}
	return status.Error(code, err.Error())
}
