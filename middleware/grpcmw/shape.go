package grpcmw

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flowlimit-go/flowlimit"
)

// ShapeCostFunc computes how many units of a flow a unary RPC consumes.
type ShapeCostFunc func(ctx context.Context, req any, info *grpc.UnaryServerInfo) int64

// StreamShapeCostFunc computes how many units of a flow a streaming RPC
// consumes.
type StreamShapeCostFunc func(ctx context.Context, info *grpc.StreamServerInfo) int64

// ShapeUnaryServerInterceptor returns a unary interceptor that blocks
// each call until the named flow admits it, instead of evaluating a
// per-key Limiter and rejecting immediately on denial.
func ShapeUnaryServerInterceptor(registry *flowlimit.Registry, flowName string, costFunc ShapeCostFunc) grpc.UnaryServerInterceptor {
	if registry == nil {
		registry = flowlimit.DefaultRegistry
	}
	if costFunc == nil {
		costFunc = func(context.Context, any, *grpc.UnaryServerInfo) int64 { return 1 }
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		cost := costFunc(ctx, req, info)
		if err := registry.Take(ctx, flowName, cost); err != nil {
			return nil, shapeError(err)
		}
		return handler(ctx, req)
	}
}

// ShapeStreamServerInterceptor returns a stream interceptor that blocks
// the call's establishment until the named flow admits it.
func ShapeStreamServerInterceptor(registry *flowlimit.Registry, flowName string, costFunc StreamShapeCostFunc) grpc.StreamServerInterceptor {
	if registry == nil {
		registry = flowlimit.DefaultRegistry
	}
	if costFunc == nil {
		costFunc = func(context.Context, *grpc.StreamServerInfo) int64 { return 1 }
	}

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		cost := costFunc(ctx, info)
		if err := registry.Take(ctx, flowName, cost); err != nil {
			return shapeError(err)
		}
		return handler(srv, ss)
	}
}

func shapeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return status.Errorf(codes.Internal, "rate limiter error: %v", err)
}
