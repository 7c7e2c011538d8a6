// Package rpc is the gRPC surface of the server: the standard health
// service, reporting per-source readiness, behind request-id, tracing and
// metrics interceptors.
package rpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/dfsu-stream/internal/logging"
	"github.com/signalsfoundry/dfsu-stream/internal/observability"
)

// NewServer builds a gRPC server with the standard interceptor chain.
// metrics may be nil.
func NewServer(log logging.Logger, metrics *observability.ServerCollector, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			metrics.UnaryServerInterceptor(),
		),
	}
	return grpc.NewServer(append(base, opts...)...)
}
