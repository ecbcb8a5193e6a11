package streamserver

import (
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"

	"github.com/rs/zerolog"
)

// ServerOptions builds the grpc.Server options a cmd/dnaserver main wires
// into grpc.NewServer: a recovery interceptor (a panicking scan or
// materializer must never take down the whole process, spec.md §5's
// "no zombie tasks" guarantee extends to panics) chained ahead of whatever
// access-logging interceptor the deployment wants. DNA never generates the
// protobuf service stubs itself (spec.md §1 treats gRPC framing as an
// external collaborator); this only supplies the interceptor chain a
// generated server registers.
func ServerOptions(logger zerolog.Logger) []grpc.ServerOption {
	recoveryOpts := []grpc_recovery.Option{
		grpc_recovery.WithRecoveryHandler(func(p any) error {
			logger.Error().Interface("panic", p).Msg("streamserver: recovered from panic")
			return nil
		}),
	}
	return []grpc.ServerOption{
		grpc_middleware.WithUnaryServerChain(
			grpc_recovery.UnaryServerInterceptor(recoveryOpts...),
		),
		grpc_middleware.WithStreamServerChain(
			grpc_recovery.StreamServerInterceptor(recoveryOpts...),
		),
	}
}
