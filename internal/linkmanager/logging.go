package linkmanager

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// loggingInterceptor logs every internal RPC call this node makes to a
// peer, generalized from the teacher's internal/grpc/logging
// UnaryClientInterceptor: that version casts request/response to
// proto.Message for structured logging, which Bob's gob-encoded
// messages (rpc.PutRequest and friends) aren't, so this logs the
// method and outcome only.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		if err != nil {
			logger.WarnContext(ctx, "internal rpc call failed", slog.String("method", method), slog.Any("error", status.Convert(err).Message()))
		} else {
			logger.DebugContext(ctx, "internal rpc call succeeded", slog.String("method", method))
		}
		return err
	}
}
