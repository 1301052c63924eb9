package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/bache/protocol/rpcstatus"
	"github.com/wolfeidau/bache/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

const requestIDHeader = "x-request-id"

// unaryLogging logs one structured line per RPC and records RPC metrics.
func (s *Server) unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	requestID := requestIDFrom(ctx)
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

	ctx, tags := telemetry.InjectTags(ctx)
	resp, err := handler(ctx, req)

	s.logRPC(ctx, info.FullMethod, requestID, tags, err, time.Since(start))
	return resp, err
}

func (s *Server) streamLogging(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	requestID := requestIDFrom(ss.Context())
	_ = ss.SetHeader(metadata.Pairs(requestIDHeader, requestID))

	ctx, tags := telemetry.InjectTags(ss.Context())
	err := handler(srv, &taggedStream{ServerStream: ss, ctx: ctx})

	s.logRPC(ctx, info.FullMethod, requestID, tags, err, time.Since(start))
	return err
}

func (s *Server) logRPC(ctx context.Context, method, requestID string, tags *telemetry.RequestTags, err error, duration time.Duration) {
	code := rpcstatus.Code(err)

	attrs := []any{
		"request_id", requestID,
		"method", method,
		"code", code.String(),
		"duration_ms", duration.Milliseconds(),
		"duration", duration.String(),
		"instance", tags.Instance(),
		"cache_result", string(tags.CacheResult()),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "remote_addr", p.Addr.String())
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			attrs = append(attrs, "user_agent", ua[0])
		}
	}

	level := slog.LevelInfo
	if err != nil {
		attrs = append(attrs, "error", err.Error())
		if serverFault(code) {
			level = slog.LevelError
		}
	}
	s.logger.Log(ctx, level, "grpc request", attrs...)

	telemetry.RecordRPC(ctx, method, code.String(), duration)
}

func serverFault(code codes.Code) bool {
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
		return true
	}
	return false
}

// requestIDFrom returns the caller's request id, or a new one.
func requestIDFrom(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}

// taggedStream carries the request tags context into stream handlers.
type taggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *taggedStream) Context() context.Context {
	return s.ctx
}
