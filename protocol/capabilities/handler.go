// Package capabilities implements the REv2 Capabilities service.
package capabilities

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/wolfeidau/bache/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// DefaultMaxBatchTotalSize is advertised when no batch size is configured.
const DefaultMaxBatchTotalSize = 4 * 1024 * 1024

// Handler implements repb.CapabilitiesServer. The response is the same for
// every instance.
type Handler struct {
	repb.UnimplementedCapabilitiesServer

	capabilities *repb.ServerCapabilities
}

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	maxBatchTotalSize int64
}

// WithMaxBatchTotalSize sets the advertised batch payload limit.
func WithMaxBatchTotalSize(n int64) HandlerOption {
	return func(c *handlerConfig) {
		if n > 0 {
			c.maxBatchTotalSize = n
		}
	}
}

// NewHandler creates a Capabilities handler.
func NewHandler(opts ...HandlerOption) *Handler {
	cfg := handlerConfig{maxBatchTotalSize: DefaultMaxBatchTotalSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{
		capabilities: serverCapabilities(cfg),
	}
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s grpc.ServiceRegistrar) {
	repb.RegisterCapabilitiesServer(s, h)
}

// GetCapabilities returns the server capabilities. It never fails, whatever
// the instance name.
func (h *Handler) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	telemetry.SetInstance(ctx, req.GetInstanceName())
	return proto.Clone(h.capabilities).(*repb.ServerCapabilities), nil
}

func serverCapabilities(cfg handlerConfig) *repb.ServerCapabilities {
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			// There is no action cache behind this server.
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{
				UpdateEnabled: false,
			},
			MaxBatchTotalSizeBytes:          cfg.maxBatchTotalSize,
			SymlinkAbsolutePathStrategy:     repb.SymlinkAbsolutePathStrategy_DISALLOWED,
			SupportedCompressors:            []repb.Compressor_Value{repb.Compressor_IDENTITY},
			SupportedBatchUpdateCompressors: []repb.Compressor_Value{repb.Compressor_IDENTITY},
		},
		LowApiVersion:  &semver.SemVer{Major: 2, Minor: 0},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 3},
	}
}

var _ repb.CapabilitiesServer = (*Handler)(nil)
