// Package cas implements the REv2 ContentAddressableStorage service.
package cas

import (
	"context"
	"fmt"
	"log/slog"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/protocol/rpcstatus"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultMaxConcurrency bounds the store calls one request fans out to.
	DefaultMaxConcurrency = 64

	// DefaultMaxBatchTotalSize is the largest total payload accepted by
	// the batch calls.
	DefaultMaxBatchTotalSize = 4 * 1024 * 1024
)

// Handler implements repb.ContentAddressableStorageServer.
type Handler struct {
	repb.UnimplementedContentAddressableStorageServer

	stores            *store.Manager
	logger            *slog.Logger
	maxConcurrency    int
	maxBatchTotalSize int64
	maxTreeDepth      int
	maxTreePageSize   int
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxConcurrency bounds concurrent store calls per request.
func WithMaxConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxConcurrency = n
		}
	}
}

// WithMaxBatchTotalSize sets the batch payload limit. It should match the
// value advertised by the Capabilities service.
func WithMaxBatchTotalSize(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBatchTotalSize = n
		}
	}
}

// WithMaxTreeDepth bounds how many directory levels GetTree descends.
func WithMaxTreeDepth(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxTreeDepth = n
		}
	}
}

// WithMaxTreePageSize caps the directories returned per GetTree response.
func WithMaxTreePageSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxTreePageSize = n
		}
	}
}

// NewHandler creates a CAS handler routing requests through stores.
func NewHandler(stores *store.Manager, opts ...HandlerOption) *Handler {
	h := &Handler{
		stores:            stores,
		logger:            slog.Default(),
		maxConcurrency:    DefaultMaxConcurrency,
		maxBatchTotalSize: DefaultMaxBatchTotalSize,
		maxTreeDepth:      DefaultMaxTreeDepth,
		maxTreePageSize:   DefaultMaxTreePageSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "cas")
	return h
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s grpc.ServiceRegistrar) {
	repb.RegisterContentAddressableStorageServer(s, h)
}

// FindMissingBlobs reports which of the requested blobs are absent. Every
// digest is validated before the store is consulted; the result keeps the
// first-seen request order with duplicates removed.
func (h *Handler) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	digests, err := uniqueDigests(req.GetBlobDigests())
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	telemetry.SetInstance(ctx, req.GetInstanceName())
	s, err := h.stores.Get(req.GetInstanceName())
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	present := make([]bool, len(digests))
	p := pool.New().WithMaxGoroutines(h.maxConcurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, d := range digests {
		p.Go(func(ctx context.Context) error {
			ok, err := s.Contains(ctx, d)
			if err != nil {
				return fmt.Errorf("checking %s: %w", d, err)
			}
			present[i] = ok
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, rpcstatus.FromError(err)
	}

	resp := &repb.FindMissingBlobsResponse{}
	for i, d := range digests {
		if !present[i] {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d.Proto())
		}
	}

	misses := len(resp.MissingBlobDigests)
	hits := len(digests) - misses
	telemetry.RecordCASLookups(ctx, hits, misses)
	telemetry.SetCacheResult(ctx, lookupResult(hits, misses))

	return resp, nil
}

// BatchUpdateBlobs stores each blob independently and reports a status per
// entry.
func (h *Handler) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	var total int64
	for _, r := range req.GetRequests() {
		total += int64(len(r.GetData()))
	}
	if total > h.maxBatchTotalSize {
		return nil, status.Errorf(codes.InvalidArgument,
			"batch of %d bytes exceeds max_batch_total_size_bytes %d", total, h.maxBatchTotalSize)
	}

	telemetry.SetInstance(ctx, req.GetInstanceName())
	s, err := h.stores.Get(req.GetInstanceName())
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	responses := make([]*repb.BatchUpdateBlobsResponse_Response, len(req.GetRequests()))
	p := pool.New().WithMaxGoroutines(h.maxConcurrency)
	for i, r := range req.GetRequests() {
		p.Go(func() {
			responses[i] = &repb.BatchUpdateBlobsResponse_Response{
				Digest: r.GetDigest(),
				Status: rpcstatus.Proto(h.updateOne(ctx, s, r)),
			}
		})
	}
	p.Wait()

	return &repb.BatchUpdateBlobsResponse{Responses: responses}, nil
}

func (h *Handler) updateOne(ctx context.Context, s store.Store, r *repb.BatchUpdateBlobsRequest_Request) error {
	d, err := bache.DigestFromProto(r.GetDigest())
	if err != nil {
		return err
	}
	if c := r.GetCompressor(); c != repb.Compressor_IDENTITY {
		return status.Errorf(codes.InvalidArgument, "unsupported compressor %s", c)
	}
	if err := store.PutBlob(ctx, s, d, r.GetData()); err != nil {
		if rpcstatus.Code(err) == codes.Internal {
			h.logger.Error("batch update failed", "digest", d.String(), "error", err)
		}
		return err
	}
	telemetry.RecordTransfer(ctx, "in", d.SizeBytes)
	return nil
}

// BatchReadBlobs reads each blob in full and reports a status per entry.
func (h *Handler) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	// Declared sizes are caller controlled; compare before adding so the
	// running total cannot overflow.
	var total int64
	for _, d := range req.GetDigests() {
		size := max(d.GetSizeBytes(), 0)
		if size > h.maxBatchTotalSize-total {
			return nil, status.Errorf(codes.InvalidArgument,
				"batch exceeds max_batch_total_size_bytes %d", h.maxBatchTotalSize)
		}
		total += size
	}

	telemetry.SetInstance(ctx, req.GetInstanceName())
	s, err := h.stores.Get(req.GetInstanceName())
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	responses := make([]*repb.BatchReadBlobsResponse_Response, len(req.GetDigests()))
	p := pool.New().WithMaxGoroutines(h.maxConcurrency)
	for i, dp := range req.GetDigests() {
		p.Go(func() {
			data, err := h.readOne(ctx, s, dp)
			responses[i] = &repb.BatchReadBlobsResponse_Response{
				Digest:     dp,
				Data:       data,
				Compressor: repb.Compressor_IDENTITY,
				Status:     rpcstatus.Proto(err),
			}
		})
	}
	p.Wait()

	var hits, misses int
	for _, r := range responses {
		if r.GetStatus().GetCode() == int32(codes.OK) {
			hits++
		} else {
			misses++
		}
	}
	telemetry.SetCacheResult(ctx, lookupResult(hits, misses))

	return &repb.BatchReadBlobsResponse{Responses: responses}, nil
}

func (h *Handler) readOne(ctx context.Context, s store.Store, dp *repb.Digest) ([]byte, error) {
	d, err := bache.DigestFromProto(dp)
	if err != nil {
		return nil, err
	}
	data, err := store.ReadBlob(ctx, s, d)
	if err != nil {
		if rpcstatus.Code(err) == codes.Internal {
			h.logger.Error("batch read failed", "digest", d.String(), "error", err)
		}
		return nil, err
	}
	if int64(len(data)) != d.SizeBytes {
		return nil, status.Errorf(codes.NotFound, "blob %s has %d bytes", d, len(data))
	}
	telemetry.RecordTransfer(ctx, "out", d.SizeBytes)
	return data, nil
}

// uniqueDigests validates digests and removes duplicates, keeping the first
// occurrence of each.
func uniqueDigests(in []*repb.Digest) ([]bache.Digest, error) {
	seen := make(map[bache.Digest]struct{}, len(in))
	out := make([]bache.Digest, 0, len(in))
	for _, dp := range in {
		d, err := bache.DigestFromProto(dp)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

func lookupResult(hits, misses int) telemetry.CacheResult {
	switch {
	case hits == 0 && misses == 0:
		return telemetry.CacheNA
	case misses == 0:
		return telemetry.CacheHit
	case hits == 0:
		return telemetry.CacheMiss
	default:
		return telemetry.CachePartial
	}
}

var _ repb.ContentAddressableStorageServer = (*Handler)(nil)
