// Package bytestream implements the google.bytestream.ByteStream service over
// the CAS stores: chunked reads and resumable, verified uploads.
package bytestream

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/protocol/rpcstatus"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/telemetry"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultReadChunkSize is the maximum data length of one ReadResponse.
const DefaultReadChunkSize = 64 * 1024

// Handler implements bspb.ByteStreamServer.
type Handler struct {
	bspb.UnimplementedByteStreamServer

	stores        *store.Manager
	logger        *slog.Logger
	readChunkSize int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger for the handler.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithReadChunkSize sets the maximum size of each streamed read frame.
func WithReadChunkSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readChunkSize = int64(n)
		}
	}
}

// NewHandler creates a ByteStream handler routing requests through stores.
func NewHandler(stores *store.Manager, opts ...HandlerOption) *Handler {
	h := &Handler{
		stores:        stores,
		logger:        slog.Default(),
		readChunkSize: DefaultReadChunkSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "bytestream")
	return h
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s *grpc.Server) {
	bspb.RegisterByteStreamServer(s, h)
}

// Read streams the requested range of a blob. A read_limit of zero answers
// with a single empty frame.
func (h *Handler) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	ctx := stream.Context()

	if req.GetReadOffset() < 0 {
		return status.Errorf(codes.InvalidArgument, "negative read_offset %d", req.GetReadOffset())
	}
	if req.GetReadLimit() < 0 {
		return status.Errorf(codes.InvalidArgument, "negative read_limit %d", req.GetReadLimit())
	}

	rn, err := bache.ParseResourceName(req.GetResourceName())
	if err != nil {
		return rpcstatus.FromError(err)
	}
	if rn.IsUpload {
		return status.Errorf(codes.InvalidArgument, "cannot read from upload resource %q", req.GetResourceName())
	}
	d, err := rn.Digest()
	if err != nil {
		return rpcstatus.FromError(err)
	}

	telemetry.SetInstance(ctx, rn.InstanceName)
	s, err := h.stores.Get(rn.InstanceName)
	if err != nil {
		return rpcstatus.FromError(err)
	}

	offset, limit := req.GetReadOffset(), req.GetReadLimit()
	if offset > d.SizeBytes {
		return status.Errorf(codes.OutOfRange, "read_offset %d beyond blob size %d", offset, d.SizeBytes)
	}

	if limit == 0 || offset == d.SizeBytes {
		// A missing blob still reads as NotFound.
		ok, err := s.Contains(ctx, d)
		if err != nil {
			return rpcstatus.FromError(err)
		}
		if !ok {
			telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
			return status.Errorf(codes.NotFound, "blob %s not found", d)
		}
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return stream.Send(&bspb.ReadResponse{})
	}

	// offset <= size here, so the remainder never overflows.
	end := offset + min(limit, d.SizeBytes-offset)

	for pos := offset; pos < end; {
		data, err := s.ReadRange(ctx, d, pos, min(h.readChunkSize, end-pos))
		if err != nil {
			if pos == offset {
				telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
			}
			return rpcstatus.FromError(err)
		}
		if len(data) == 0 {
			return status.Errorf(codes.Internal, "short read of %s at offset %d", d, pos)
		}
		if err := stream.Send(&bspb.ReadResponse{Data: data}); err != nil {
			return err
		}
		telemetry.RecordTransfer(ctx, "out", int64(len(data)))
		pos += int64(len(data))
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	return nil
}

// Write receives an upload. Frames must arrive at the committed offset; a
// stream that ends without finish_write leaves the upload resumable.
func (h *Handler) Write(stream bspb.ByteStream_WriteServer) error {
	ctx := stream.Context()

	req, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, "write stream carried no requests")
		}
		return err
	}

	name := req.GetResourceName()
	rn, err := bache.ParseResourceName(name)
	if err != nil {
		return rpcstatus.FromError(err)
	}
	if !rn.IsUpload {
		return status.Errorf(codes.InvalidArgument, "write requires an upload resource name, got %q", name)
	}
	d, err := rn.Digest()
	if err != nil {
		return rpcstatus.FromError(err)
	}

	telemetry.SetInstance(ctx, rn.InstanceName)
	s, err := h.stores.Get(rn.InstanceName)
	if err != nil {
		return rpcstatus.FromError(err)
	}

	exists, err := s.Contains(ctx, d)
	if err != nil {
		return rpcstatus.FromError(err)
	}
	if exists {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: d.SizeBytes})
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)

	up, err := s.BeginWrite(ctx, rn.UploadKey())
	if err != nil {
		return rpcstatus.FromError(err)
	}
	logger := h.logger.With("upload_id", up.ID(), "digest", d.String())

	for {
		if rname := req.GetResourceName(); rname != "" && rname != name {
			return status.Errorf(codes.InvalidArgument, "resource name changed mid-stream from %q to %q", name, rname)
		}
		if committed := up.Committed(); req.GetWriteOffset() != committed {
			return status.Errorf(codes.InvalidArgument, "write_offset %d does not match committed size %d", req.GetWriteOffset(), committed)
		}

		if err := up.WriteChunk(ctx, req.GetData(), req.GetFinishWrite()); err != nil {
			if errors.Is(err, store.ErrBlobTooLarge) {
				up.Abort()
			}
			return rpcstatus.FromError(err)
		}
		telemetry.RecordTransfer(ctx, "in", int64(len(req.GetData())))

		if req.GetFinishWrite() {
			if committed := up.Committed(); committed != d.SizeBytes {
				up.Abort()
				return status.Errorf(codes.InvalidArgument, "finished write of %d bytes, resource name declares %d", committed, d.SizeBytes)
			}
			got, err := up.Finalize(ctx, d)
			if err != nil {
				logger.Debug("finalize failed", "error", err)
				return rpcstatus.FromError(err)
			}
			return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: got.SizeBytes})
		}

		req, err = stream.Recv()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// Client half-closed without finishing; keep staging for resumption.
			logger.Debug("write stream ended before finish_write", "committed", up.Committed())
			return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: up.Committed()})
		default:
			up.Abort()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return rpcstatus.FromError(ctxErr)
			}
			return err
		}
	}
}

// QueryWriteStatus reports how much of an upload has been committed.
func (h *Handler) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	rn, err := bache.ParseResourceName(req.GetResourceName())
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}
	if !rn.IsUpload {
		return nil, status.Errorf(codes.InvalidArgument, "query requires an upload resource name, got %q", req.GetResourceName())
	}
	d, err := rn.Digest()
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	telemetry.SetInstance(ctx, rn.InstanceName)
	s, err := h.stores.Get(rn.InstanceName)
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}

	st, err := s.UploadStatus(ctx, rn.UploadKey())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, rpcstatus.FromError(err)
	}
	if err == nil && st.Complete {
		return &bspb.QueryWriteStatusResponse{CommittedSize: st.Committed, Complete: true}, nil
	}

	exists, cerr := s.Contains(ctx, d)
	if cerr != nil {
		return nil, rpcstatus.FromError(cerr)
	}
	if exists {
		return &bspb.QueryWriteStatusResponse{CommittedSize: d.SizeBytes, Complete: true}, nil
	}
	if err != nil {
		return nil, rpcstatus.FromError(err)
	}
	return &bspb.QueryWriteStatusResponse{CommittedSize: st.Committed}, nil
}

var _ bspb.ByteStreamServer = (*Handler)(nil)
