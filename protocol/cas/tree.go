package cas

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/protocol/rpcstatus"
	"github.com/wolfeidau/bache/store"
	"github.com/wolfeidau/bache/telemetry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultMaxTreeDepth bounds how many directory levels GetTree descends.
	DefaultMaxTreeDepth = 256

	// DefaultMaxTreePageSize is the default and maximum number of
	// directories in one GetTree response.
	DefaultMaxTreePageSize = 1000
)

// GetTree streams every Directory reachable from the root in breadth-first
// order, one response per page. Missing child directories are skipped. The
// page token is the position in that order to resume from.
func (h *Handler) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	ctx := stream.Context()

	root, err := bache.DigestFromProto(req.GetRootDigest())
	if err != nil {
		return rpcstatus.FromError(err)
	}
	start, err := decodePageToken(req.GetPageToken())
	if err != nil {
		return err
	}
	pageSize := int(req.GetPageSize())
	if pageSize <= 0 || pageSize > h.maxTreePageSize {
		pageSize = h.maxTreePageSize
	}

	telemetry.SetInstance(ctx, req.GetInstanceName())
	s, err := h.stores.Get(req.GetInstanceName())
	if err != nil {
		return rpcstatus.FromError(err)
	}

	dirs, err := h.walkTree(ctx, s, root)
	if err != nil {
		return err
	}
	if start > len(dirs) {
		return status.Errorf(codes.InvalidArgument, "page_token beyond the %d directories in the tree", len(dirs))
	}

	for {
		end := min(start+pageSize, len(dirs))
		resp := &repb.GetTreeResponse{Directories: dirs[start:end]}
		if end < len(dirs) {
			resp.NextPageToken = encodePageToken(end)
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
		if end == len(dirs) {
			return nil
		}
		start = end
	}
}

// walkTree returns the directories reachable from root, level by level.
// Each directory appears once however many parents reference it.
func (h *Handler) walkTree(ctx context.Context, s store.Store, root bache.Digest) ([]*repb.Directory, error) {
	visited := map[bache.Digest]struct{}{root: {}}
	level := []bache.Digest{root}
	var out []*repb.Directory

	for depth := 0; len(level) > 0; depth++ {
		if depth >= h.maxTreeDepth {
			return nil, status.Errorf(codes.InvalidArgument, "tree under %s is deeper than %d levels", root, h.maxTreeDepth)
		}

		dirs, err := h.fetchDirectories(ctx, s, level)
		if err != nil {
			return nil, err
		}
		if depth == 0 && dirs[0] == nil {
			telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
			return nil, status.Errorf(codes.NotFound, "root directory %s not found", root)
		}

		var next []bache.Digest
		for _, dir := range dirs {
			if dir == nil {
				continue
			}
			out = append(out, dir)
			for _, node := range dir.GetDirectories() {
				child, err := bache.DigestFromProto(node.GetDigest())
				if err != nil {
					return nil, rpcstatus.FromError(fmt.Errorf("directory %q: %w", node.GetName(), err))
				}
				if _, ok := visited[child]; ok {
					continue
				}
				visited[child] = struct{}{}
				next = append(next, child)
			}
		}
		level = next
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	return out, nil
}

// fetchDirectories reads and decodes one level concurrently. Missing
// directories come back as nil in their slot.
func (h *Handler) fetchDirectories(ctx context.Context, s store.Store, digests []bache.Digest) ([]*repb.Directory, error) {
	dirs := make([]*repb.Directory, len(digests))
	p := pool.New().WithMaxGoroutines(h.maxConcurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, d := range digests {
		p.Go(func(ctx context.Context) error {
			data, err := store.ReadBlob(ctx, s, d)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("reading directory %s: %w", d, err)
			}
			dir := &repb.Directory{}
			if err := proto.Unmarshal(data, dir); err != nil {
				return status.Errorf(codes.InvalidArgument, "blob %s is not a Directory: %v", d, err)
			}
			dirs[i] = dir
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, rpcstatus.FromError(err)
	}
	return dirs, nil
}

func encodePageToken(index int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(index)))
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "malformed page_token: %v", err)
	}
	index, err := strconv.Atoi(string(raw))
	if err != nil || index < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "malformed page_token %q", token)
	}
	return index, nil
}
