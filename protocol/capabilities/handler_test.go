package capabilities

import (
	"context"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestGetCapabilities(t *testing.T) {
	h := NewHandler()

	caps, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{})
	require.NoError(t, err)

	cc := caps.GetCacheCapabilities()
	require.Equal(t, []repb.DigestFunction_Value{repb.DigestFunction_SHA256}, cc.GetDigestFunctions())
	require.Equal(t, []repb.Compressor_Value{repb.Compressor_IDENTITY}, cc.GetSupportedCompressors())
	require.Equal(t, []repb.Compressor_Value{repb.Compressor_IDENTITY}, cc.GetSupportedBatchUpdateCompressors())
	require.Equal(t, int64(DefaultMaxBatchTotalSize), cc.GetMaxBatchTotalSizeBytes())
	require.False(t, cc.GetActionCacheUpdateCapabilities().GetUpdateEnabled())
	require.Equal(t, repb.SymlinkAbsolutePathStrategy_DISALLOWED, cc.GetSymlinkAbsolutePathStrategy())
	require.Nil(t, caps.GetExecutionCapabilities())

	require.Equal(t, int32(2), caps.GetLowApiVersion().GetMajor())
	require.Equal(t, int32(0), caps.GetLowApiVersion().GetMinor())
	require.Equal(t, int32(2), caps.GetHighApiVersion().GetMajor())
	require.Equal(t, int32(3), caps.GetHighApiVersion().GetMinor())
}

func TestGetCapabilitiesSameForEveryInstance(t *testing.T) {
	h := NewHandler(WithMaxBatchTotalSize(1 << 20))

	a, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	b, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{InstanceName: "ci"})
	require.NoError(t, err)

	require.True(t, proto.Equal(a, b))
	require.Equal(t, int64(1<<20), a.GetCacheCapabilities().GetMaxBatchTotalSizeBytes())
}

func TestGetCapabilitiesReturnsCopy(t *testing.T) {
	h := NewHandler()

	a, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	a.CacheCapabilities.MaxBatchTotalSizeBytes = 1

	b, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(DefaultMaxBatchTotalSize), b.GetCacheCapabilities().GetMaxBatchTotalSizeBytes())
}

func TestGetCapabilitiesAnyInstance(t *testing.T) {
	h := NewHandler()

	caps, err := h.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{InstanceName: "not/configured"})
	require.NoError(t, err)
	require.Equal(t, int64(DefaultMaxBatchTotalSize), caps.GetCacheCapabilities().GetMaxBatchTotalSizeBytes())
}
