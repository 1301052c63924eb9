package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store/disk"
	"github.com/wolfeidau/bache/store/memory"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *grpc.ClientConn) {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = t.TempDir()
	}

	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, conn
}

func TestParseInstance(t *testing.T) {
	tests := []struct {
		input   string
		want    InstanceConfig
		wantErr bool
	}{
		{input: "=memory", want: InstanceConfig{Name: "", Kind: KindMemory}},
		{input: "ci=disk", want: InstanceConfig{Name: "ci", Kind: KindDisk}},
		{input: "a=b=memory", want: InstanceConfig{Name: "a=b", Kind: KindMemory}},
		{input: "blobs=memory", want: InstanceConfig{Name: "blobs", Kind: KindMemory}},
		{input: "memory", wantErr: true},
		{input: "ci=redis", wantErr: true},
		{input: "ci=", wantErr: true},
		{input: "a/b=memory", wantErr: true},
		{input: "..=disk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInstance(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	srv, err := New(context.Background(), Config{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	require.Equal(t, []string{""}, srv.Stores().Instances())
	require.Equal(t, ":9092", srv.Address())
	require.Nil(t, srv.httpServer)

	st, err := srv.Stores().Get("")
	require.NoError(t, err)
	require.IsType(t, &memory.Store{}, st)
}

func TestNewRejectsDuplicateInstances(t *testing.T) {
	_, err := New(context.Background(), Config{
		Logger:      testLogger(),
		StoragePath: t.TempDir(),
		Instances: []InstanceConfig{
			{Name: "ci", Kind: KindDisk},
			{Name: "ci", Kind: KindMemory},
		},
	})
	require.ErrorContains(t, err, "more than once")
}

func TestServerEndToEnd(t *testing.T) {
	srv, conn := newTestServer(t, Config{
		Instances: []InstanceConfig{
			{Name: "", Kind: KindMemory},
			{Name: "ci", Kind: KindDisk},
		},
		DiskCompression:  true,
		EnableReflection: true,
	})
	ctx := context.Background()

	st, err := srv.Stores().Get("ci")
	require.NoError(t, err)
	require.IsType(t, &disk.Store{}, st)

	data := bytes.Repeat([]byte("end to end "), 1000)
	d := bache.DigestOf(data)

	cas := repb.NewContentAddressableStorageClient(conn)
	missing, err := cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		InstanceName: "ci",
		BlobDigests:  []*repb.Digest{d.Proto()},
	})
	require.NoError(t, err)
	require.Len(t, missing.GetMissingBlobDigests(), 1)

	update, err := cas.BatchUpdateBlobs(ctx, &repb.BatchUpdateBlobsRequest{
		InstanceName: "ci",
		Requests:     []*repb.BatchUpdateBlobsRequest_Request{{Digest: d.Proto(), Data: data}},
	})
	require.NoError(t, err)
	require.Equal(t, int32(codes.OK), update.GetResponses()[0].GetStatus().GetCode())

	stream, err := bspb.NewByteStreamClient(conn).Read(ctx, &bspb.ReadRequest{
		ResourceName: bache.ReadResourceName("ci", d),
		ReadLimit:    d.SizeBytes,
	})
	require.NoError(t, err)
	var got []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, resp.GetData()...)
	}
	require.Equal(t, data, got)

	// The default instance is a separate tenant.
	missing, err = cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		BlobDigests: []*repb.Digest{d.Proto()},
	})
	require.NoError(t, err)
	require.Len(t, missing.GetMissingBlobDigests(), 1)

	_, err = cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{InstanceName: "other"})
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestServerCapabilities(t *testing.T) {
	_, conn := newTestServer(t, Config{MaxBatchTotalSize: 1 << 20})

	caps, err := repb.NewCapabilitiesClient(conn).GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), caps.GetCacheCapabilities().GetMaxBatchTotalSizeBytes())
}

func TestServerHealth(t *testing.T) {
	_, conn := newTestServer(t, Config{})
	client := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", "build.bazel.remote.execution.v2.ContentAddressableStorage", "google.bytestream.ByteStream"} {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err, service)
		require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), service)
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	_, conn := newTestServer(t, Config{})

	ctx := metadata.AppendToOutgoingContext(context.Background(), requestIDHeader, "req-123")
	var header metadata.MD
	_, err := repb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &repb.GetCapabilitiesRequest{}, grpc.Header(&header))
	require.NoError(t, err)
	require.Equal(t, []string{"req-123"}, header.Get(requestIDHeader))
}

func TestHTTPEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		MetricsAddress: "127.0.0.1:0",
		Instances: []InstanceConfig{
			{Name: "", Kind: KindMemory},
			{Name: "ci", Kind: KindDisk},
		},
	})
	require.NotNil(t, srv.httpServer)

	ds, err := srv.Stores().Get("ci")
	require.NoError(t, err)
	data := []byte("stats blob")
	require.NoError(t, ds.(*disk.Store).Put(context.Background(), bache.DigestOf(data), data))

	handler := srv.httpHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]instanceStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Contains(t, stats, "ci")
	require.NotContains(t, stats, "")
	require.Equal(t, int64(1), stats["ci"].TotalBlobs)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdownClosesStores(t *testing.T) {
	srv, err := New(context.Background(), Config{
		Logger:      testLogger(),
		StoragePath: t.TempDir(),
		Instances:   []InstanceConfig{{Name: "ci", Kind: KindDisk}},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	st, err := srv.Stores().Get("ci")
	require.NoError(t, err)
	_, err = st.BeginWrite(context.Background(), "after-close")
	require.Error(t, err)
}
