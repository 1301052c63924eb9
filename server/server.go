// Package server wires the cache stores and REv2 services into a gRPC server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wolfeidau/bache/protocol/bytestream"
	"github.com/wolfeidau/bache/protocol/capabilities"
	"github.com/wolfeidau/bache/protocol/cas"
	"github.com/wolfeidau/bache/store"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// grpcMessageOverhead is added to the batch limit to size gRPC messages, so a
// full batch still fits alongside its digests and framing.
const grpcMessageOverhead = 1 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on for gRPC (e.g., ":9092").
	Address string

	// MetricsAddress serves /metrics, /health and /stats over HTTP.
	// Empty disables the listener.
	MetricsAddress string

	// Instances is the tenant table. Default: a single memory store for the
	// empty instance name.
	Instances []InstanceConfig

	// StoragePath is the root directory for disk instances. Each instance
	// gets its own sub-directory.
	StoragePath string

	// MemoryMaxSize bounds each memory instance in bytes.
	MemoryMaxSize int64

	// DiskMaxSize bounds each disk instance in bytes.
	// Zero disables size-based eviction.
	DiskMaxSize int64

	// DiskTTL expires disk blobs not accessed for this long.
	// Zero disables TTL-based expiration.
	DiskTTL time.Duration

	// DiskCompression stores disk blobs with zstd.
	DiskCompression bool

	// ExpiryCheckInterval is how often disk expiry runs.
	ExpiryCheckInterval time.Duration

	// MaxBatchTotalSize limits batch reads and writes, and is advertised
	// by the Capabilities service.
	MaxBatchTotalSize int64

	// MaxConcurrency bounds the store calls one request fans out to.
	MaxConcurrency int

	// MaxConnections caps accepted connections. Zero is unlimited.
	MaxConnections int

	// ReadChunkSize is the ByteStream read frame size.
	ReadChunkSize int

	// EnableReflection registers the gRPC reflection service.
	EnableReflection bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the remote cache server.
type Server struct {
	config     Config
	logger     *slog.Logger
	stores     *store.Manager
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New opens the configured stores and builds the gRPC server.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":9092"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if len(cfg.Instances) == 0 {
		cfg.Instances = []InstanceConfig{{Name: "", Kind: KindMemory}}
	}
	if cfg.MaxBatchTotalSize <= 0 {
		cfg.MaxBatchTotalSize = cas.DefaultMaxBatchTotalSize
	}
	if cfg.ExpiryCheckInterval <= 0 {
		cfg.ExpiryCheckInterval = 5 * time.Minute
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		health: health.NewServer(),
	}

	stores, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}
	s.stores = stores

	msgSize := int(cfg.MaxBatchTotalSize) + grpcMessageOverhead
	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryLogging),
		grpc.StreamInterceptor(s.streamLogging),
		grpc.MaxRecvMsgSize(msgSize),
		grpc.MaxSendMsgSize(msgSize),
	)

	cas.NewHandler(stores,
		cas.WithLogger(cfg.Logger),
		cas.WithMaxConcurrency(cfg.MaxConcurrency),
		cas.WithMaxBatchTotalSize(cfg.MaxBatchTotalSize),
	).Register(s.grpcServer)
	bytestream.NewHandler(stores,
		bytestream.WithLogger(cfg.Logger),
		bytestream.WithReadChunkSize(cfg.ReadChunkSize),
	).Register(s.grpcServer)
	capabilities.NewHandler(
		capabilities.WithMaxBatchTotalSize(cfg.MaxBatchTotalSize),
	).Register(s.grpcServer)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	for name := range s.grpcServer.GetServiceInfo() {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if cfg.EnableReflection {
		reflection.Register(s.grpcServer)
	}

	if cfg.MetricsAddress != "" {
		s.httpServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           s.httpHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	return s, nil
}

// Stores returns the instance table.
func (s *Server) Stores() *store.Manager {
	return s.stores
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}

	if s.httpServer != nil {
		go func() {
			s.logger.Info("starting metrics server", "address", s.config.MetricsAddress)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	return s.Serve(lis)
}

// Serve serves gRPC on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	if s.config.MaxConnections > 0 {
		lis = netutil.LimitListener(lis, s.config.MaxConnections)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("starting server",
		"address", lis.Addr().String(),
		"instances", s.stores.Instances(),
		"max_connections", s.config.MaxConnections,
	)
	return s.grpcServer.Serve(lis)
}

// Shutdown stops accepting RPCs, waits for in-flight ones until ctx is done,
// then closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-stopped
	}

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down metrics server: %w", err))
		}
	}
	if err := s.stores.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Address returns the address being served, or the configured address
// before Serve is called.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}
