// Command bache is a Bazel remote cache server speaking the REv2 CAS,
// ByteStream and Capabilities APIs over gRPC.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/bache/server"
	"github.com/wolfeidau/bache/telemetry"
)

var version = "dev"

// CLI is the command line interface. Every flag can also be set from a
// BACHE_* environment variable.
type CLI struct {
	Address        string   `help:"gRPC listen address." default:":9092" env:"BACHE_ADDRESS"`
	MetricsAddress string   `help:"HTTP address for /metrics, /health and /stats (empty disables)." default:":9090" env:"BACHE_METRICS_ADDRESS"`
	Instance       []string `help:"Cache instance as name=kind, where kind is memory or disk. The name may be empty." default:"=memory" env:"BACHE_INSTANCE"`
	StoragePath    string   `help:"Root directory for disk instances." default:"./cache" env:"BACHE_STORAGE_PATH" type:"path"`

	MemoryMaxSize   int64         `help:"Maximum size of each memory instance in bytes." default:"1073741824" env:"BACHE_MEMORY_MAX_SIZE"`
	DiskMaxSize     int64         `help:"Maximum size of each disk instance in bytes (0 disables LRU eviction)." default:"10737418240" env:"BACHE_DISK_MAX_SIZE"`
	DiskTTL         time.Duration `name:"disk-ttl" help:"Expire disk blobs not accessed for this long (0 disables)." default:"0s" env:"BACHE_DISK_TTL"`
	DiskCompression bool          `help:"Compress disk blobs with zstd." default:"true" negatable:"" env:"BACHE_DISK_COMPRESSION"`
	ExpiryInterval  time.Duration `help:"How often disk expiry runs." default:"5m" env:"BACHE_EXPIRY_INTERVAL"`

	MaxBatchSize     int64 `help:"Maximum total size of a batch read or update in bytes." default:"4194304" env:"BACHE_MAX_BATCH_SIZE"`
	MaxConcurrency   int   `help:"Maximum concurrent store calls per request." default:"64" env:"BACHE_MAX_CONCURRENCY"`
	MaxConnections   int   `help:"Maximum concurrent connections (0 is unlimited)." default:"0" env:"BACHE_MAX_CONNECTIONS"`
	ReadChunkSize    int   `help:"ByteStream read frame size in bytes." default:"65536" env:"BACHE_READ_CHUNK_SIZE"`
	EnableReflection bool  `help:"Register the gRPC reflection service." default:"true" negatable:"" env:"BACHE_ENABLE_REFLECTION"`

	OTLPEndpoint     string `name:"otlp-endpoint" help:"OTLP gRPC metrics endpoint (empty disables)." env:"BACHE_OTLP_ENDPOINT"`
	EnablePrometheus bool   `help:"Serve Prometheus metrics on the metrics address." default:"true" negatable:"" env:"BACHE_ENABLE_PROMETHEUS"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"BACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json" env:"BACHE_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bache"),
		kong.Description("A Bazel remote cache server."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(cli.Run())
}

// Run starts the server and blocks until it stops or a signal arrives.
func (c *CLI) Run() error {
	logger, err := c.newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	instances := make([]server.InstanceConfig, 0, len(c.Instance))
	for _, entry := range c.Instance {
		inst, err := server.ParseInstance(entry)
		if err != nil {
			return err
		}
		instances = append(instances, inst)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics := func(context.Context) error { return nil }
	if c.OTLPEndpoint != "" || c.EnablePrometheus {
		shutdownMetrics, err = telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceName:      "bache",
			ServiceVersion:   version,
			OTLPEndpoint:     c.OTLPEndpoint,
			EnablePrometheus: c.EnablePrometheus,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
	}

	srv, err := server.New(ctx, server.Config{
		Address:             c.Address,
		MetricsAddress:      c.MetricsAddress,
		Instances:           instances,
		StoragePath:         c.StoragePath,
		MemoryMaxSize:       c.MemoryMaxSize,
		DiskMaxSize:         c.DiskMaxSize,
		DiskTTL:             c.DiskTTL,
		DiskCompression:     c.DiskCompression,
		ExpiryCheckInterval: c.ExpiryInterval,
		MaxBatchTotalSize:   c.MaxBatchSize,
		MaxConcurrency:      c.MaxConcurrency,
		MaxConnections:      c.MaxConnections,
		ReadChunkSize:       c.ReadChunkSize,
		EnableReflection:    c.EnableReflection,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server started",
		"version", version,
		"address", c.Address,
		"metrics_address", c.MetricsAddress,
		"storage_path", c.StoragePath,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	return serveErr
}

func (c *CLI) newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	var handler slog.Handler
	switch c.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return slog.New(handler), nil
}
