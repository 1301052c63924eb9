package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *CLI {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return &cli
}

func TestCLIDefaults(t *testing.T) {
	cli := parse(t)

	require.Equal(t, ":9092", cli.Address)
	require.Equal(t, ":9090", cli.MetricsAddress)
	require.Equal(t, []string{"=memory"}, cli.Instance)
	require.Equal(t, int64(4<<20), cli.MaxBatchSize)
	require.Equal(t, int64(1<<30), cli.MemoryMaxSize)
	require.Equal(t, int64(10<<30), cli.DiskMaxSize)
	require.Equal(t, 64<<10, cli.ReadChunkSize)
	require.True(t, cli.DiskCompression)
	require.True(t, cli.EnableReflection)
	require.True(t, cli.EnablePrometheus)
	require.Zero(t, cli.DiskTTL)
}

func TestCLIFlags(t *testing.T) {
	cli := parse(t,
		"--instance", "=memory",
		"--instance", "ci=disk",
		"--disk-ttl", "168h",
		"--no-disk-compression",
		"--log-format", "json",
	)

	require.Equal(t, []string{"=memory", "ci=disk"}, cli.Instance)
	require.Equal(t, 168*time.Hour, cli.DiskTTL)
	require.False(t, cli.DiskCompression)
	require.Equal(t, "json", cli.LogFormat)
}

func TestCLIEnv(t *testing.T) {
	t.Setenv("BACHE_ADDRESS", ":7000")
	t.Setenv("BACHE_MAX_CONNECTIONS", "128")

	cli := parse(t)
	require.Equal(t, ":7000", cli.Address)
	require.Equal(t, 128, cli.MaxConnections)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		cli := &CLI{LogLevel: "debug", LogFormat: format}
		logger, err := cli.newLogger()
		require.NoError(t, err)
		require.NotNil(t, logger)
	}

	_, err := (&CLI{LogLevel: "loud", LogFormat: "text"}).newLogger()
	require.Error(t, err)

	_, err = (&CLI{LogLevel: "info", LogFormat: "xml"}).newLogger()
	require.Error(t, err)
}
