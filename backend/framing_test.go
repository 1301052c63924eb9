package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	header := &BlobHeader{
		Hash:        strings.Repeat("ab", 32),
		SizeBytes:   13,
		Compression: CompressionZstd,
		StoredAt:    "2024-01-15T10:30:00Z",
	}
	body := []byte("hello, world!")

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(body)))
	require.Equal(t, MagicBytes, buf.Bytes()[:4])

	got, bodyReader, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.Equal(t, header, got)
	require.True(t, got.Compressed())

	readBody, err := io.ReadAll(bodyReader)
	require.NoError(t, err)
	require.Equal(t, body, readBody)
}

func TestReadFramedInvalidMagic(t *testing.T) {
	_, _, err := ReadFramed(strings.NewReader("XXXX\x00\x00\x00\x02{}"))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFramedShortInput(t *testing.T) {
	for _, input := range []string{"", "BC", "BCH1\x00"} {
		_, _, err := ReadFramed(strings.NewReader(input))
		require.ErrorIs(t, err, ErrInvalidMagic, "%q", input)
	}
}

func TestWriteFramedHeaderTooLarge(t *testing.T) {
	header := &BlobHeader{Hash: strings.Repeat("x", MaxHeaderSize+1)}

	var buf bytes.Buffer
	err := WriteFramed(&buf, header, strings.NewReader("body"))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
	require.Zero(t, buf.Len())
}

func TestReadFramedHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxHeaderSize+1)))

	_, _, err := ReadFramed(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestReadFramedEmptyBody(t *testing.T) {
	header := &BlobHeader{Hash: "e3b0", Compression: CompressionIdentity}

	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, bytes.NewReader(nil)))

	got, body, err := ReadFramed(&buf)
	require.NoError(t, err)
	require.False(t, got.Compressed())

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Empty(t, data)
}
