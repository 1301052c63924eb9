package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix for framed blob files.
	MagicBytes = []byte("BCH1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected BCH1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// Body encodings recorded in BlobHeader.Compression.
const (
	CompressionIdentity = "identity"
	CompressionZstd     = "zstd"
)

// BlobHeader describes the blob stored in a framed file.
type BlobHeader struct {
	// Hash is the lowercase hex SHA-256 of the uncompressed content.
	Hash string `json:"hash"`

	// SizeBytes is the uncompressed content length.
	SizeBytes int64 `json:"size_bytes"`

	// Compression is the encoding of the body that follows the header.
	Compression string `json:"compression"`

	StoredAt string `json:"stored_at"`
}

// Compressed reports whether the body is zstd encoded.
func (h *BlobHeader) Compressed() bool {
	return h.Compression == CompressionZstd
}

// WriteFramed writes a framed blob to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *BlobHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	prefix := make([]byte, 0, len(MagicBytes)+4)
	prefix = append(prefix, MagicBytes...)
	prefix = binary.BigEndian.AppendUint32(prefix, uint32(len(headerBytes))) //nolint:gosec // bounds-checked above

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("writing frame prefix: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed reads the frame header from r and returns it along with r,
// which is left positioned at the start of the body.
func ReadFramed(r io.Reader) (*BlobHeader, io.Reader, error) {
	var prefix [8]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, nil, ErrInvalidMagic
		}
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	if !bytes.Equal(prefix[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(prefix[4:])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header BlobHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}
