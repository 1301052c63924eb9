package bache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// HashSize is the size of a SHA-256 hash in bytes.
const HashSize = 32

// Hash is a SHA-256 digest in binary form. Being an array it compares with ==
// and works as a map key.
type Hash [HashSize]byte

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash parses a hex SHA-256 hash. Either case is accepted.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s)%2 != 0 {
		return Hash{}, fmt.Errorf("%w: %w: odd length %d", ErrInvalidDigest, ErrInvalidHexString, len(s))
	}
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("%w: expected %d hex chars, got %d", ErrInvalidDigest, HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("%w: %w: %v", ErrInvalidDigest, ErrInvalidHexString, err)
	}
	return h, nil
}

// HashBytes computes the SHA-256 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// Hasher accumulates a SHA-256 hash and byte count as upload chunks arrive.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.n += int64(n)
	return n, err
}

// Digest returns the digest of everything written so far without resetting.
func (h *Hasher) Digest() Digest {
	var sum Hash
	h.h.Sum(sum[:0])
	return Digest{Hash: sum, SizeBytes: h.n}
}

// BytesWritten returns the total number of bytes hashed.
func (h *Hasher) BytesWritten() int64 {
	return h.n
}
