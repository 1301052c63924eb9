// Package bache provides the identity model for a Bazel remote cache:
// SHA-256 content digests and the ByteStream resource names that address them.
package bache

import (
	"fmt"
	"strconv"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Digest identifies a blob by the SHA-256 hash of its content and its size.
// Two digests are equal only when both hash and size match, so a Digest is
// safe to use as a map key.
type Digest struct {
	Hash      Hash
	SizeBytes int64
}

// EmptyDigest is the digest of the zero-length blob.
var EmptyDigest = DigestOf(nil)

// NewDigest builds a Digest from its text hash and size.
func NewDigest(hash string, sizeBytes int64) (Digest, error) {
	if sizeBytes < 0 {
		return Digest{}, fmt.Errorf("%w: negative size %d", ErrInvalidDigest, sizeBytes)
	}
	h, err := ParseHash(hash)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: h, SizeBytes: sizeBytes}, nil
}

// DigestFromProto converts a wire digest, validating the hash encoding.
func DigestFromProto(d *repb.Digest) (Digest, error) {
	if d == nil {
		return Digest{}, fmt.Errorf("%w: missing digest", ErrInvalidDigest)
	}
	return NewDigest(d.GetHash(), d.GetSizeBytes())
}

// DigestOf returns the digest of data.
func DigestOf(data []byte) Digest {
	return Digest{Hash: HashBytes(data), SizeBytes: int64(len(data))}
}

// Proto returns the wire form of the digest.
func (d Digest) Proto() *repb.Digest {
	return &repb.Digest{
		Hash:      d.Hash.String(),
		SizeBytes: d.SizeBytes,
	}
}

// HashString returns the lowercase hex form of the hash.
func (d Digest) HashString() string {
	return d.Hash.String()
}

// IsEmpty reports whether d is the digest of the zero-length blob.
func (d Digest) IsEmpty() bool {
	return d == EmptyDigest
}

// String renders the digest as "{hash}/{size}".
func (d Digest) String() string {
	return d.Hash.String() + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

// Verify checks that data hashes to d.
func (d Digest) Verify(data []byte) error {
	return d.Match(DigestOf(data))
}

// Match returns ErrDigestMismatch when actual differs from d.
func (d Digest) Match(actual Digest) error {
	if actual != d {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, d, actual)
	}
	return nil
}
