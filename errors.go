package bache

import "errors"

var (
	// ErrInvalidDigest is returned when a hash is not 64 hex characters or a
	// size is negative.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrInvalidHexString is returned when a hash contains characters that are
	// not hex digits or has an odd length.
	ErrInvalidHexString = errors.New("invalid hex string")

	// ErrInvalidResourceName is returned when a ByteStream resource name does
	// not match either supported grammar.
	ErrInvalidResourceName = errors.New("invalid resource name")

	// ErrDigestMismatch is returned when content does not hash to the digest it
	// was claimed under.
	ErrDigestMismatch = errors.New("digest mismatch")
)
