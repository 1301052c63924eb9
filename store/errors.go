package store

import (
	"errors"

	"github.com/wolfeidau/bache"
)

var (
	// ErrNotFound is returned when a blob or upload does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRange is returned when a read offset is past the end of the
	// blob or a range value is negative.
	ErrInvalidRange = errors.New("invalid range")

	// ErrStoreNotFound is returned when no store is configured for an
	// instance name.
	ErrStoreNotFound = errors.New("store not found")

	// ErrUploadClosed is returned when writing to an upload that has already
	// received its final chunk.
	ErrUploadClosed = errors.New("upload closed")

	// ErrUploadNotFinal is returned when finalizing an upload that has not
	// received its final chunk.
	ErrUploadNotFinal = errors.New("upload not final")

	// ErrBlobTooLarge is returned when a blob cannot fit in the store.
	ErrBlobTooLarge = errors.New("blob too large")

	// ErrDigestMismatch aliases the root error so callers only need this package.
	ErrDigestMismatch = bache.ErrDigestMismatch
)
