package bache

import (
	"fmt"
	"strconv"
	"strings"
)

// Blob storage key layout.

const blobKeyPrefix = "cas"

// BlobStorageKey returns the backend storage key for a blob.
// Format: cas/{hex[:2]}/{hex}-{size}
func BlobStorageKey(d Digest) string {
	hex := d.Hash.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex + "-" + strconv.FormatInt(d.SizeBytes, 10)
}

// ParseBlobStorageKey extracts a Digest from a backend storage key.
func ParseBlobStorageKey(key string) (Digest, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != blobKeyPrefix {
		return Digest{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	hash, size, ok := strings.Cut(parts[2], "-")
	if !ok {
		return Digest{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	if len(hash) < 2 || parts[1] != hash[:2] {
		return Digest{}, fmt.Errorf("invalid blob key shard: %s", key)
	}
	n, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid blob key size %q: %w", key, err)
	}
	return NewDigest(hash, n)
}
