package bache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	segmentBlobs   = "blobs"
	segmentUploads = "uploads"
)

// ResourceName is a parsed ByteStream resource name.
type ResourceName struct {
	InstanceName string

	// UploadID is only meaningful when IsUpload is true.
	UploadID uuid.UUID
	IsUpload bool

	Hash      string
	SizeBytes int64
}

// ParseResourceName parses the two resource name forms Bazel sends:
//
//	{instance_name}/blobs/{hash}/{size}
//	{instance_name}/uploads/{uuid}/blobs/{hash}/{size}
//
// The empty instance is written with a leading slash ("/blobs/..."); every
// segment is required. The hash is not validated here; call Digest for that.
func ParseResourceName(name string) (ResourceName, error) {
	if instance, rest, ok := strings.Cut(name, "/"); ok {
		if rn, ok := parseSegments(instance, rest); ok {
			return rn, nil
		}
	}
	return ResourceName{}, fmt.Errorf("%w: %q", ErrInvalidResourceName, name)
}

func parseSegments(instance, name string) (ResourceName, bool) {
	rn := ResourceName{InstanceName: instance}
	rest := strings.SplitN(name, "/", 5)

	switch rest[0] {
	case segmentBlobs:
		rest = rest[1:]
	case segmentUploads:
		if len(rest) != 5 || rest[2] != segmentBlobs {
			return ResourceName{}, false
		}
		id, err := uuid.Parse(rest[1])
		if err != nil {
			return ResourceName{}, false
		}
		rn.UploadID = id
		rn.IsUpload = true
		rest = rest[3:]
	default:
		return ResourceName{}, false
	}

	// hash and size must be the final two segments
	if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
		return ResourceName{}, false
	}
	rn.Hash = rest[0]

	size, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil || size < 0 || rest[1][0] == '+' {
		return ResourceName{}, false
	}
	rn.SizeBytes = size

	return rn, true
}

// Digest validates the hash and size and returns them as a Digest.
func (rn ResourceName) Digest() (Digest, error) {
	return NewDigest(rn.Hash, rn.SizeBytes)
}

// UploadKey returns the upload session key, or the empty string for read
// resource names.
func (rn ResourceName) UploadKey() string {
	if !rn.IsUpload {
		return ""
	}
	return rn.UploadID.String()
}

// String returns the canonical resource name.
func (rn ResourceName) String() string {
	var b strings.Builder
	b.WriteString(rn.InstanceName)
	b.WriteByte('/')
	if rn.IsUpload {
		b.WriteString(segmentUploads)
		b.WriteByte('/')
		b.WriteString(rn.UploadID.String())
		b.WriteByte('/')
	}
	b.WriteString(segmentBlobs)
	b.WriteByte('/')
	b.WriteString(rn.Hash)
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(rn.SizeBytes, 10))
	return b.String()
}

// ReadResourceName renders a read resource name for d.
func ReadResourceName(instanceName string, d Digest) string {
	return ResourceName{InstanceName: instanceName, Hash: d.HashString(), SizeBytes: d.SizeBytes}.String()
}

// UploadResourceName renders an upload resource name for d.
func UploadResourceName(instanceName string, id uuid.UUID, d Digest) string {
	return ResourceName{
		InstanceName: instanceName,
		UploadID:     id,
		IsUpload:     true,
		Hash:         d.HashString(),
		SizeBytes:    d.SizeBytes,
	}.String()
}
