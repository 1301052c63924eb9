package bache

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResourceName(t *testing.T) {
	hex := DigestOf([]byte("test")).HashString()
	id := uuid.MustParse("3e0dcb4b-1a45-4e5c-9c1c-6f2f1b8e7a10")

	tests := []struct {
		name         string
		input        string
		wantInstance string
		wantUpload   bool
		wantSize     int64
	}{
		{
			name:         "read",
			input:        "main/blobs/" + hex + "/4",
			wantInstance: "main",
			wantSize:     4,
		},
		{
			name:         "upload",
			input:        "main/uploads/" + id.String() + "/blobs/" + hex + "/4",
			wantInstance: "main",
			wantUpload:   true,
			wantSize:     4,
		},
		{
			name:     "empty instance with leading slash",
			input:    "/blobs/" + hex + "/0",
			wantSize: 0,
		},
		{
			name:       "empty instance upload",
			input:      "/uploads/" + id.String() + "/blobs/" + hex + "/12",
			wantUpload: true,
			wantSize:   12,
		},
		{
			name:         "instance named blobs",
			input:        "blobs/blobs/" + hex + "/1",
			wantInstance: "blobs",
			wantSize:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rn, err := ParseResourceName(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantInstance, rn.InstanceName)
			assert.Equal(t, tt.wantUpload, rn.IsUpload)
			assert.Equal(t, hex, rn.Hash)
			assert.Equal(t, tt.wantSize, rn.SizeBytes)
			if tt.wantUpload {
				assert.Equal(t, id, rn.UploadID)
				assert.Equal(t, id.String(), rn.UploadKey())
			} else {
				assert.Empty(t, rn.UploadKey())
			}
		})
	}
}

func TestParseResourceNameInvalid(t *testing.T) {
	hex := DigestOf([]byte("test")).HashString()
	id := uuid.NewString()

	for _, input := range []string{
		"",
		"main",
		"main/blobs",
		"main/blobs/" + hex,
		"main/blobs/" + hex + "/",
		"main/blobs/" + hex + "/abc",
		"main/blobs/" + hex + "/-1",
		"main/blobs/" + hex + "/+1",
		"main/blobs/" + hex + "/99999999999999999999",
		"main/blobs/" + hex + "/4/extra",
		"main/blob/" + hex + "/4",
		"main/uploads/not-a-uuid/blobs/" + hex + "/4",
		"main/uploads/" + id + "/blob/" + hex + "/4",
		"main/uploads/" + id + "/objects/" + hex + "/4",
		"main/uploads/" + id + "/blobs/" + hex,
		"main/uploads/" + id + "/blobs/" + hex + "/4/metadata",
		"a/b/blobs/" + hex + "/4",
		"blobs/" + hex + "/4",
		"uploads/" + id + "/blobs/" + hex + "/4",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseResourceName(input)
			require.ErrorIs(t, err, ErrInvalidResourceName)
			require.True(t, strings.Contains(err.Error(), input))
		})
	}
}

func TestResourceNameDigest(t *testing.T) {
	d := DigestOf([]byte("payload"))

	rn, err := ParseResourceName(ReadResourceName("ci", d))
	require.NoError(t, err)

	got, err := rn.Digest()
	require.NoError(t, err)
	require.Equal(t, d, got)

	rn.Hash = "nothex"
	_, err = rn.Digest()
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestResourceNameStringRoundTrip(t *testing.T) {
	d := DigestOf([]byte("payload"))
	id := uuid.New()

	for _, name := range []string{
		ReadResourceName("ci", d),
		ReadResourceName("", d),
		UploadResourceName("ci", id, d),
	} {
		rn, err := ParseResourceName(name)
		require.NoError(t, err)
		require.Equal(t, name, rn.String())
	}
}
