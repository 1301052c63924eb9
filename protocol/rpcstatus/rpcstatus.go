// Package rpcstatus maps domain errors onto gRPC status codes.
package rpcstatus

import (
	"context"
	"errors"

	"github.com/wolfeidau/bache"
	"github.com/wolfeidau/bache/store"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const hexHint = "a SHA-256 hash is 64 hex characters: two digits per byte, using 0-9, a-f or A-F"

// Code classifies err. Errors that already carry a gRPC status keep it.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, bache.ErrInvalidDigest),
		errors.Is(err, bache.ErrInvalidHexString),
		errors.Is(err, bache.ErrInvalidResourceName),
		errors.Is(err, bache.ErrDigestMismatch),
		errors.Is(err, store.ErrUploadClosed),
		errors.Is(err, store.ErrUploadNotFinal):
		return codes.InvalidArgument
	case errors.Is(err, store.ErrInvalidRange):
		return codes.OutOfRange
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStoreNotFound):
		return codes.NotFound
	case errors.Is(err, store.ErrBlobTooLarge):
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// FromError converts err into a gRPC status error. Malformed hashes carry a
// BadRequest detail describing the expected form.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return toStatus(err).Err()
}

// Proto converts err into a google.rpc.Status for per-entry batch results.
// A nil error is OK.
func Proto(err error) *spb.Status {
	if err == nil {
		return &spb.Status{Code: int32(codes.OK)}
	}
	if s, ok := status.FromError(err); ok {
		return s.Proto()
	}
	return toStatus(err).Proto()
}

func toStatus(err error) *status.Status {
	st := status.New(Code(err), err.Error())
	if !errors.Is(err, bache.ErrInvalidHexString) {
		return st
	}
	detailed, derr := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: "digest.hash", Description: hexHint},
		},
	})
	if derr != nil {
		return st
	}
	return detailed
}
