// Package apierrors carries Bob's §7 error taxonomy as a tagged
// category plus a human message, following the same approach the
// teacher's internal/grpc/errors package uses: a gRPC status.Status
// wraps a codes.Code, so the internal RPC surface (out of scope in its
// generated form, but still a consumer here) can translate errors onto
// wire status codes without a second parallel taxonomy.
package apierrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is one of the categories from spec.md §7.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	DuplicateKey
	VDiskNotFound
	VDiskNoReplicasAvailable
	DiskUnavailable
	Timeout
	QuorumNotReached
	Unauthorized
	AuthFailed
	InvalidConfig
	InvalidKey
	InvalidRequest
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case DuplicateKey:
		return "DuplicateKey"
	case VDiskNotFound:
		return "VDiskNotFound"
	case VDiskNoReplicasAvailable:
		return "VDiskNoReplicasAvailable"
	case DiskUnavailable:
		return "DiskUnavailable"
	case Timeout:
		return "Timeout"
	case QuorumNotReached:
		return "QuorumNotReached"
	case Unauthorized:
		return "Unauthorized"
	case AuthFailed:
		return "AuthFailed"
	case InvalidConfig:
		return "InvalidConfig"
	case InvalidKey:
		return "InvalidKey"
	case InvalidRequest:
		return "InvalidRequest"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

func (k Kind) code() codes.Code {
	switch k {
	case NotFound:
		return codes.NotFound
	case DuplicateKey:
		return codes.AlreadyExists
	case VDiskNotFound:
		return codes.NotFound
	case VDiskNoReplicasAvailable:
		return codes.Unavailable
	case DiskUnavailable:
		return codes.Unavailable
	case Timeout:
		return codes.DeadlineExceeded
	case QuorumNotReached:
		return codes.Aborted
	case Unauthorized:
		return codes.PermissionDenied
	case AuthFailed:
		return codes.Unauthenticated
	case InvalidConfig, InvalidKey, InvalidRequest:
		return codes.InvalidArgument
	case Internal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Error is Bob's concrete error type: a Kind plus a status.Status built
// from it, so callers can either branch on Kind directly or propagate
// the error across the (out of scope, but still present) RPC boundary
// as a gRPC status.
type Error struct {
	kind    Kind
	status  *status.Status
	cause   error
	Retries map[string]error // PutFailed/QuorumNotReached: per-replica sub-errors (§4.3 step 5)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.status.Message(), e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.status.Message())
}

func (e *Error) Unwrap() error { return e.cause }

// GRPCStatus lets the gRPC runtime translate this error directly when it
// crosses the internal RPC boundary, matching status.FromError's
// expectations.
func (e *Error) GRPCStatus() *status.Status { return e.status }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{kind: kind, status: status.New(kind.code(), msg)}
}

// Wrap builds an *Error of the given kind around a causal error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{kind: kind, status: status.New(kind.code(), msg), cause: cause}
}

// WithRetries attaches the per-replica sub-errors produced by a failed
// quorum write (§4.3 step 5, §7 QuorumNotReached).
func (e *Error) WithRetries(retries map[string]error) *Error {
	e.Retries = retries
	return e
}

// Of returns the Kind of err, or Unknown if err is nil or not a Bob
// *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether err is a Bob *Error of the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
