package reconcile

import (
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure by how the caller should react.
type Kind int

const (
	KindUnknownProvider Kind = iota + 1
	KindSignature
	KindMalformed
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindStorage
)

// Code is the machine-readable error code returned in response bodies.
func (k Kind) Code() string {
	switch k {
	case KindUnknownProvider:
		return "unknown_provider"
	case KindSignature:
		return "invalid_signature"
	case KindMalformed:
		return "malformed_event"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream_unavailable"
	case KindStorage:
		return "storage_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps the kind onto the status the provider sees. Providers
// retry 5xx and stop on 4xx.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnknownProvider, KindNotFound:
		return http.StatusNotFound
	case KindSignature, KindMalformed:
		return http.StatusBadRequest
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Permanent reports whether redelivering the same event cannot succeed.
func (k Kind) Permanent() bool {
	switch k {
	case KindSignature, KindMalformed, KindValidation:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind.Code(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is shorthand for e.Kind.HTTPStatus().
func (e *Error) HTTPStatus() int { return e.Kind.HTTPStatus() }

func fail(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
