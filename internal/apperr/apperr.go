// Package apperr declares the failure kinds surfaced to callers of the
// grouping service. Errors are created with goerr and classified with errors.Is.
package apperr

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Sentinel errors. Wrap them with goerr.Wrap to attach context values.
var (
	ErrInvalidInput      = goerr.New("invalid input")
	ErrStoreUnavailable  = goerr.New("group store unavailable")
	ErrDuplicateSourceID = goerr.New("duplicate source identifier")
)

// Kind names used in API responses and logs.
const (
	KindInvalidInput      = "invalid_input"
	KindStoreUnavailable  = "store_unavailable"
	KindDuplicateSourceID = "duplicate_source_id"
	KindInternal          = "internal"
)

// Context keys for error values
const (
	ImageIDKey   = "image_id"
	GroupIDKey   = "group_id"
	WantDimKey   = "want_dim"
	GotDimKey    = "got_dim"
	BackendKey   = "backend"
	OperationKey = "operation"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrDuplicateSourceID):
		return KindDuplicateSourceID
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	default:
		return KindInternal
	}
}

// Unavailable wraps a backend failure as ErrStoreUnavailable, keeping the
// original error message and recording the failed operation.
func Unavailable(err error, backend, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrDuplicateSourceID) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return goerr.Wrap(ErrStoreUnavailable, err.Error(),
		goerr.V(BackendKey, backend),
		goerr.V(OperationKey, op),
	)
}
