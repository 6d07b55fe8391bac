package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error classes the enforcement pipeline branches on.
var (
	ErrContention        = errors.New("contention")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrTransientExternal = errors.New("transient external failure")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
)

// ConflictError is returned when a conditional write loses to another writer.
type ConflictError struct {
	Entity         string
	Key            string
	ExpectedStatus string
	ExpectedEpoch  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conditional write rejected (expected status=%s epoch=%d)", e.Entity, e.Key, e.ExpectedStatus, e.ExpectedEpoch)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrContention
}

func Conflict(entity, key, expectedStatus string, expectedEpoch int64) error {
	return &ConflictError{
		Entity:         entity,
		Key:            key,
		ExpectedStatus: expectedStatus,
		ExpectedEpoch:  expectedEpoch,
	}
}

// Unavailable marks a driver error as a store outage. Context errors pass through untouched.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientExternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientExternal, err)
}

// Kind maps an error to a short label used in logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrTransientExternal):
		return "transient_external"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
