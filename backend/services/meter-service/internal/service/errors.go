package service

import (
	"context"
	"errors"
	"fmt"

	"watermeter/backend/services/meter-service/internal/repository"
)

var (
	// ErrUnknownSource is returned for controller ids missing from the identity map.
	ErrUnknownSource = errors.New("meter: unknown source")
	// ErrCounterNotFound is returned when the referenced counter does not exist.
	ErrCounterNotFound = errors.New("meter: counter not found")
	// ErrInvalidRange is returned when a period does not satisfy start < end.
	ErrInvalidRange = errors.New("meter: invalid time range")
	// ErrMalformedMessage is returned for inbound messages that cannot be decoded or validated.
	ErrMalformedMessage = errors.New("meter: malformed message")
	// ErrStorageFailure wraps every error raised by the store.
	ErrStorageFailure = errors.New("meter: storage failure")
)

// storageError maps a store error onto the service sentinels.
func storageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCounterNotFound), errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrCounterNotFound)
	default:
		return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
	}
}

// failureReason is the metric label for a failed operation.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrCounterNotFound):
		return "counter_not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "storage"
	}
}
