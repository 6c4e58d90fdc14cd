package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// Enqueue errors. All of them are validation errors so callers can treat
	// them uniformly while still telling them apart with errors.Is.
	ErrInvalidRecipient   = fmt.Errorf("%w: invalid recipient", ErrValidation)
	ErrUnknownTemplateKey = fmt.Errorf("%w: unknown template key", ErrValidation)
	ErrMissingVariable    = fmt.Errorf("%w: missing template variable", ErrValidation)

	// ErrLeaseLost is returned when a claimed request is no longer owned by the
	// caller, either because its lease expired or another claim took it over.
	ErrLeaseLost = errors.New("claim lease lost")

	// ErrStoreUnavailable marks persistence failures surfaced to the dispatcher.
	ErrStoreUnavailable = errors.New("store unavailable")
)
