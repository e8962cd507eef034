package types

import "errors"

// Sentinel errors for HitKeeper operations.
var (
	// ErrMissingAction indicates a lifecycle request event without a START/PAUSE action.
	ErrMissingAction = errors.New("lifecycle request missing action")

	// ErrUnknownAction indicates a lifecycle action outside the START/PAUSE set.
	ErrUnknownAction = errors.New("unknown lifecycle action")

	// ErrEmptyContextData indicates an acquisition response without context data.
	ErrEmptyContextData = errors.New("acquisition response has no context data")

	// ErrContextDataTooLarge indicates context data exceeds configured limits.
	ErrContextDataTooLarge = errors.New("context data exceeds maximum size")

	// ErrQueueFull indicates the coordinator event queue rejected a dispatch.
	ErrQueueFull = errors.New("coordinator event queue full")

	// ErrCoordinatorClosed indicates dispatch after the coordinator shut down.
	ErrCoordinatorClosed = errors.New("coordinator is closed")

	// ErrNoPendingHit indicates an enrichment merge with no held hit in the store.
	ErrNoPendingHit = errors.New("no pending hit awaiting enrichment")
)
