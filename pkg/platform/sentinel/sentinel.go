package sentinel

import "errors"

// Sentinel errors for storage and broker facts. Stores return these (optionally
// wrapped) so handlers can decide between skip, retry and dead-letter:
// - ErrNotFound: artifact, subscription or queue does not exist
// - ErrAlreadyUsed: an event id was already applied to a lineage
// - ErrConflict: a concurrent writer created the same version first
// - ErrInvalidState: entity is in the wrong state for the operation
// - ErrUnavailable: backend temporarily unreachable
// - ErrClosed: broker channel or connection already released
//
// Validation failures use pkg/domain-errors instead.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrClosed       = errors.New("closed")
)
