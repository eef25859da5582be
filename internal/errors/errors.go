// Package errors defines the sentinel errors shared across the library
// core. Remote-transport error classification lives in internal/remote.
package errors

import "errors"

// Structural tree errors. Returned synchronously to the caller and never
// retried: they indicate a stale UI reference or a caller bug.
var (
	ErrItemNotFound       = errors.New("item not found")
	ErrInvalidDestination = errors.New("destination is inside the moved item")
	ErrDuplicateRank      = errors.New("duplicate sibling rank")
)

// Download lifecycle errors.
var (
	ErrNotDownloading = errors.New("item is not downloading")
	ErrNotDownloaded  = errors.New("item is not downloaded")
)

// Sync scheduling errors.
var (
	ErrSyncDisabled = errors.New("sync is disabled")
)
