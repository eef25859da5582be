// Package remote defines the remote library store client: the listing,
// transfer and mutation calls the sync queue and coordinator replay
// local changes against, with a typed error taxonomy so the retry
// policy can tell transient failures from permanent ones.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrorKind classifies a remote failure for retry decisions.
type ErrorKind int

const (
	// KindNetwork covers connection failures and timeouts. Retryable.
	KindNetwork ErrorKind = iota

	// KindNotFound means the item no longer exists remotely. Not
	// retryable: the task referencing it is dropped and surfaced.
	KindNotFound

	// KindQuota means the remote store refused the write for space or
	// rate reasons. Not retryable; surfaced immediately.
	KindQuota

	// KindAuth means the credentials were rejected. Not retryable.
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNotFound:
		return "not_found"
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("remote %s %q: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}

	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same call could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork
}

// IsRetryable reports whether err is a transient remote failure. An
// unclassified error is treated as transient so a wiring bug degrades
// to bounded retries rather than silent task loss.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable()
	}

	return true
}

// Item is a remote store record for one library entry.
type Item struct {
	Path       string  `json:"path"`
	Ref        string  `json:"ref"`
	Kind       string  `json:"kind"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Size       int64   `json:"size"`
	ArtworkURL string  `json:"artwork_url"`
}

// Client is the remote library store. Implementations classify every
// failure as *Error so callers can branch on retryability.
type Client interface {
	// ListItems returns the remote's direct children of a list path.
	// The empty path is the library root.
	ListItems(ctx context.Context, path string) ([]Item, error)

	// Upload sends a local file's content, returning the remote ref.
	Upload(ctx context.Context, path string, content io.Reader) (string, error)

	// Download streams the content behind a remote ref. The returned
	// size is -1 when unknown.
	Download(ctx context.Context, ref string) (io.ReadCloser, int64, error)

	// Delete removes the remote item behind ref.
	Delete(ctx context.Context, ref string) error

	// Move reparents the remote item under newParent.
	Move(ctx context.Context, ref, newParent string) error

	// Rename changes the remote item's leaf name.
	Rename(ctx context.Context, ref, newName string) error

	// SetBookmark creates or replaces a named position on the item.
	SetBookmark(ctx context.Context, ref, name string, position float64) error

	// DeleteBookmark removes a named position from the item.
	DeleteBookmark(ctx context.Context, ref, name string) error

	// UploadArtwork replaces the item's cover image.
	UploadArtwork(ctx context.Context, ref string, content io.Reader) error
}
