// Package models holds the shared data types persisted by the state
// store and exchanged between the library, queue and sync packages.
package models

import "time"

// Kind classifies a tree item.
type Kind string

const (
	// KindBook is a leaf item backed by a single audio file.
	KindBook Kind = "book"

	// KindFolder is an ordinary container of items.
	KindFolder Kind = "folder"

	// KindBoundVolume is a folder that is also directly playable as a
	// single unit; its children are ordered chapters.
	KindBoundVolume Kind = "boundVolume"
)

// IsContainer reports whether items of this kind own children.
func (k Kind) IsContainer() bool {
	return k == KindFolder || k == KindBoundVolume
}

// Bookmark is a named position within a playable item.
type Bookmark struct {
	Name      string    `json:"name"`
	Position  float64   `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is a node in the library tree. RelativePath is its identity:
// slash-delimited, unique, with the parent path encoded as everything
// before the last segment.
type Item struct {
	RelativePath string `json:"path"`
	Kind         Kind   `json:"kind"`

	// Rank orders the item among its siblings. Unique per parent, not
	// required to be contiguous.
	Rank int64 `json:"rank"`

	Title            string    `json:"title,omitempty"`
	Details          string    `json:"details,omitempty"`
	Duration         float64   `json:"duration"`
	CurrentTime      float64   `json:"current_time"`
	PercentCompleted float64   `json:"percent_completed"`
	IsFinished       bool      `json:"is_finished"`
	LastPlayDate     time.Time `json:"last_play_date,omitzero"`
	OriginalFileName string    `json:"original_file_name,omitempty"`
	ArtworkURL       string    `json:"artwork_url,omitempty"`

	// RemoteRef is the remote store's identifier for this item's backing
	// content, empty for items that only exist locally.
	RemoteRef string `json:"remote_ref,omitempty"`

	// ProgressIsStale marks a container whose aggregate duration and
	// completion must be recomputed before being trusted for display.
	ProgressIsStale bool `json:"progress_is_stale,omitempty"`

	Bookmarks []Bookmark `json:"bookmarks,omitempty"`
}

// Clone returns a deep copy of the item. Readers of the tree get clones
// so a later mutation never changes data a caller is still holding.
func (it *Item) Clone() *Item {
	cp := *it
	if len(it.Bookmarks) > 0 {
		cp.Bookmarks = make([]Bookmark, len(it.Bookmarks))
		copy(cp.Bookmarks, it.Bookmarks)
	}

	return &cp
}
