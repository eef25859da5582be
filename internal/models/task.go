package models

import "time"

// TaskKind identifies the remote mutation a queued task performs.
type TaskKind string

const (
	TaskUpload         TaskKind = "upload"
	TaskMove           TaskKind = "move"
	TaskDelete         TaskKind = "delete"
	TaskRenameFolder   TaskKind = "renameFolder"
	TaskSetBookmark    TaskKind = "setBookmark"
	TaskDeleteBookmark TaskKind = "deleteBookmark"
	TaskUploadArtwork  TaskKind = "uploadArtwork"
)

// SyncTask is a durable queue entry recording one pending remote
// mutation. Tasks are keyed by Seq in the state store; Seq also defines
// drain order within the same target path.
type SyncTask struct {
	ID   string   `json:"id"`
	Kind TaskKind `json:"kind"`
	Seq  uint64   `json:"seq"`

	// TargetPath is the relative path of the item the mutation applies
	// to. Dedup and per-item ordering key on (Kind, TargetPath).
	TargetPath string `json:"target_path"`

	// RemoteRef of the target at enqueue time, when known.
	RemoteRef string `json:"remote_ref,omitempty"`

	// DestinationPath is the item's full path after a move or rename.
	DestinationPath string `json:"destination_path,omitempty"`

	// BookmarkName and BookmarkPosition carry bookmark payloads.
	BookmarkName     string  `json:"bookmark_name,omitempty"`
	BookmarkPosition float64 `json:"bookmark_position,omitempty"`

	// ArtworkPath is the local file uploaded for uploadArtwork tasks.
	ArtworkPath string `json:"artwork_path,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// DedupKey returns the identity used for queue deduplication: a second
// enqueue of the same logical mutation replaces the first rather than
// producing two remote calls.
func (t *SyncTask) DedupKey() string {
	key := string(t.Kind) + "\x00" + t.TargetPath
	if t.Kind == TaskSetBookmark || t.Kind == TaskDeleteBookmark {
		key += "\x00" + t.BookmarkName
	}

	return key
}
