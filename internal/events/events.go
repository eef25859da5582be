// Package events provides typed per-concern event hubs. Each concern
// (download progress, queue counts, permanent task failures, list
// reloads) has its own hub and subscribers receive only the events they
// asked for; there is no global broadcast bus.
package events

import (
	"sync"

	"github.com/hearkenapp/hearken/internal/models"
)

// Hub fans a single event type out to subscribers. Publish never
// blocks: a subscriber whose channel buffer is full misses the event.
// Mutation paths must not stall on a slow UI consumer.
type Hub[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan T, buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers an event to every subscriber that has buffer space.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// DownloadEvent reports progress or completion of an item download.
type DownloadEvent struct {
	// Path is the relative path of the item being downloaded.
	Path string

	// Progress is the completed fraction in [0, 1].
	Progress float64

	// Done is true once the whole item has resolved, successfully or not.
	Done bool

	// Err is set when the download failed or was cancelled.
	Err error
}

// QueueCountEvent reports a change in the number of pending sync tasks.
type QueueCountEvent struct {
	Pending int
}

// TaskFailureEvent reports a sync task that was dropped permanently,
// either after exhausting its retries or on a non-retryable error.
type TaskFailureEvent struct {
	TaskID string
	Kind   models.TaskKind
	Path   string
	Err    error
}

// ReloadEvent signals that a folder's displayed contents are out of
// date after a structural mutation or a successful reconciliation. The
// empty path means the library root.
type ReloadEvent struct {
	FolderPath string
}

// Hubs bundles one hub per concern, constructed once at process start
// and handed to each service.
type Hubs struct {
	Download    *Hub[DownloadEvent]
	QueueCount  *Hub[QueueCountEvent]
	TaskFailure *Hub[TaskFailureEvent]
	Reload      *Hub[ReloadEvent]
}

// NewHubs creates the full set of event hubs.
func NewHubs() *Hubs {
	return &Hubs{
		Download:    NewHub[DownloadEvent](),
		QueueCount:  NewHub[QueueCountEvent](),
		TaskFailure: NewHub[TaskFailureEvent](),
		Reload:      NewHub[ReloadEvent](),
	}
}
