// Package coordinator reconciles folder listings with the remote
// store. It gates each sync on the pending task set so queued local
// mutations always replay before remote state is trusted, and on a
// per-folder watermark so listings are not refetched in a tight loop.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	hearkerr "github.com/hearkenapp/hearken/internal/errors"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/models"
	"github.com/hearkenapp/hearken/internal/remote"
	"github.com/hearkenapp/hearken/internal/state"
)

// PendingCounter reports queued sync work under a path. Implemented by
// syncqueue.Queue.
type PendingCounter interface {
	PendingForPath(path string) int
}

// Coordinator drives list reconciliation between the local tree and
// the remote store.
type Coordinator struct {
	tree        *library.Tree
	client      remote.Client
	queue       PendingCounter
	store       *state.Store
	reload      *events.Hub[events.ReloadEvent]
	enabled     bool
	minInterval time.Duration
	logger      *slog.Logger
}

func New(tree *library.Tree, client remote.Client, queue PendingCounter, store *state.Store,
	reload *events.Hub[events.ReloadEvent], enabled bool, minInterval time.Duration, logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		tree:        tree,
		client:      client,
		queue:       queue,
		store:       store,
		reload:      reload,
		enabled:     enabled,
		minInterval: minInterval,
		logger:      logger,
	}
}

// CanSyncListContents reports whether a listing sync of path may run
// now. Nil means yes. Sync must be enabled, no queued task may touch
// the path's subtree, and the per-folder watermark must be older than
// the minimum interval unless ignoreLastTimestamp overrides it.
func (c *Coordinator) CanSyncListContents(path string, ignoreLastTimestamp bool) error {
	if !c.enabled {
		return hearkerr.ErrSyncDisabled
	}

	p := library.NormalizePath(path)

	if n := c.queue.PendingForPath(p); n > 0 {
		return fmt.Errorf("syncing %q: %d queued tasks must replay first", path, n)
	}

	if ignoreLastTimestamp {
		return nil
	}

	last, err := c.store.LastSynced(p)
	if err != nil {
		return fmt.Errorf("reading sync watermark for %q: %w", path, err)
	}

	if since := time.Since(last); since < c.minInterval {
		return fmt.Errorf("syncing %q: synced %s ago, interval is %s", path, since.Round(time.Second), c.minInterval)
	}

	return nil
}

// SyncListContents fetches the remote listing of path and reconciles
// the local children against it: remote-only entries are added,
// remotely deleted entries are removed with their backing files, and
// shared entries take the remote's metadata while keeping local
// playback state. Local-only items, which have no remote ref, are left
// alone. The watermark advances only after a fully applied listing.
func (c *Coordinator) SyncListContents(ctx context.Context, path string, ignoreLastTimestamp bool) error {
	if err := c.CanSyncListContents(path, ignoreLastTimestamp); err != nil {
		return err
	}

	p := library.NormalizePath(path)

	listing, err := c.client.ListItems(ctx, p)
	if err != nil {
		return fmt.Errorf("listing remote %q: %w", path, err)
	}

	local, err := c.tree.FetchChildren(p, 0, 0)
	if err != nil {
		return fmt.Errorf("listing local %q: %w", path, err)
	}

	byPath := make(map[string]*models.Item, len(local))
	for _, it := range local {
		byPath[it.RelativePath] = it
	}

	var added, updated, removed int

	seen := make(map[string]bool, len(listing))

	for _, entry := range listing {
		entryPath := library.NormalizePath(entry.Path)
		seen[entryPath] = true

		existing, ok := byPath[entryPath]
		if !ok {
			if _, err := c.tree.AddItem(remoteToItem(entryPath, entry)); err != nil {
				return fmt.Errorf("adding remote item %q: %w", entry.Path, err)
			}

			added++

			continue
		}

		if err := c.tree.UpdateRemoteMetadata(existing.RelativePath, entry.Title, entry.Duration, entry.ArtworkURL, entry.Ref); err != nil {
			return fmt.Errorf("updating %q from remote: %w", entry.Path, err)
		}

		updated++
	}

	var gone []string

	for _, it := range local {
		// An item without a remote ref never reached the remote; its
		// absence from the listing means nothing.
		if it.RemoteRef == "" || seen[it.RelativePath] {
			continue
		}

		gone = append(gone, it.RelativePath)
	}

	if len(gone) > 0 {
		if err := c.tree.Delete(gone, library.DeleteDeep); err != nil {
			return fmt.Errorf("removing remotely deleted items: %w", err)
		}

		removed = len(gone)
	}

	if err := c.store.SetLastSynced(p, time.Now()); err != nil {
		return fmt.Errorf("advancing sync watermark for %q: %w", path, err)
	}

	c.logger.Info("folder synced",
		slog.String("path", p),
		slog.Int("added", added),
		slog.Int("updated", updated),
		slog.Int("removed", removed),
	)

	c.reload.Publish(events.ReloadEvent{FolderPath: p})

	return nil
}

// Run syncs the library root on the configured interval until ctx is
// cancelled. Folder-level syncs remain on demand.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(c.minInterval)
	defer ticker.Stop()

	for {
		if err := c.SyncListContents(ctx, "", false); err != nil {
			c.logger.Debug("periodic sync skipped", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func remoteToItem(path string, entry remote.Item) models.Item {
	kind := models.Kind(entry.Kind)
	if !kind.IsContainer() && kind != models.KindBook {
		kind = models.KindBook
	}

	return models.Item{
		RelativePath: path,
		Kind:         kind,
		Title:        entry.Title,
		Duration:     entry.Duration,
		ArtworkURL:   entry.ArtworkURL,
		RemoteRef:    entry.Ref,
	}
}
