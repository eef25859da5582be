package library

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	hearkerr "github.com/hearkenapp/hearken/internal/errors"
	"github.com/hearkenapp/hearken/internal/models"
)

// staleBatchSize bounds how many flagged folders a single
// ProcessStaleFolders call rebuilds. Folders flagged during the pass
// (parents of rebuilt folders) wait for the next call, keeping each
// call proportional to recent activity rather than tree size.
const staleBatchSize = 64

// MarkStale flags a container's aggregate progress as untrustworthy
// without recomputing it. Called whenever a descendant book's progress
// changes outside the actively-rendered list. Flagging the root (empty
// path) or a missing folder is a no-op.
func (t *Tree) MarkStale(folderPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.markStaleLocked(NormalizePath(folderPath))
}

// markStaleLocked flags each container path and persists the flag so a
// crash between flagging and recomputation loses nothing. Deliberately
// not propagated upward: rebuilding a folder marks its own parent, so a
// mutation costs O(depth) flags, never O(depth) recomputations.
func (t *Tree) markStaleLocked(paths ...string) {
	var upserts []models.Item

	for _, path := range paths {
		if path == "" {
			continue
		}

		it, ok := t.items[path]
		if !ok || !it.Kind.IsContainer() || it.ProgressIsStale {
			continue
		}

		cp := *it.Clone()
		cp.ProgressIsStale = true
		upserts = append(upserts, cp)
	}

	if len(upserts) == 0 {
		return
	}

	if err := t.commitLocked(upserts, nil); err != nil {
		t.logger.Warn("persisting stale flags", slog.Any("error", err))
	}

	for _, it := range upserts {
		t.stale[it.RelativePath] = struct{}{}
	}
}

// ProcessStaleFolders rebuilds a bounded batch of flagged folders,
// deepest first so parents in the same batch see fresh child
// aggregates. Returns whether any folder was rebuilt, so callers can
// decide whether a displayed list needs refreshing.
func (t *Tree) ProcessStaleFolders() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.stale) == 0 {
		return false, nil
	}

	batch := make([]string, 0, len(t.stale))
	for path := range t.stale {
		batch = append(batch, path)
	}

	sort.Slice(batch, func(i, j int) bool {
		di, dj := strings.Count(batch[i], "/"), strings.Count(batch[j], "/")
		if di != dj {
			return di > dj
		}

		return batch[i] < batch[j]
	})

	if len(batch) > staleBatchSize {
		batch = batch[:staleBatchSize]
	}

	// pending overlays t.items during the pass so a parent later in the
	// batch sums its children's rebuilt values, then everything commits
	// in one transaction.
	pending := make(map[string]*models.Item)

	var parents []string

	processed := false

	for _, path := range batch {
		folder, ok := t.items[path]
		if !ok || !folder.Kind.IsContainer() {
			// Deleted or converted since flagging.
			delete(t.stale, path)
			continue
		}

		rebuilt := t.aggregateLocked(folder, pending)
		pending[path] = &rebuilt
		processed = true

		if parent := ParentPath(path); parent != "" {
			parents = append(parents, parent)
		}
	}

	if len(pending) > 0 {
		upserts := make([]models.Item, 0, len(pending))
		for _, it := range pending {
			upserts = append(upserts, *it)
		}

		if err := t.commitLocked(upserts, nil); err != nil {
			return false, err
		}

		for path := range pending {
			delete(t.stale, path)
		}
	}

	// A parent rebuilt later in this same batch already summed the
	// fresh child values (deepest-first ordering), so only parents
	// outside the batch carry a flag forward.
	carry := parents[:0]

	for _, parent := range parents {
		if _, done := pending[parent]; !done {
			carry = append(carry, parent)
		}
	}

	t.markStaleLocked(carry...)

	return processed, nil
}

// RebuildFolderDetails eagerly recomputes exactly one folder's
// aggregates and flags its parent. Used right after a structural
// mutation, where staleness would otherwise be invisible until the
// next stale-scan.
func (t *Tree) RebuildFolderDetails(folderPath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := NormalizePath(folderPath)

	folder, ok := t.items[path]
	if !ok {
		return fmt.Errorf("rebuilding %q: %w", folderPath, hearkerr.ErrItemNotFound)
	}

	if !folder.Kind.IsContainer() {
		return fmt.Errorf("rebuilding %q: item is a book, not a folder", folderPath)
	}

	rebuilt := t.aggregateLocked(folder, nil)

	if err := t.commitLocked([]models.Item{rebuilt}, nil); err != nil {
		return err
	}

	delete(t.stale, path)
	t.markStaleLocked(ParentPath(path))

	return nil
}

// aggregateLocked computes a folder's duration and duration-weighted
// completion from its direct children, trusting child aggregates as
// they stand (child staleness is resolved by batch ordering, not by
// recursion). A folder with zero total duration reports 0%; a folder
// all of whose children are finished is itself finished.
func (t *Tree) aggregateLocked(folder *models.Item, pending map[string]*models.Item) models.Item {
	children := t.childrenLocked(folder.RelativePath)

	var totalDur, weighted float64

	finished := len(children) > 0

	for _, c := range children {
		if p, ok := pending[c.RelativePath]; ok {
			c = p
		}

		totalDur += c.Duration
		weighted += c.PercentCompleted * c.Duration

		if !c.IsFinished {
			finished = false
		}
	}

	cp := *folder.Clone()
	cp.Duration = totalDur
	cp.IsFinished = finished
	cp.ProgressIsStale = false

	if totalDur > 0 {
		cp.PercentCompleted = weighted / totalDur
	} else {
		cp.PercentCompleted = 0
	}

	return cp
}

// StaleCount returns the current size of the dirty set.
func (t *Tree) StaleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.stale)
}
