// Package library implements the hierarchical content store: books,
// folders and bound volumes addressed by relative path, ordered by rank,
// with folder-level progress aggregation.
package library

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	hearkerr "github.com/hearkenapp/hearken/internal/errors"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/models"
	"github.com/hearkenapp/hearken/internal/state"
)

// rankStep is the spacing between sibling ranks on append and renumber.
// Reordering bisects the gap; a collision renumbers the whole sibling
// range, so ties cannot occur.
const rankStep = int64(1) << 20

// DeleteMode selects what happens to a deleted folder's children.
type DeleteMode int

const (
	// DeleteShallow removes only the folder, promoting its children to
	// the folder's former parent in their current order.
	DeleteShallow DeleteMode = iota

	// DeleteDeep removes the item and its whole subtree, including
	// backing files.
	DeleteDeep
)

// SortType selects the comparator for SortContents.
type SortType int

const (
	SortByTitle SortType = iota
	SortByMostRecent
	SortReversed
	SortByOriginalFileName
)

// BlobStore relocates and removes the backing files of items as the
// tree mutates. Implemented by blob.Store; nil disables backing-file
// maintenance (tests).
type BlobStore interface {
	RemoveItem(relPath string) error
	MoveItem(oldRel, newRel string) error
}

// Tree is the library content store. All mutations are serialized
// through a single writer lock and committed to the state store in one
// transaction before the in-memory view changes, so a concurrent reader
// never observes a half-moved subtree or a duplicate rank.
type Tree struct {
	mu    sync.RWMutex
	items map[string]*models.Item

	// stale is the dirty set of container paths whose aggregate
	// progress needs recomputation. Bounded by recent activity, not
	// tree size.
	stale map[string]struct{}

	store  *state.Store
	blobs  BlobStore
	reload *events.Hub[events.ReloadEvent]
	logger *slog.Logger
}

// NewTree loads the item set from the state store. Containers whose
// persisted progress flag is stale re-enter the dirty set so a crash
// between flagging and recomputation loses nothing.
func NewTree(store *state.Store, blobs BlobStore, reload *events.Hub[events.ReloadEvent], logger *slog.Logger) (*Tree, error) {
	all, err := store.AllItems()
	if err != nil {
		return nil, fmt.Errorf("loading library items: %w", err)
	}

	t := &Tree{
		items:  make(map[string]*models.Item, len(all)),
		stale:  make(map[string]struct{}),
		store:  store,
		blobs:  blobs,
		reload: reload,
		logger: logger,
	}

	for path, it := range all {
		cp := it
		t.items[path] = &cp

		if it.ProgressIsStale {
			t.stale[path] = struct{}{}
		}
	}

	return t, nil
}

// Item returns a snapshot of the item at path.
func (t *Tree) Item(path string) (*models.Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	it, ok := t.items[NormalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("fetching %q: %w", path, hearkerr.ErrItemNotFound)
	}

	return it.Clone(), nil
}

// FetchChildren returns the direct children of parentPath ordered by
// rank ascending, paginated by offset and limit. A limit of zero or
// less returns everything from offset. The empty parent path is the
// library root.
func (t *Tree) FetchChildren(parentPath string, limit, offset int) ([]*models.Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent := NormalizePath(parentPath)
	if parent != "" {
		p, ok := t.items[parent]
		if !ok {
			return nil, fmt.Errorf("fetching children of %q: %w", parentPath, hearkerr.ErrItemNotFound)
		}

		if !p.Kind.IsContainer() {
			return nil, nil
		}
	}

	children := t.childrenLocked(parent)
	if offset >= len(children) {
		return nil, nil
	}

	children = children[offset:]
	if limit > 0 && limit < len(children) {
		children = children[:limit]
	}

	out := make([]*models.Item, len(children))
	for i, c := range children {
		out[i] = c.Clone()
	}

	return out, nil
}

// childrenLocked returns the direct children of parent sorted by rank.
// Caller holds at least the read lock.
func (t *Tree) childrenLocked(parent string) []*models.Item {
	var children []*models.Item

	for path, it := range t.items {
		if ParentPath(path) == parent && path != parent {
			children = append(children, it)
		}
	}

	sort.Slice(children, func(i, j int) bool {
		if children[i].Rank != children[j].Rank {
			return children[i].Rank < children[j].Rank
		}

		return children[i].RelativePath < children[j].RelativePath
	})

	return children
}

// maxRankLocked returns the highest rank among parent's children, or
// zero when the parent is empty. New items append at maxRank+rankStep.
func (t *Tree) maxRankLocked(parent string) int64 {
	var maxRank int64

	for path, it := range t.items {
		if ParentPath(path) == parent && path != parent && it.Rank > maxRank {
			maxRank = it.Rank
		}
	}

	return maxRank
}

// uniqueLeafLocked disambiguates a leaf name against parent's existing
// children ("Trip", "Trip 2", "Trip 3", ...). Paths in exclude do not
// count as collisions (an item moving within its own parent, or slots
// claimed earlier in the same batch).
func (t *Tree) uniqueLeafLocked(parent, leaf string, exclude map[string]bool, claimed map[string]bool) string {
	for n := 1; ; n++ {
		candidate := leaf
		if n > 1 {
			candidate = fmt.Sprintf("%s %d", leaf, n)
		}

		path := JoinPath(parent, candidate)
		if claimed[path] {
			continue
		}

		if _, taken := t.items[path]; taken && !exclude[path] {
			continue
		}

		return candidate
	}
}

// commitLocked applies a batch of upserts and deletions to the state
// store in one transaction, then mirrors the result into the in-memory
// map. The disk commit happens first so a crash can never leave the
// durable state behind the observed state.
func (t *Tree) commitLocked(upserts []models.Item, deletePaths []string) error {
	if err := t.store.ApplyItems(upserts, deletePaths); err != nil {
		return fmt.Errorf("committing library mutation: %w", err)
	}

	for _, path := range deletePaths {
		delete(t.items, path)
		delete(t.stale, path)
	}

	for i := range upserts {
		cp := upserts[i]
		t.items[cp.RelativePath] = &cp
	}

	return nil
}

func (t *Tree) emitReload(paths ...string) {
	if t.reload == nil {
		return
	}

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}

		seen[p] = true
		t.reload.Publish(events.ReloadEvent{FolderPath: p})
	}
}

// MoveItems detaches each path from its current parent and reattaches
// it under destParent, appended after the destination's current maximum
// rank in the order given. Subtree paths are rewritten atomically with
// the parent change. Fails with ErrItemNotFound if a path does not
// resolve and ErrInvalidDestination if the destination lies inside any
// moved item; no mutation is applied on failure.
func (t *Tree) MoveItems(paths []string, destParent string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dest := NormalizePath(destParent)
	if dest != "" {
		d, ok := t.items[dest]
		if !ok {
			return fmt.Errorf("moving into %q: %w", destParent, hearkerr.ErrItemNotFound)
		}

		if !d.Kind.IsContainer() {
			return fmt.Errorf("moving into %q: %w", destParent, hearkerr.ErrInvalidDestination)
		}
	}

	// Validate everything before touching anything.
	var moved []string

	for _, raw := range paths {
		p := NormalizePath(raw)
		if _, ok := t.items[p]; !ok {
			return fmt.Errorf("moving %q: %w", raw, hearkerr.ErrItemNotFound)
		}

		if dest != "" && IsSelfOrDescendant(dest, p) {
			return fmt.Errorf("moving %q into %q: %w", raw, destParent, hearkerr.ErrInvalidDestination)
		}

		moved = append(moved, p)
	}

	// An item whose ancestor is also being moved travels with the
	// ancestor's subtree; moving it separately would apply twice.
	var roots []string

	for _, p := range moved {
		nested := false

		for _, q := range moved {
			if p != q && IsSelfOrDescendant(p, q) {
				nested = true
				break
			}
		}

		if !nested {
			roots = append(roots, p)
		}
	}

	var (
		upserts     []models.Item
		deletePaths []string
		staleSet    []string
		blobMoves   [][2]string
	)

	rank := t.maxRankLocked(dest)
	claimed := make(map[string]bool)

	for _, p := range roots {
		exclude := map[string]bool{}
		if ParentPath(p) == dest {
			// Re-append within the same parent: the item's own slot is
			// not a collision.
			exclude[p] = true
		}

		leaf := t.uniqueLeafLocked(dest, LeafName(p), exclude, claimed)
		newPath := JoinPath(dest, leaf)
		claimed[newPath] = true

		rank += rankStep

		for path, it := range t.items {
			if !IsSelfOrDescendant(path, p) {
				continue
			}

			cp := *it.Clone()
			cp.RelativePath = RewritePrefix(path, p, newPath)

			if path == p {
				cp.Rank = rank
			}

			upserts = append(upserts, cp)
			deletePaths = append(deletePaths, path)
		}

		staleSet = append(staleSet, ParentPath(p))

		if newPath != p {
			blobMoves = append(blobMoves, [2]string{p, newPath})
		}
	}

	if err := t.commitLocked(upserts, deletePaths); err != nil {
		return err
	}

	if t.blobs != nil {
		for _, mv := range blobMoves {
			if err := t.blobs.MoveItem(mv[0], mv[1]); err != nil {
				t.logger.Warn("moving backing files", slog.String("from", mv[0]), slog.String("to", mv[1]), slog.Any("error", err))
			}
		}
	}

	staleSet = append(staleSet, dest)
	t.markStaleLocked(staleSet...)
	t.emitReload(staleSet...)

	return nil
}

// ReorderItem moves the item at path from fromIndex to toIndex among
// its siblings. Only the moved item is re-ranked when the neighbor gap
// allows a midpoint; an exhausted gap renumbers the whole sibling range
// so ranks stay unique.
func (t *Tree) ReorderItem(path string, fromIndex, toIndex int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("reordering %q: %w", path, hearkerr.ErrItemNotFound)
	}

	parent := ParentPath(p)
	sibs := t.childrenLocked(parent)

	if fromIndex < 0 || fromIndex >= len(sibs) || sibs[fromIndex].RelativePath != p {
		return fmt.Errorf("reordering %q: index %d does not match: %w", path, fromIndex, hearkerr.ErrItemNotFound)
	}

	if toIndex < 0 || toIndex >= len(sibs) {
		return fmt.Errorf("reordering %q: target index %d out of range", path, toIndex)
	}

	if fromIndex == toIndex {
		return nil
	}

	order := make([]*models.Item, 0, len(sibs))
	order = append(order, sibs[:fromIndex]...)
	order = append(order, sibs[fromIndex+1:]...)
	order = append(order[:toIndex], append([]*models.Item{it}, order[toIndex:]...)...)

	var newRank int64

	renumber := false

	switch {
	case toIndex == 0:
		newRank = order[1].Rank - rankStep
	case toIndex == len(order)-1:
		newRank = order[len(order)-2].Rank + rankStep
	default:
		prev, next := order[toIndex-1].Rank, order[toIndex+1].Rank
		newRank = prev + (next-prev)/2

		if newRank == prev || newRank == next {
			// Midpoint precision exhausted; renumber the range.
			renumber = true
		}
	}

	var upserts []models.Item

	if renumber {
		for i, sib := range order {
			cp := *sib.Clone()
			cp.Rank = int64(i+1) * rankStep
			upserts = append(upserts, cp)
		}
	} else {
		cp := *it.Clone()
		cp.Rank = newRank
		upserts = append(upserts, cp)
	}

	if err := t.commitLocked(upserts, nil); err != nil {
		return err
	}

	t.emitReload(parent)

	return nil
}

// Delete removes the given items. DeleteShallow dissolves folders,
// promoting their children to the folder's former parent with relative
// order preserved; DeleteDeep removes the whole subtree and its backing
// files. All structural changes commit in one transaction.
func (t *Tree) Delete(paths []string, mode DeleteMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var targets []string

	for _, raw := range paths {
		p := NormalizePath(raw)
		if _, ok := t.items[p]; !ok {
			return fmt.Errorf("deleting %q: %w", raw, hearkerr.ErrItemNotFound)
		}

		targets = append(targets, p)
	}

	var (
		upserts     []models.Item
		deletePaths []string
		blobPaths   []string
		blobMoves   [][2]string
		staleSet    []string
		handled     = make(map[string]bool)
	)

	for _, p := range targets {
		if handled[p] {
			continue
		}

		it := t.items[p]
		former := ParentPath(p)
		staleSet = append(staleSet, former)

		if mode == DeleteShallow && it.Kind.IsContainer() {
			rank := t.maxRankLocked(former)
			claimed := make(map[string]bool)

			for _, child := range t.childrenLocked(p) {
				leaf := t.uniqueLeafLocked(former, LeafName(child.RelativePath), map[string]bool{p: true}, claimed)
				newChildPath := JoinPath(former, leaf)
				claimed[newChildPath] = true

				rank += rankStep

				for path, sub := range t.items {
					if !IsSelfOrDescendant(path, child.RelativePath) {
						continue
					}

					cp := *sub.Clone()
					cp.RelativePath = RewritePrefix(path, child.RelativePath, newChildPath)

					if path == child.RelativePath {
						cp.Rank = rank
					}

					upserts = append(upserts, cp)
					deletePaths = append(deletePaths, path)
				}

				blobMoves = append(blobMoves, [2]string{child.RelativePath, newChildPath})
			}

			deletePaths = append(deletePaths, p)
			blobPaths = append(blobPaths, p)
			handled[p] = true

			continue
		}

		// Deep removal of the whole subtree (a book has no subtree,
		// so shallow and deep coincide for books). One recursive blob
		// removal at the subtree root covers every descendant file.
		for path := range t.items {
			if !IsSelfOrDescendant(path, p) {
				continue
			}

			deletePaths = append(deletePaths, path)
			handled[path] = true
		}

		blobPaths = append(blobPaths, p)
	}

	if err := t.commitLocked(upserts, deletePaths); err != nil {
		return err
	}

	if t.blobs != nil {
		// Promoted children move out of a dissolved folder before the
		// folder's own directory is removed.
		for _, mv := range blobMoves {
			if err := t.blobs.MoveItem(mv[0], mv[1]); err != nil {
				t.logger.Warn("moving backing files", slog.String("from", mv[0]), slog.String("to", mv[1]), slog.Any("error", err))
			}
		}

		for _, path := range blobPaths {
			if err := t.blobs.RemoveItem(path); err != nil {
				t.logger.Warn("removing backing files", slog.String("path", path), slog.Any("error", err))
			}
		}
	}

	t.markStaleLocked(staleSet...)
	t.emitReload(staleSet...)

	return nil
}

// CreateFolder creates an empty folder under insideParent, appended
// after the destination's current siblings. A title collision is
// disambiguated with a numeric suffix.
func (t *Tree) CreateFolder(title, insideParent string) (*models.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := NormalizePath(insideParent)
	if parent != "" {
		p, ok := t.items[parent]
		if !ok {
			return nil, fmt.Errorf("creating folder in %q: %w", insideParent, hearkerr.ErrItemNotFound)
		}

		if !p.Kind.IsContainer() {
			return nil, fmt.Errorf("creating folder in %q: %w", insideParent, hearkerr.ErrInvalidDestination)
		}
	}

	// Slashes in a title would splice extra tree levels into the path.
	leafBase := NormalizePath(strings.ReplaceAll(title, "/", "-"))
	if leafBase == "" {
		leafBase = "New Folder"
	}

	leaf := t.uniqueLeafLocked(parent, leafBase, nil, nil)

	folder := models.Item{
		RelativePath: JoinPath(parent, leaf),
		Kind:         models.KindFolder,
		Rank:         t.maxRankLocked(parent) + rankStep,
		Title:        title,
	}

	if err := t.commitLocked([]models.Item{folder}, nil); err != nil {
		return nil, err
	}

	t.emitReload(parent)

	return folder.Clone(), nil
}

// RenameFolder changes a folder's leaf name and title, rewriting the
// paths of its entire subtree in one transaction. A name collision
// among the new siblings is disambiguated with a numeric suffix.
func (t *Tree) RenameFolder(path, newTitle string) (*models.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return nil, fmt.Errorf("renaming %q: %w", path, hearkerr.ErrItemNotFound)
	}

	if !it.Kind.IsContainer() {
		return nil, fmt.Errorf("renaming %q: item is a book, not a folder", path)
	}

	leafBase := NormalizePath(strings.ReplaceAll(newTitle, "/", "-"))
	if leafBase == "" {
		return nil, fmt.Errorf("renaming %q: empty name", path)
	}

	parent := ParentPath(p)
	leaf := t.uniqueLeafLocked(parent, leafBase, map[string]bool{p: true}, nil)
	newPath := JoinPath(parent, leaf)

	var (
		upserts     []models.Item
		deletePaths []string
	)

	for sub, subItem := range t.items {
		if !IsSelfOrDescendant(sub, p) {
			continue
		}

		cp := *subItem.Clone()
		cp.RelativePath = RewritePrefix(sub, p, newPath)

		if sub == p {
			cp.Title = newTitle
		}

		upserts = append(upserts, cp)

		if newPath != p {
			deletePaths = append(deletePaths, sub)
		}
	}

	if err := t.commitLocked(upserts, deletePaths); err != nil {
		return nil, err
	}

	if t.blobs != nil && newPath != p {
		if err := t.blobs.MoveItem(p, newPath); err != nil {
			t.logger.Warn("moving backing files", slog.String("from", p), slog.String("to", newPath), slog.Any("error", err))
		}
	}

	t.emitReload(parent)

	renamed := t.items[newPath]

	return renamed.Clone(), nil
}

// UpdateFolderKind converts an item between folder and boundVolume.
// Children keep their paths and ranks; only the playable-as-one-unit
// semantics change.
func (t *Tree) UpdateFolderKind(path string, kind models.Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !kind.IsContainer() {
		return fmt.Errorf("updating %q: %q is not a folder kind", path, kind)
	}

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("updating %q: %w", path, hearkerr.ErrItemNotFound)
	}

	if !it.Kind.IsContainer() {
		return fmt.Errorf("updating %q: item is a book, not a folder", path)
	}

	if it.Kind == kind {
		return nil
	}

	cp := *it.Clone()
	cp.Kind = kind

	if err := t.commitLocked([]models.Item{cp}, nil); err != nil {
		return err
	}

	t.emitReload(ParentPath(p))

	return nil
}

// SortContents re-ranks the direct children of parentPath according to
// the given comparator. Not recursive; ties are broken by current rank
// so the sort is stable.
func (t *Tree) SortContents(parentPath string, by SortType) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := NormalizePath(parentPath)
	if parent != "" {
		p, ok := t.items[parent]
		if !ok {
			return fmt.Errorf("sorting %q: %w", parentPath, hearkerr.ErrItemNotFound)
		}

		if !p.Kind.IsContainer() {
			return fmt.Errorf("sorting %q: item is a book, not a folder", parentPath)
		}
	}

	children := t.childrenLocked(parent)
	if len(children) == 0 {
		return nil
	}

	less := lessFunc(by)
	if by == SortReversed {
		// Reverse of the current rank order, not a comparator sort.
		for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
			children[i], children[j] = children[j], children[i]
		}
	} else {
		sort.SliceStable(children, func(i, j int) bool {
			return less(children[i], children[j])
		})
	}

	upserts := make([]models.Item, 0, len(children))

	for i, c := range children {
		cp := *c.Clone()
		cp.Rank = int64(i+1) * rankStep
		upserts = append(upserts, cp)
	}

	if err := t.commitLocked(upserts, nil); err != nil {
		return err
	}

	t.emitReload(parent)

	return nil
}

func lessFunc(by SortType) func(a, b *models.Item) bool {
	switch by {
	case SortByMostRecent:
		return func(a, b *models.Item) bool {
			return a.LastPlayDate.After(b.LastPlayDate)
		}
	case SortByOriginalFileName:
		return func(a, b *models.Item) bool {
			return strings.ToLower(originalName(a)) < strings.ToLower(originalName(b))
		}
	default:
		return func(a, b *models.Item) bool {
			return strings.ToLower(displayTitle(a)) < strings.ToLower(displayTitle(b))
		}
	}
}

func displayTitle(it *models.Item) string {
	if it.Title != "" {
		return it.Title
	}

	return LeafName(it.RelativePath)
}

func originalName(it *models.Item) string {
	if it.OriginalFileName != "" {
		return it.OriginalFileName
	}

	return LeafName(it.RelativePath)
}

// UpdateProgress records a playback position for a book and flags its
// parent's aggregate as stale. The percent is derived from duration;
// zero-duration items stay at 0%.
func (t *Tree) UpdateProgress(path string, currentTime float64, finished bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("updating progress of %q: %w", path, hearkerr.ErrItemNotFound)
	}

	cp := *it.Clone()
	cp.CurrentTime = currentTime
	cp.IsFinished = finished
	cp.LastPlayDate = time.Now()

	switch {
	case finished:
		cp.PercentCompleted = 1
	case cp.Duration > 0:
		cp.PercentCompleted = currentTime / cp.Duration
	default:
		cp.PercentCompleted = 0
	}

	if err := t.commitLocked([]models.Item{cp}, nil); err != nil {
		return err
	}

	t.markStaleLocked(ParentPath(p))

	return nil
}

// SetBookmark creates or replaces a named position on an item.
func (t *Tree) SetBookmark(path, name string, position float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("bookmarking %q: %w", path, hearkerr.ErrItemNotFound)
	}

	cp := *it.Clone()
	bm := models.Bookmark{Name: name, Position: position, CreatedAt: time.Now()}

	replaced := false

	for i := range cp.Bookmarks {
		if cp.Bookmarks[i].Name == name {
			cp.Bookmarks[i] = bm
			replaced = true

			break
		}
	}

	if !replaced {
		cp.Bookmarks = append(cp.Bookmarks, bm)
	}

	return t.commitLocked([]models.Item{cp}, nil)
}

// DeleteBookmark removes a named position. Removing a bookmark that
// does not exist is a no-op.
func (t *Tree) DeleteBookmark(path, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("unbookmarking %q: %w", path, hearkerr.ErrItemNotFound)
	}

	cp := *it.Clone()
	kept := cp.Bookmarks[:0]

	for _, bm := range cp.Bookmarks {
		if bm.Name != name {
			kept = append(kept, bm)
		}
	}

	if len(kept) == len(cp.Bookmarks) {
		return nil
	}

	cp.Bookmarks = kept

	return t.commitLocked([]models.Item{cp}, nil)
}

// UpdateRemoteMetadata applies the remote-owned fields of an item
// while preserving locally owned playback state, bookmarks and sibling
// order. A duration change flags the parent aggregate as stale.
func (t *Tree) UpdateRemoteMetadata(path, title string, duration float64, artworkURL, ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("updating metadata of %q: %w", path, hearkerr.ErrItemNotFound)
	}

	if it.Title == title && it.Duration == duration && it.ArtworkURL == artworkURL && it.RemoteRef == ref {
		return nil
	}

	durationChanged := it.Duration != duration

	cp := *it.Clone()
	cp.Title = title
	cp.Duration = duration
	cp.ArtworkURL = artworkURL
	cp.RemoteRef = ref

	if cp.Duration > 0 && !cp.IsFinished {
		cp.PercentCompleted = cp.CurrentTime / cp.Duration
	}

	if err := t.commitLocked([]models.Item{cp}, nil); err != nil {
		return err
	}

	if durationChanged {
		t.markStaleLocked(ParentPath(p))
	}

	return nil
}

// SetRemoteRef records the remote store ref backing an item, set once
// an upload completes or reconciliation matches the item remotely.
func (t *Tree) SetRemoteRef(path, ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := NormalizePath(path)

	it, ok := t.items[p]
	if !ok {
		return fmt.Errorf("recording remote ref of %q: %w", path, hearkerr.ErrItemNotFound)
	}

	if it.RemoteRef == ref {
		return nil
	}

	cp := *it.Clone()
	cp.RemoteRef = ref

	return t.commitLocked([]models.Item{cp}, nil)
}

// AddItem inserts a new item appended at the end of its parent's
// children. Used by the importer and by reconciliation for items that
// arrive from outside the UI command surface.
func (t *Tree) AddItem(it models.Item) (*models.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it.RelativePath = NormalizePath(it.RelativePath)
	parent := ParentPath(it.RelativePath)

	if parent != "" {
		p, ok := t.items[parent]
		if !ok {
			return nil, fmt.Errorf("adding %q: %w", it.RelativePath, hearkerr.ErrItemNotFound)
		}

		if !p.Kind.IsContainer() {
			return nil, fmt.Errorf("adding %q: %w", it.RelativePath, hearkerr.ErrInvalidDestination)
		}
	}

	leaf := t.uniqueLeafLocked(parent, LeafName(it.RelativePath), nil, nil)
	it.RelativePath = JoinPath(parent, leaf)
	it.Rank = t.maxRankLocked(parent) + rankStep

	if err := t.commitLocked([]models.Item{it}, nil); err != nil {
		return nil, err
	}

	t.markStaleLocked(parent)
	t.emitReload(parent)

	return it.Clone(), nil
}

// CheckRankInvariant verifies that no two children of any parent share
// a rank. A violation is a programming error in the mutation paths, not
// a user-visible condition.
func (t *Tree) CheckRankInvariant() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]string)

	for path, it := range t.items {
		key := fmt.Sprintf("%s\x00%d", ParentPath(path), it.Rank)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("%q and %q under %q share rank %d: %w",
				other, path, ParentPath(path), it.Rank, hearkerr.ErrDuplicateRank)
		}

		seen[key] = path
	}

	return nil
}
