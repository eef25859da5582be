// Package importer watches the inbox directory for dropped audio files
// and turns each one into a library item: the file moves into the blob
// store, an item appears at the library root, and an upload task is
// queued. A file is only picked up after its size has stopped changing,
// so a copy still in progress is never half-imported.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hearkenapp/hearken/internal/blob"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/models"
)

// pollInterval is how often pending files are re-stated for settling.
const pollInterval = 500 * time.Millisecond

// Enqueuer accepts sync tasks for imported items. Implemented by
// syncqueue.Queue.
type Enqueuer interface {
	Enqueue(task models.SyncTask) error
}

// pendingFile tracks a file waiting for its size to settle.
type pendingFile struct {
	size       int64
	lastChange time.Time
}

// Importer ingests files from a watched inbox directory.
type Importer struct {
	dir    string
	tree   *library.Tree
	blobs  *blob.Store
	queue  Enqueuer
	settle time.Duration
	logger *slog.Logger
}

// New creates an importer over dir. settle is how long a file's size
// must hold still before it is imported.
func New(dir string, tree *library.Tree, blobs *blob.Store, queue Enqueuer, settle time.Duration, logger *slog.Logger) *Importer {
	return &Importer{
		dir:    dir,
		tree:   tree,
		blobs:  blobs,
		queue:  queue,
		settle: settle,
		logger: logger,
	}
}

// Run watches the inbox until ctx is cancelled. Files already present
// at startup are imported the same way as newly dropped ones.
func (im *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(im.dir, 0o700); err != nil {
		return fmt.Errorf("creating inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(im.dir); err != nil {
		return fmt.Errorf("watching inbox %q: %w", im.dir, err)
	}

	pending := make(map[string]*pendingFile)

	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}

	for _, entry := range entries {
		im.notice(pending, filepath.Join(im.dir, entry.Name()))
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				im.notice(pending, ev.Name)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			im.logger.Warn("inbox watcher error", slog.Any("error", werr))
		case <-ticker.C:
			im.settleAndImport(pending)
		}
	}
}

// notice registers a file for settling. Directories and dotfiles are
// ignored.
func (im *Importer) notice(pending map[string]*pendingFile, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	p, ok := pending[path]
	if !ok {
		pending[path] = &pendingFile{size: info.Size(), lastChange: time.Now()}
		return
	}

	if info.Size() != p.size {
		p.size = info.Size()
		p.lastChange = time.Now()
	}
}

// settleAndImport imports every pending file whose size has held still
// for the settle window.
func (im *Importer) settleAndImport(pending map[string]*pendingFile) {
	now := time.Now()

	for path, p := range pending {
		info, err := os.Stat(path)
		if err != nil {
			// Removed or renamed away before settling.
			delete(pending, path)
			continue
		}

		if info.Size() != p.size {
			p.size = info.Size()
			p.lastChange = now

			continue
		}

		if now.Sub(p.lastChange) < im.settle {
			continue
		}

		delete(pending, path)

		if err := im.importFile(path); err != nil {
			im.logger.Error("importing inbox file",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
	}
}

// importFile moves one settled file into the library: blob first, then
// the tree entry, then the upload task. The tree assigns the final
// path, disambiguating name collisions.
func (im *Importer) importFile(path string) error {
	base := filepath.Base(path)
	title := strings.TrimSuffix(base, filepath.Ext(base))

	it, err := im.tree.AddItem(models.Item{
		Kind:             models.KindBook,
		RelativePath:     base,
		Title:            title,
		OriginalFileName: base,
	})
	if err != nil {
		return fmt.Errorf("adding imported item: %w", err)
	}

	if err := im.blobs.Promote(path, it.RelativePath); err != nil {
		// Without a backing file the entry is useless; undo it.
		if derr := im.tree.Delete([]string{it.RelativePath}, library.DeleteDeep); derr != nil {
			im.logger.Error("rolling back failed import", slog.Any("error", derr))
		}

		return fmt.Errorf("moving imported file into library: %w", err)
	}

	if err := im.queue.Enqueue(models.SyncTask{
		Kind:       models.TaskUpload,
		TargetPath: it.RelativePath,
	}); err != nil {
		return fmt.Errorf("queueing upload for import: %w", err)
	}

	im.logger.Info("imported inbox file",
		slog.String("file", base),
		slog.String("path", it.RelativePath),
	)

	return nil
}
