// Package download runs the per-item remote-file lifecycle: an item is
// notDownloaded until a download is started, downloading while any of
// its remote files are in flight, and downloaded once every file has
// been promoted into the blob store.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hearkenapp/hearken/internal/blob"
	hearkerr "github.com/hearkenapp/hearken/internal/errors"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/models"
	"github.com/hearkenapp/hearken/internal/remote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// copyBufSize is the transfer buffer size. Cancellation is observed
// between buffer copies, so it also bounds cancellation latency.
const copyBufSize = 256 * 1024

// State is an item's download lifecycle position.
type State int

const (
	StateNotDownloaded State = iota
	StateDownloading
	StateDownloaded
)

func (s State) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	default:
		return "notDownloaded"
	}
}

// Status pairs a state with in-flight progress.
type Status struct {
	State    State
	Progress float64
}

// job tracks one in-flight item download. fileFrac holds per-file
// completion fractions; the item's progress is their mean.
type job struct {
	cancel   context.CancelFunc
	fileFrac []float64
	done     chan struct{}
}

// Manager owns download state for all items. State is session-scoped:
// after a restart it is rebuilt from which backing files exist, so
// nothing here persists.
type Manager struct {
	mu     sync.Mutex
	active map[string]*job

	tree   *library.Tree
	client remote.Client
	blobs  *blob.Store
	hub    *events.Hub[events.DownloadEvent]
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewManager creates a download manager with at most workers concurrent
// file transfers across all items.
func NewManager(tree *library.Tree, client remote.Client, blobs *blob.Store, hub *events.Hub[events.DownloadEvent], workers int64, logger *slog.Logger) *Manager {
	return &Manager{
		active: make(map[string]*job),
		tree:   tree,
		client: client,
		blobs:  blobs,
		hub:    hub,
		sem:    semaphore.NewWeighted(workers),
		logger: logger,
	}
}

// GetState reports an item's download status. Items never requested
// default to notDownloaded; a completed container is downloaded only
// when every remote-backed book in its subtree has a local file.
func (m *Manager) GetState(path string) (Status, error) {
	it, err := m.tree.Item(path)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()

	if j, ok := m.active[it.RelativePath]; ok {
		st := Status{State: StateDownloading, Progress: j.progress()}
		m.mu.Unlock()

		return st, nil
	}
	m.mu.Unlock()

	files, err := m.remoteFiles(it)
	if err != nil {
		return Status{}, err
	}

	if len(files) == 0 {
		return Status{State: StateNotDownloaded}, nil
	}

	for _, f := range files {
		if !m.blobs.Exists(f.RelativePath) {
			return Status{State: StateNotDownloaded}, nil
		}
	}

	return Status{State: StateDownloaded, Progress: 1}, nil
}

// progress returns the mean completion fraction across the job's files.
// Caller holds the manager lock.
func (j *job) progress() float64 {
	if len(j.fileFrac) == 0 {
		return 0
	}

	var sum float64
	for _, f := range j.fileFrac {
		sum += f
	}

	return sum / float64(len(j.fileFrac))
}

// remoteFiles lists the remote-backed books a download of item covers:
// the item itself for a book, every book in the subtree for a
// container.
func (m *Manager) remoteFiles(it *models.Item) ([]*models.Item, error) {
	if it.Kind == models.KindBook {
		if it.RemoteRef == "" {
			return nil, nil
		}

		return []*models.Item{it}, nil
	}

	var files []*models.Item

	children, err := m.tree.FetchChildren(it.RelativePath, 0, 0)
	if err != nil {
		return nil, err
	}

	for _, child := range children {
		sub, err := m.remoteFiles(child)
		if err != nil {
			return nil, err
		}

		files = append(files, sub...)
	}

	return files, nil
}

// StartDownload begins fetching an item's remote files into the blob
// store. Starting an item that is already downloading or fully
// downloaded is a no-op.
// Folder downloads are not atomic: a partial failure leaves succeeded
// children in place, the item reverts to notDownloaded, and the batch
// error names the first file that failed.
func (m *Manager) StartDownload(ctx context.Context, path string) error {
	it, err := m.tree.Item(path)
	if err != nil {
		return err
	}

	files, err := m.remoteFiles(it)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("downloading %q: no remote content", path)
	}

	allLocal := true

	for _, f := range files {
		if !m.blobs.Exists(f.RelativePath) {
			allLocal = false
			break
		}
	}

	if allLocal {
		// Already downloaded; refetching every file would only burn
		// bandwidth.
		return nil
	}

	if it.Kind.IsContainer() {
		if err := m.blobs.EnsureItemDir(it.RelativePath); err != nil {
			return err
		}
	}

	m.mu.Lock()

	if _, running := m.active[it.RelativePath]; running {
		m.mu.Unlock()
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{
		cancel:   cancel,
		fileFrac: make([]float64, len(files)),
		done:     make(chan struct{}),
	}
	m.active[it.RelativePath] = j
	m.mu.Unlock()

	go m.run(jobCtx, it.RelativePath, j, files)

	return nil
}

func (m *Manager) run(ctx context.Context, path string, j *job, files []*models.Item) {
	defer close(j.done)

	g, gctx := errgroup.WithContext(ctx)

	for i, f := range files {
		g.Go(func() error {
			if err := m.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer m.sem.Release(1)

			return m.fetchFile(gctx, path, j, i, f)
		})
	}

	err := g.Wait()

	m.mu.Lock()
	delete(m.active, path)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("download failed",
			slog.String("path", path),
			slog.Any("error", err),
		)
		m.hub.Publish(events.DownloadEvent{Path: path, Done: true, Err: err})

		return
	}

	m.logger.Info("download complete", slog.String("path", path))
	m.hub.Publish(events.DownloadEvent{Path: path, Progress: 1, Done: true})
}

// fetchFile streams one remote file into a temp file and promotes it
// into place. Cancellation is observed between buffer copies; an
// interrupted transfer leaves nothing at the final path.
func (m *Manager) fetchFile(ctx context.Context, itemPath string, j *job, idx int, f *models.Item) error {
	body, size, err := m.client.Download(ctx, f.RemoteRef)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", f.RelativePath, err)
	}
	defer body.Close()

	tmp, err := m.blobs.CreateTemp()
	if err != nil {
		return err
	}

	var written int64

	buf := make([]byte, copyBufSize)

	for {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			m.blobs.Discard(tmp.Name())

			return err
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				tmp.Close()
				m.blobs.Discard(tmp.Name())

				return fmt.Errorf("writing %q: %w", f.RelativePath, werr)
			}

			written += int64(n)
			m.reportFileProgress(itemPath, j, idx, partialFrac(written, size))
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			tmp.Close()
			m.blobs.Discard(tmp.Name())

			return fmt.Errorf("reading %q: %w", f.RelativePath, rerr)
		}
	}

	if err := tmp.Close(); err != nil {
		m.blobs.Discard(tmp.Name())
		return fmt.Errorf("closing temp for %q: %w", f.RelativePath, err)
	}

	if err := m.blobs.Promote(tmp.Name(), f.RelativePath); err != nil {
		m.blobs.Discard(tmp.Name())
		return err
	}

	m.reportFileProgress(itemPath, j, idx, 1)

	return nil
}

// partialFrac estimates a file's completion, capped below 1 until the
// promote so an unknown-size stream never reads as finished early.
func partialFrac(written, size int64) float64 {
	if size <= 0 {
		return 0.5
	}

	frac := float64(written) / float64(size)
	if frac > 0.99 {
		frac = 0.99
	}

	return frac
}

func (m *Manager) reportFileProgress(itemPath string, j *job, idx int, frac float64) {
	m.mu.Lock()
	j.fileFrac[idx] = frac
	progress := j.progress()
	m.mu.Unlock()

	m.hub.Publish(events.DownloadEvent{Path: itemPath, Progress: progress})
}

// CancelDownload stops an in-flight download, discards partial
// artifacts, and reverts the item to notDownloaded. Only legal while
// downloading. Returns once the transfer goroutines have wound down.
func (m *Manager) CancelDownload(path string) error {
	it, err := m.tree.Item(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	j, ok := m.active[it.RelativePath]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("cancelling %q: %w", path, hearkerr.ErrNotDownloading)
	}

	j.cancel()
	<-j.done

	return nil
}

// Offload removes an item's local copy while keeping the tree entry,
// reverting it to notDownloaded. Only legal when fully downloaded.
func (m *Manager) Offload(path string) error {
	st, err := m.GetState(path)
	if err != nil {
		return err
	}

	if st.State != StateDownloaded {
		return fmt.Errorf("offloading %q: %w", path, hearkerr.ErrNotDownloaded)
	}

	return m.blobs.RemoveItem(path)
}
