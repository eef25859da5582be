// Package syncqueue persists local mutations as tasks and replays them
// against the remote store. Tasks survive restarts, collapse onto the
// newest mutation per target, and retry transient failures with
// exponential backoff. Tasks for the same target run strictly in
// enqueue order; distinct targets replay concurrently.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearkenapp/hearken/internal/blob"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/models"
	"github.com/hearkenapp/hearken/internal/remote"
	"github.com/hearkenapp/hearken/internal/state"
	"golang.org/x/sync/semaphore"
)

const (
	// backoffBase is the delay before the first retry; each further
	// attempt doubles it up to backoffCap, with jitter so a burst of
	// failed tasks does not retry in lockstep.
	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute

	// idleWait bounds how long the dispatcher sleeps with nothing
	// runnable; enqueues and completions wake it early.
	idleWait = time.Hour
)

// Queue is the durable sync task queue. The in-memory maps mirror the
// task bucket in the state store; the store is written first on every
// change so a crash never loses an acknowledged enqueue.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]models.SyncTask // by task ID
	byKey     map[string]string          // dedup key -> task ID
	notBefore map[string]time.Time       // task ID -> earliest next attempt
	inflight  map[string]context.CancelFunc
	busy      map[string]bool // target paths currently executing

	store       *state.Store
	client      remote.Client
	tree        *library.Tree
	blobs       *blob.Store
	counts      *events.Hub[events.QueueCountEvent]
	failures    *events.Hub[events.TaskFailureEvent]
	logger      *slog.Logger
	workers     int64
	maxAttempts int

	wake chan struct{}
}

// New loads the persisted task set and prepares the queue for Run.
func New(store *state.Store, client remote.Client, tree *library.Tree, blobs *blob.Store,
	counts *events.Hub[events.QueueCountEvent], failures *events.Hub[events.TaskFailureEvent],
	workers, maxAttempts int, logger *slog.Logger,
) (*Queue, error) {
	persisted, err := store.AllTasks()
	if err != nil {
		return nil, fmt.Errorf("loading sync tasks: %w", err)
	}

	q := &Queue{
		tasks:       make(map[string]models.SyncTask, len(persisted)),
		byKey:       make(map[string]string, len(persisted)),
		notBefore:   make(map[string]time.Time),
		inflight:    make(map[string]context.CancelFunc),
		busy:        make(map[string]bool),
		store:       store,
		client:      client,
		tree:        tree,
		blobs:       blobs,
		counts:      counts,
		failures:    failures,
		logger:      logger,
		workers:     int64(workers),
		maxAttempts: maxAttempts,
		wake:        make(chan struct{}, 1),
	}

	for _, task := range persisted {
		q.tasks[task.ID] = task
		q.byKey[task.DedupKey()] = task.ID
	}

	return q, nil
}

// Enqueue records a task, replacing any pending task with the same
// dedup key. A replacement inherits the replaced task's queue position
// so the target does not lose its place in line, but its attempt count
// starts fresh.
func (q *Queue) Enqueue(task models.SyncTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.ID = uuid.NewString()
	task.EnqueuedAt = time.Now()
	task.Attempts = 0

	// A delete supersedes every pending task for the same target:
	// uploads, moves and bookmark edits of a deleted item have nothing
	// left to act on. A task already talking to the remote is left to
	// finish; the delete stays queued behind it and cleans up whatever
	// that attempt produced.
	if task.Kind == models.TaskDelete {
		inflightRemains := false

		for id, other := range q.tasks {
			if other.TargetPath != task.TargetPath || other.Kind == models.TaskDelete {
				continue
			}

			if _, running := q.inflight[id]; running {
				inflightRemains = true
				continue
			}

			if err := q.store.DeleteTask(other.Seq); err != nil {
				return fmt.Errorf("superseding queued task: %w", err)
			}

			delete(q.tasks, id)
			delete(q.notBefore, id)

			if q.byKey[other.DedupKey()] == id {
				delete(q.byKey, other.DedupKey())
			}
		}

		if task.RemoteRef == "" && !inflightRemains {
			// The item never reached the remote; with its upload gone
			// there is nothing to delete there either.
			q.publishCountLocked()
			q.wakeUp()

			return nil
		}
	}

	key := task.DedupKey()

	if oldID, ok := q.byKey[key]; ok {
		old := q.tasks[oldID]
		task.Seq = old.Seq

		if err := q.store.DeleteTask(old.Seq); err != nil {
			return fmt.Errorf("replacing queued task: %w", err)
		}

		delete(q.tasks, oldID)
		delete(q.notBefore, oldID)
	}

	if err := q.store.SaveTask(&task); err != nil {
		return fmt.Errorf("persisting task: %w", err)
	}

	q.tasks[task.ID] = task
	q.byKey[key] = task.ID

	q.logger.Debug("task enqueued",
		slog.String("kind", string(task.Kind)),
		slog.String("path", task.TargetPath),
	)

	q.publishCountLocked()
	q.wakeUp()

	return nil
}

// QueuedJobsCount returns the number of pending tasks, in-flight
// included.
func (q *Queue) QueuedJobsCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// PendingForPath counts pending tasks touching path or anything under
// it. A move or rename touches both its source and its destination; a
// queued move into a folder must hold off reconciliation of that
// folder or the pull would delete the item before the move replays.
// The coordinator refuses to reconcile a folder while this is nonzero,
// so queued local changes are never clobbered by remote state.
func (q *Queue) PendingForPath(path string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := library.NormalizePath(path)
	n := 0

	for _, task := range q.tasks {
		if library.IsSelfOrDescendant(task.TargetPath, p) {
			n++
			continue
		}

		if task.DestinationPath != "" && library.IsSelfOrDescendant(task.DestinationPath, p) {
			n++
		}
	}

	return n
}

// CancelAllJobs drops every pending task and aborts in-flight ones.
// The remote is left as-is; nothing is rolled back.
func (q *Queue) CancelAllJobs() error {
	q.mu.Lock()

	if err := q.store.ClearTasks(); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("clearing sync tasks: %w", err)
	}

	q.tasks = make(map[string]models.SyncTask)
	q.byKey = make(map[string]string)
	q.notBefore = make(map[string]time.Time)

	cancels := make([]context.CancelFunc, 0, len(q.inflight))
	for _, cancel := range q.inflight {
		cancels = append(cancels, cancel)
	}

	q.publishCountLocked()
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	q.wakeUp()

	return nil
}

// Run dispatches tasks until ctx is cancelled. It is the only
// goroutine that starts executions, so per-target ordering follows
// from dispatching a target's oldest task and marking the target busy
// until that attempt resolves.
func (q *Queue) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(q.workers)

	for {
		task, wait := q.claimNext()
		if task == nil {
			timer := time.NewTimer(wait)

			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}

			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			q.release(task.ID, task.TargetPath)
			return err
		}

		go func(task models.SyncTask) {
			defer sem.Release(1)
			q.execute(ctx, task)
		}(*task)
	}
}

// claimNext picks the runnable task with the lowest sequence number,
// marks its target busy, and registers a cancel handle. When nothing
// is runnable it returns how long the dispatcher may sleep.
func (q *Queue) claimNext() (*models.SyncTask, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	wait := idleWait

	pending := make([]models.SyncTask, 0, len(q.tasks))
	for _, task := range q.tasks {
		pending = append(pending, task)
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	blocked := make(map[string]bool)

	for _, task := range pending {
		if q.busy[task.TargetPath] || blocked[task.TargetPath] {
			continue
		}

		// A backoff on the target's oldest task holds back the whole
		// target; running a younger task first would break ordering.
		blocked[task.TargetPath] = true

		if nb, ok := q.notBefore[task.ID]; ok {
			if d := nb.Sub(now); d > 0 {
				if d < wait {
					wait = d
				}

				continue
			}
		}

		q.busy[task.TargetPath] = true

		claimed := task

		return &claimed, 0
	}

	return nil, wait
}

func (q *Queue) release(taskID, target string) {
	q.mu.Lock()
	delete(q.inflight, taskID)
	delete(q.busy, target)
	q.mu.Unlock()

	q.wakeUp()
}

// execute runs one attempt and settles the outcome: success and
// permanent failures remove the task, transient failures re-arm it
// with backoff until the attempt budget runs out. The target stays
// busy until the outcome is settled; releasing it earlier would let
// the dispatcher re-claim a finished task before it is removed and
// replay the remote call.
func (q *Queue) execute(ctx context.Context, task models.SyncTask) {
	taskCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.inflight[task.ID] = cancel
	q.mu.Unlock()

	err := q.runTask(taskCtx, task)

	cancel()

	q.mu.Lock()
	delete(q.inflight, task.ID)
	q.settleLocked(task, err)
	delete(q.busy, task.TargetPath)
	q.mu.Unlock()

	q.wakeUp()
}

// settleLocked records the outcome of one attempt. Caller holds the
// queue lock.
func (q *Queue) settleLocked(task models.SyncTask, err error) {
	current, ok := q.tasks[task.ID]
	if !ok {
		// Cancelled or replaced while in flight; the outcome no longer
		// matters.
		return
	}

	switch {
	case err == nil:
		q.removeLocked(current)
		q.publishCountLocked()
	case errors.Is(err, context.Canceled):
		// Queue shutdown or cancel-all; the task either stays for the
		// next run or was already cleared above.
	case !remote.IsRetryable(err):
		q.logger.Warn("dropping unsyncable task",
			slog.String("kind", string(current.Kind)),
			slog.String("path", current.TargetPath),
			slog.Any("error", err),
		)
		q.removeLocked(current)
		q.failures.Publish(events.TaskFailureEvent{
			TaskID: current.ID, Kind: current.Kind, Path: current.TargetPath, Err: err,
		})
		q.publishCountLocked()
	default:
		current.Attempts++

		if current.Attempts >= q.maxAttempts {
			q.logger.Warn("task exhausted retries",
				slog.String("kind", string(current.Kind)),
				slog.String("path", current.TargetPath),
				slog.Int("attempts", current.Attempts),
				slog.Any("error", err),
			)
			q.removeLocked(current)
			q.failures.Publish(events.TaskFailureEvent{
				TaskID: current.ID, Kind: current.Kind, Path: current.TargetPath, Err: err,
			})
			q.publishCountLocked()

			break
		}

		delay := backoff(current.Attempts)
		q.notBefore[current.ID] = time.Now().Add(delay)
		q.tasks[current.ID] = current

		if serr := q.store.SaveTask(&current); serr != nil {
			q.logger.Error("persisting task attempt count", slog.Any("error", serr))
		}

		q.logger.Debug("task retry scheduled",
			slog.String("kind", string(current.Kind)),
			slog.String("path", current.TargetPath),
			slog.Int("attempt", current.Attempts),
			slog.Duration("delay", delay),
		)
	}
}

// removeLocked drops a task from the store and every in-memory index.
// Caller holds the queue lock.
func (q *Queue) removeLocked(task models.SyncTask) {
	if err := q.store.DeleteTask(task.Seq); err != nil {
		q.logger.Error("deleting completed task", slog.Any("error", err))
	}

	delete(q.tasks, task.ID)
	delete(q.notBefore, task.ID)

	if q.byKey[task.DedupKey()] == task.ID {
		delete(q.byKey, task.DedupKey())
	}
}

// runTask performs the remote call for one task kind. The remote ref
// is resolved at execution time so a move or delete enqueued behind a
// still-pending upload of the same target picks up the fresh ref.
func (q *Queue) runTask(ctx context.Context, task models.SyncTask) error {
	switch task.Kind {
	case models.TaskUpload:
		return q.runUpload(ctx, task)
	case models.TaskMove:
		ref, err := q.resolveRef(task)
		if err != nil {
			return err
		}

		if err := q.client.Move(ctx, ref, library.ParentPath(task.DestinationPath)); err != nil {
			return err
		}

		if newLeaf := library.LeafName(task.DestinationPath); newLeaf != library.LeafName(task.TargetPath) {
			return q.client.Rename(ctx, ref, newLeaf)
		}

		return nil
	case models.TaskDelete:
		if task.RemoteRef == "" {
			// The item never reached the remote and the upload that
			// might have put it there did not hand over a ref; there is
			// nothing to delete.
			return nil
		}

		return q.client.Delete(ctx, task.RemoteRef)
	case models.TaskRenameFolder:
		ref, err := q.resolveRef(task)
		if err != nil {
			return err
		}

		return q.client.Rename(ctx, ref, library.LeafName(task.DestinationPath))
	case models.TaskSetBookmark:
		ref, err := q.resolveRef(task)
		if err != nil {
			return err
		}

		return q.client.SetBookmark(ctx, ref, task.BookmarkName, task.BookmarkPosition)
	case models.TaskDeleteBookmark:
		ref, err := q.resolveRef(task)
		if err != nil {
			return err
		}

		return q.client.DeleteBookmark(ctx, ref, task.BookmarkName)
	case models.TaskUploadArtwork:
		return q.runUploadArtwork(ctx, task)
	default:
		return &remote.Error{
			Kind: remote.KindNotFound, Op: "dispatch", Path: task.TargetPath,
			Err: fmt.Errorf("unknown task kind %q", task.Kind),
		}
	}
}

func (q *Queue) runUpload(ctx context.Context, task models.SyncTask) error {
	f, err := q.blobs.Open(task.TargetPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The local file is gone; retrying cannot help.
			return &remote.Error{Kind: remote.KindNotFound, Op: "upload", Path: task.TargetPath, Err: err}
		}

		return fmt.Errorf("opening %q for upload: %w", task.TargetPath, err)
	}
	defer f.Close()

	ref, err := q.client.Upload(ctx, task.TargetPath, f)
	if err != nil {
		return err
	}

	if err := q.tree.SetRemoteRef(task.TargetPath, ref); err != nil {
		// The item was deleted while the upload ran; hand the fresh ref
		// to the delete task queued behind this one so it can clean up
		// remotely.
		q.logger.Debug("uploaded item no longer present locally",
			slog.String("path", task.TargetPath), slog.Any("error", err))
		q.adoptRef(task.TargetPath, ref)
	}

	return nil
}

// adoptRef stores a just-assigned remote ref on any queued delete for
// the target that was enqueued before the ref existed.
func (q *Queue) adoptRef(target, ref string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, task := range q.tasks {
		if task.TargetPath != target || task.Kind != models.TaskDelete || task.RemoteRef != "" {
			continue
		}

		task.RemoteRef = ref
		q.tasks[id] = task

		if err := q.store.SaveTask(&task); err != nil {
			q.logger.Error("persisting adopted remote ref", slog.Any("error", err))
		}
	}
}

func (q *Queue) runUploadArtwork(ctx context.Context, task models.SyncTask) error {
	ref, err := q.resolveRef(task)
	if err != nil {
		return err
	}

	f, err := os.Open(task.ArtworkPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &remote.Error{Kind: remote.KindNotFound, Op: "upload_artwork", Path: task.TargetPath, Err: err}
		}

		return fmt.Errorf("opening artwork %q: %w", task.ArtworkPath, err)
	}
	defer f.Close()

	return q.client.UploadArtwork(ctx, ref, f)
}

// resolveRef prefers the ref captured at enqueue time and falls back
// to the tree, which carries the ref assigned by a just-finished
// upload.
func (q *Queue) resolveRef(task models.SyncTask) (string, error) {
	if task.RemoteRef != "" {
		return task.RemoteRef, nil
	}

	it, err := q.tree.Item(task.TargetPath)
	if err != nil || it.RemoteRef == "" {
		return "", &remote.Error{
			Kind: remote.KindNotFound, Op: string(task.Kind), Path: task.TargetPath,
			Err: errors.New("no remote ref for target"),
		}
	}

	return it.RemoteRef, nil
}

func backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}

	if d > backoffCap {
		d = backoffCap
	}

	return d + rand.N(d/2)
}

func (q *Queue) publishCountLocked() {
	q.counts.Publish(events.QueueCountEvent{Pending: len(q.tasks)})
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
