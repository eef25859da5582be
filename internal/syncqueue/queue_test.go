package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearkenapp/hearken/internal/blob"
	"github.com/hearkenapp/hearken/internal/events"
	"github.com/hearkenapp/hearken/internal/library"
	"github.com/hearkenapp/hearken/internal/models"
	"github.com/hearkenapp/hearken/internal/remote"
	"github.com/hearkenapp/hearken/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	queue  *Queue
	store  *state.Store
	tree   *library.Tree
	blobs  *blob.Store
	client *remote.MockClient
	hubs   *events.Hubs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	hubs := events.NewHubs()

	tree, err := library.NewTree(store, blobs, hubs.Reload, logger)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	client := remote.NewMockClient(ctrl)

	q, err := New(store, client, tree, blobs, hubs.QueueCount, hubs.TaskFailure, 2, 8, logger)
	require.NoError(t, err)

	return &fixture{queue: q, store: store, tree: tree, blobs: blobs, client: client, hubs: hubs}
}

// start runs the dispatcher for the remainder of the test.
func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = f.queue.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// writeBlob places content at the item's backing path.
func (f *fixture) writeBlob(t *testing.T, relPath, content string) {
	t.Helper()

	tmp, err := f.blobs.CreateTemp()
	require.NoError(t, err)

	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	require.NoError(t, f.blobs.Promote(tmp.Name(), relPath))
}

func (f *fixture) addBook(t *testing.T, path, ref string) {
	t.Helper()

	_, err := f.tree.AddItem(models.Item{RelativePath: path, Kind: models.KindBook, RemoteRef: ref})
	require.NoError(t, err)
}

func waitEmpty(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.QueuedJobsCount() == 0 },
		10*time.Second, 10*time.Millisecond, "queue did not drain")
}

func netErr(op string) error {
	return &remote.Error{Kind: remote.KindNetwork, Op: op, Err: errors.New("connection reset")}
}

func TestEnqueue_PersistsAcrossReload(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro", BookmarkPosition: 12,
	}))
	assert.Equal(t, 1, f.queue.QueuedJobsCount())

	reloaded, err := New(f.store, f.client, f.tree, f.blobs,
		f.hubs.QueueCount, f.hubs.TaskFailure, 2, 8, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.QueuedJobsCount())
}

func TestEnqueue_DedupReplacesSameMutation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro", BookmarkPosition: 10,
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro", BookmarkPosition: 99,
	}))

	assert.Equal(t, 1, f.queue.QueuedJobsCount())

	tasks, err := f.store.AllTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 99.0, tasks[0].BookmarkPosition)
}

func TestEnqueue_DistinctBookmarksDoNotCollapse(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro",
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "outro",
	}))

	assert.Equal(t, 2, f.queue.QueuedJobsCount())
}

func TestEnqueue_DeleteSupersedesPendingUpload(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskUpload, TargetPath: "book.mp3"}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro",
	}))

	// The item never reached the remote, so deleting it locally leaves
	// nothing to sync at all.
	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskDelete, TargetPath: "book.mp3"}))

	assert.Equal(t, 0, f.queue.QueuedJobsCount())
}

func TestEnqueue_DeleteOfUploadedItemKeepsRemoteDelete(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro",
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskDelete, TargetPath: "book.mp3", RemoteRef: "ref-1",
	}))

	tasks, err := f.store.AllTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskDelete, tasks[0].Kind)
}

func TestRun_UploadRecordsRemoteRef(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "")
	f.writeBlob(t, "book.mp3", "audio bytes")

	f.client.EXPECT().Upload(gomock.Any(), "book.mp3", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, content io.Reader) (string, error) {
			data, err := io.ReadAll(content)
			require.NoError(t, err)
			assert.Equal(t, "audio bytes", string(data))
			return "ref-1", nil
		})

	f.start(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskUpload, TargetPath: "book.mp3"}))
	waitEmpty(t, f.queue)

	it, err := f.tree.Item("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", it.RemoteRef)
}

func TestRun_SameTargetRunsInEnqueueOrder(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "")
	f.writeBlob(t, "book.mp3", "audio")

	// The bookmark task carries no ref at enqueue time; it must resolve
	// the ref assigned by the upload that precedes it.
	gomock.InOrder(
		f.client.EXPECT().Upload(gomock.Any(), "book.mp3", gomock.Any()).Return("ref-1", nil),
		f.client.EXPECT().SetBookmark(gomock.Any(), "ref-1", "intro", 30.0).Return(nil),
	)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskUpload, TargetPath: "book.mp3"}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "book.mp3", BookmarkName: "intro", BookmarkPosition: 30,
	}))

	f.start(t)
	waitEmpty(t, f.queue)
}

func TestRun_TransientFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	gomock.InOrder(
		f.client.EXPECT().Delete(gomock.Any(), "ref-1").Return(netErr("delete")),
		f.client.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil),
	)

	f.start(t)

	start := time.Now()
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskDelete, TargetPath: "book.mp3", RemoteRef: "ref-1",
	}))
	waitEmpty(t, f.queue)

	// First retry waits at least the base backoff.
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestRun_PermanentFailureDropsAndSurfaces(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	f.client.EXPECT().Delete(gomock.Any(), "ref-1").
		Return(&remote.Error{Kind: remote.KindAuth, Op: "delete", Err: errors.New("token rejected")})

	failures, cancel := f.hubs.TaskFailure.Subscribe(4)
	defer cancel()

	f.start(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskDelete, TargetPath: "book.mp3", RemoteRef: "ref-1",
	}))
	waitEmpty(t, f.queue)

	select {
	case ev := <-failures:
		assert.Equal(t, models.TaskDelete, ev.Kind)
		assert.Equal(t, "book.mp3", ev.Path)
		require.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no task failure event")
	}
}

func TestRun_RetryBudgetExhaustionDropsTask(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	// A budget of one attempt turns the first transient failure into
	// exhaustion without waiting out real backoff delays.
	q, err := New(f.store, f.client, f.tree, f.blobs,
		f.hubs.QueueCount, f.hubs.TaskFailure, 2, 1, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	f.client.EXPECT().Delete(gomock.Any(), "ref-1").Return(netErr("delete"))

	failures, cancel := f.hubs.TaskFailure.Subscribe(4)
	defer cancel()

	ctx, cancelRun := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	t.Cleanup(func() {
		cancelRun()
		<-done
	})

	require.NoError(t, q.Enqueue(models.SyncTask{
		Kind: models.TaskDelete, TargetPath: "book.mp3", RemoteRef: "ref-1",
	}))
	waitEmpty(t, q)

	select {
	case <-failures:
	case <-time.After(5 * time.Second):
		t.Fatal("no task failure event")
	}
}

func TestCancelAllJobs_ClearsPending(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "a.mp3", BookmarkName: "x",
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "b.mp3", BookmarkName: "y",
	}))

	require.NoError(t, f.queue.CancelAllJobs())
	assert.Equal(t, 0, f.queue.QueuedJobsCount())

	tasks, err := f.store.AllTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRun_EachTaskExecutesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	const n = 40

	var (
		mu    sync.Mutex
		calls = make(map[string]int, n)
	)

	f.client.EXPECT().SetBookmark(gomock.Any(), "ref-1", gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, name string, _ float64) error {
			mu.Lock()
			calls[name]++
			mu.Unlock()
			return nil
		}).Times(n)

	f.start(t)

	for i := 0; i < n; i++ {
		require.NoError(t, f.queue.Enqueue(models.SyncTask{
			Kind: models.TaskSetBookmark, TargetPath: "book.mp3",
			BookmarkName: fmt.Sprintf("bm-%d", i), BookmarkPosition: float64(i),
		}))
	}

	waitEmpty(t, f.queue)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, calls, n)

	for name, count := range calls {
		assert.Equal(t, 1, count, "bookmark %s executed %d times", name, count)
	}
}

func TestEnqueue_DeleteDuringInflightUploadCleansUpRemote(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "")
	f.writeBlob(t, "book.mp3", "audio")

	uploadEntered := make(chan struct{})
	uploadRelease := make(chan struct{})

	gomock.InOrder(
		f.client.EXPECT().Upload(gomock.Any(), "book.mp3", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, _ io.Reader) (string, error) {
				close(uploadEntered)
				<-uploadRelease
				return "ref-1", nil
			}),
		f.client.EXPECT().Delete(gomock.Any(), "ref-1").Return(nil),
	)

	f.start(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskUpload, TargetPath: "book.mp3"}))

	select {
	case <-uploadEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	// The item is deleted locally while its upload is still on the wire;
	// the upload must finish undisturbed and the delete must pick up the
	// ref it produces, or the remote keeps an orphan forever.
	require.NoError(t, f.tree.Delete([]string{"book.mp3"}, library.DeleteDeep))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{Kind: models.TaskDelete, TargetPath: "book.mp3"}))
	assert.Equal(t, 2, f.queue.QueuedJobsCount())

	close(uploadRelease)
	waitEmpty(t, f.queue)
}

func TestPendingForPath_CountsSubtree(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "Trip/ch1.mp3", BookmarkName: "x",
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "Trip/ch2.mp3", BookmarkName: "x",
	}))
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskSetBookmark, TargetPath: "Other/ch.mp3", BookmarkName: "x",
	}))

	assert.Equal(t, 2, f.queue.PendingForPath("Trip"))
	assert.Equal(t, 1, f.queue.PendingForPath("Trip/ch1.mp3"))
	assert.Equal(t, 0, f.queue.PendingForPath("Elsewhere"))
	assert.Equal(t, 3, f.queue.PendingForPath(""))
}

func TestPendingForPath_CountsMoveDestination(t *testing.T) {
	f := newFixture(t)

	// A queued move touches its destination folder too: reconciling that
	// folder before the move replays would remove the moved item.
	require.NoError(t, f.queue.Enqueue(models.SyncTask{
		Kind: models.TaskMove, TargetPath: "Trip/ch1.mp3", DestinationPath: "Archive/ch1.mp3", RemoteRef: "ref-1",
	}))

	assert.Equal(t, 1, f.queue.PendingForPath("Trip"))
	assert.Equal(t, 1, f.queue.PendingForPath("Archive"))
	assert.Equal(t, 1, f.queue.PendingForPath("Archive/ch1.mp3"))
	assert.Equal(t, 0, f.queue.PendingForPath("Elsewhere"))
	assert.Equal(t, 1, f.queue.PendingForPath(""))
}
