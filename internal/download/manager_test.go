package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearkenapp/hearken/internal/blob"
	hearkerr "github.com/hearkenapp/hearken/internal/errors"
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
	tree    *Manager
	library *library.Tree
	blobs   *blob.Store
	client  *remote.MockClient
	hub     *events.Hub[events.DownloadEvent]
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

	return &fixture{
		tree:    NewManager(tree, client, blobs, hubs.Download, 3, logger),
		library: tree,
		blobs:   blobs,
		client:  client,
		hub:     hubs.Download,
	}
}

func (f *fixture) addBook(t *testing.T, path, ref string) {
	t.Helper()

	_, err := f.library.AddItem(models.Item{RelativePath: path, Kind: models.KindBook, RemoteRef: ref})
	require.NoError(t, err)
}

func (f *fixture) addFolder(t *testing.T, path string) {
	t.Helper()

	_, err := f.library.AddItem(models.Item{RelativePath: path, Kind: models.KindFolder})
	require.NoError(t, err)
}

// waitDone drains download events until a terminal one arrives for path.
func waitDone(t *testing.T, ch <-chan events.DownloadEvent, path string) events.DownloadEvent {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case ev := <-ch:
			if ev.Path == path && ev.Done {
				return ev
			}
		case <-deadline:
			t.Fatalf("no terminal download event for %q", path)
		}
	}
}

func body(s string, size int64) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader(s)), size, nil
}

func TestGetState_UnknownItem(t *testing.T) {
	f := newFixture(t)

	_, err := f.tree.GetState("missing.mp3")
	assert.ErrorIs(t, err, hearkerr.ErrItemNotFound)
}

func TestGetState_DefaultsToNotDownloaded(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	st, err := f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateNotDownloaded, st.State)
}

func TestStartDownload_Book(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	f.client.EXPECT().Download(gomock.Any(), "ref-1").Return(body("audio bytes", 11))

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))

	ev := waitDone(t, ch, "book.mp3")
	require.NoError(t, ev.Err)
	assert.InDelta(t, 1.0, ev.Progress, 0.001)

	st, err := f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateDownloaded, st.State)
	assert.True(t, f.blobs.Exists("book.mp3"))
}

func TestStartDownload_AlreadyDownloadedIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	f.client.EXPECT().Download(gomock.Any(), "ref-1").Return(body("audio bytes", 11))

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))

	ev := waitDone(t, ch, "book.mp3")
	require.NoError(t, ev.Err)

	// Every file is already local; a repeat request must not go back to
	// the network. The single Download expectation above fails the test
	// if it does.
	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))

	st, err := f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateDownloaded, st.State)
}

func TestStartDownload_NoRemoteContent(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "local-only.mp3", "")

	err := f.tree.StartDownload(context.Background(), "local-only.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote content")
}

func TestStartDownload_FolderFetchesDescendants(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "Trip")
	f.addBook(t, "Trip/ch1.mp3", "ref-1")
	f.addBook(t, "Trip/ch2.mp3", "ref-2")

	f.client.EXPECT().Download(gomock.Any(), "ref-1").Return(body("one", 3))
	f.client.EXPECT().Download(gomock.Any(), "ref-2").Return(body("two", 3))

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "Trip"))

	ev := waitDone(t, ch, "Trip")
	require.NoError(t, ev.Err)

	st, err := f.tree.GetState("Trip")
	require.NoError(t, err)
	assert.Equal(t, StateDownloaded, st.State)
	assert.True(t, f.blobs.Exists("Trip/ch1.mp3"))
	assert.True(t, f.blobs.Exists("Trip/ch2.mp3"))
}

func TestStartDownload_FolderPartialFailureKeepsCompletedFiles(t *testing.T) {
	f := newFixture(t)
	f.addFolder(t, "Trip")
	f.addBook(t, "Trip/ok.mp3", "ref-ok")
	f.addBook(t, "Trip/bad.mp3", "ref-bad")

	f.client.EXPECT().Download(gomock.Any(), "ref-ok").Return(body("fine", 4)).MaxTimes(1)
	f.client.EXPECT().Download(gomock.Any(), "ref-bad").
		Return(nil, int64(0), &remote.Error{Kind: remote.KindQuota, Op: "download", Err: errors.New("quota exceeded")})

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "Trip"))

	ev := waitDone(t, ch, "Trip")
	require.Error(t, ev.Err)
	assert.Contains(t, ev.Err.Error(), "bad.mp3")

	// The batch is not atomic, so the failed folder reverts to
	// notDownloaded even though succeeded children stay on disk.
	st, err := f.tree.GetState("Trip")
	require.NoError(t, err)
	assert.Equal(t, StateNotDownloaded, st.State)
	assert.False(t, f.blobs.Exists("Trip/bad.mp3"))
}

// stallingBody blocks reads until released so a download can be caught
// in flight. Like a real HTTP response body, reads unblock with an
// error once the request context is cancelled.
type stallingBody struct {
	release chan struct{}
	done    <-chan struct{}
}

func (b *stallingBody) Read(p []byte) (int, error) {
	select {
	case <-b.release:
		return 0, io.EOF
	case <-b.done:
		return 0, context.Canceled
	}
}

func (b *stallingBody) Close() error { return nil }

func TestCancelDownload_RemovesPartialArtifacts(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	stall := &stallingBody{release: make(chan struct{})}
	started := make(chan struct{})

	f.client.EXPECT().Download(gomock.Any(), "ref-1").
		DoAndReturn(func(ctx context.Context, _ string) (io.ReadCloser, int64, error) {
			stall.done = ctx.Done()
			close(started)
			return stall, 0, nil
		})

	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))
	<-started

	st, err := f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, st.State)

	require.NoError(t, f.tree.CancelDownload("book.mp3"))
	close(stall.release)

	st, err = f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateNotDownloaded, st.State)
	assert.False(t, f.blobs.Exists("book.mp3"))
}

func TestCancelDownload_NotInFlight(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	err := f.tree.CancelDownload("book.mp3")
	assert.ErrorIs(t, err, hearkerr.ErrNotDownloading)
}

func TestStartDownload_AlreadyDownloadingIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	stall := &stallingBody{release: make(chan struct{})}
	started := make(chan struct{})

	f.client.EXPECT().Download(gomock.Any(), "ref-1").
		DoAndReturn(func(ctx context.Context, _ string) (io.ReadCloser, int64, error) {
			stall.done = ctx.Done()
			close(started)
			return stall, 0, nil
		})

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))
	<-started

	// Second start while in flight does not call the remote again.
	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))

	close(stall.release)
	waitDone(t, ch, "book.mp3")
}

func TestOffload_RemovesLocalCopy(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	f.client.EXPECT().Download(gomock.Any(), "ref-1").Return(body("audio", 5))

	ch, cancel := f.hub.Subscribe(64)
	defer cancel()

	require.NoError(t, f.tree.StartDownload(context.Background(), "book.mp3"))
	waitDone(t, ch, "book.mp3")

	require.NoError(t, f.tree.Offload("book.mp3"))

	st, err := f.tree.GetState("book.mp3")
	require.NoError(t, err)
	assert.Equal(t, StateNotDownloaded, st.State)
	assert.False(t, f.blobs.Exists("book.mp3"))
}

func TestOffload_RequiresDownloaded(t *testing.T) {
	f := newFixture(t)
	f.addBook(t, "book.mp3", "ref-1")

	err := f.tree.Offload("book.mp3")
	assert.ErrorIs(t, err, hearkerr.ErrNotDownloaded)
}
