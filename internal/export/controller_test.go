package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-export/internal/store"
)

type ctrlFixture struct {
	session *fakeSession
	store   *store.Store
	engine  *Engine
	export  string
}

func newCtrlFixture(t *testing.T) *ctrlFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	session := newFakeSession()
	exportDir := t.TempDir()
	return &ctrlFixture{
		session: session,
		store:   st,
		engine:  NewEngine(session, st, exportDir, nil, nil, nil),
		export:  exportDir,
	}
}

func (f *ctrlFixture) newJob(t *testing.T, opts Options) *Controller {
	t.Helper()
	job := f.engine.Create("test export", opts)
	ctrl, err := f.engine.Controller(job.ID)
	require.NoError(t, err)
	return ctrl
}

func channelOptions() Options {
	return Options{
		PrivateChannels:        true,
		SpecificChats:          []int64{testChannelID},
		MessageFrom:            1,
		MessageTo:              0,
		Photos:                 true,
		Files:                  true,
		MaxConcurrentDownloads: 3,
	}
}

func waitState(t *testing.T, ctrl *Controller, want State) {
	t.Helper()
	require.True(t, waitFor(10*time.Second, func() bool {
		return ctrl.job.GetState() == want
	}), "job never reached %s (now %s)", want, ctrl.job.GetState())
}

func TestController_EndToEndSingleChannel(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.addTextMessage(chat.ID, 1, "hello")
	f.session.addMediaMessage(chat.ID, 2, 100, []byte("photo-ish bytes"))
	f.session.addMediaMessage(chat.ID, 3, 101, []byte("more bytes here"))

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	snap := ctrl.Snapshot()
	assert.Equal(t, snap.TotalMessages, snap.ProcessedMessages)
	assert.Equal(t, int64(2), snap.TotalMedia)
	assert.Equal(t, int64(2), snap.DownloadedMedia)

	// every file's length matches its announced size
	for _, it := range ctrl.Queue().Items() {
		assert.Equal(t, StatusCompleted, it.Status)
		fi, err := os.Stat(filepath.Join(ctrl.exportDir(), filepath.FromSlash(it.RelPath())))
		require.NoError(t, err)
		assert.Equal(t, it.Size, fi.Size())
	}
}

func TestController_EmptyResultCompletesWithZeroTotals(t *testing.T) {
	f := newCtrlFixture(t)
	// no chats resolvable at all
	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	snap := ctrl.Snapshot()
	assert.Zero(t, snap.TotalMedia)
	assert.Zero(t, snap.TotalMessages)
}

func TestController_StartWhileRunningIsBusy(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.chunkDelay = 30 * time.Millisecond
	content := make([]byte, 4*chunkSize)
	f.session.addMediaMessage(chat.ID, 1, 100, content)

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateRunning)

	assert.ErrorIs(t, ctrl.Start(), ErrBusy)
	require.NoError(t, ctrl.Cancel())
}

func TestController_PauseAndResume(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.chunkDelay = 20 * time.Millisecond
	content := make([]byte, 6*chunkSize)
	f.session.addMediaMessage(chat.ID, 1, 100, content)

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateRunning)

	require.NoError(t, ctrl.Pause())
	assert.Equal(t, StatePaused, ctrl.job.GetState())

	// no item stuck in downloading after the pause
	counts, _ := ctrl.Queue().Counts()
	assert.Zero(t, counts[StatusDownloading])

	f.session.mu.Lock()
	f.session.chunkDelay = 0
	f.session.mu.Unlock()

	require.NoError(t, ctrl.Resume())
	waitState(t, ctrl, StateCompleted)

	data, err := os.ReadFile(filepath.Join(ctrl.exportDir(), filepath.FromSlash(ctrl.Queue().Items()[0].RelPath())))
	require.NoError(t, err)
	assert.Len(t, data, len(content))
}

func TestController_CancelRetainsPartials(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.chunkDelay = 30 * time.Millisecond
	content := make([]byte, 10*chunkSize)
	f.session.addMediaMessage(chat.ID, 1, 100, content)

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateRunning)

	// give the worker a moment to write at least one chunk
	require.True(t, waitFor(5*time.Second, func() bool {
		it := ctrl.Queue().Items()[0]
		return it.Downloaded > 0
	}))

	require.NoError(t, ctrl.Cancel())
	assert.Equal(t, StateCancelled, ctrl.job.GetState())

	it := ctrl.Queue().Items()[0]
	assert.Contains(t, []ItemStatus{StatusPaused, StatusSkipped}, it.Status)

	partial := filepath.Join(ctrl.exportDir(), filepath.FromSlash(it.RelPartialPath()))
	fi, err := os.Stat(partial)
	require.NoError(t, err, "partial must be retained")
	assert.Equal(t, it.Downloaded, fi.Size())
}

func TestController_RetryNoFailuresIsNoop(t *testing.T) {
	f := newCtrlFixture(t)
	f.session.addChat(testChannelID, "archive")
	ctrl := f.newJob(t, channelOptions())

	n, err := ctrl.Retry()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestController_VerifyCleanJobReclassifiesNothing(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.addMediaMessage(chat.ID, 1, 100, []byte("verified bytes"))

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	require.NoError(t, ctrl.Verify())
	snap := ctrl.Snapshot()
	assert.Contains(t, snap.VerifySummary, "0 reclassified")
	assert.Equal(t, StateCompleted, snap.State)
}

func TestController_VerifyDetectsTruncatedFile(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.addMediaMessage(chat.ID, 1, 100, []byte("these bytes will be cut"))

	ctrl := f.newJob(t, channelOptions())
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	it := ctrl.Queue().Items()[0]
	full := filepath.Join(ctrl.exportDir(), filepath.FromSlash(it.RelPath()))
	require.NoError(t, os.WriteFile(full, []byte("cut"), 0644))

	require.NoError(t, ctrl.Verify())
	got, _ := ctrl.Queue().Get(it.ID)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, StatePaused, ctrl.job.GetState())
}

func TestController_SetConcurrencyClamps(t *testing.T) {
	f := newCtrlFixture(t)
	f.session.addChat(testChannelID, "archive")
	ctrl := f.newJob(t, channelOptions())

	require.NoError(t, ctrl.SetConcurrency(99, 99))
	assert.Equal(t, 20, ctrl.job.Options.MaxConcurrentDownloads)
	assert.Equal(t, 8, ctrl.job.Options.ParallelChunkConnections)
}

func TestEngine_RehydrateResumesSavedState(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.addTextMessage(chat.ID, 1, "hello")
	f.session.addMediaMessage(chat.ID, 2, 100, []byte("persisted bytes"))

	ctrl := f.newJob(t, channelOptions())
	jobID := ctrl.job.ID
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	// a second engine over the same store sees the same world
	engine2 := NewEngine(f.session, f.store, f.export, nil, nil, nil)
	require.NoError(t, engine2.Rehydrate())

	ctrl2, err := engine2.Controller(jobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ctrl2.job.GetState())

	snap := ctrl2.Snapshot()
	assert.Equal(t, int64(1), snap.TotalMedia)
	assert.Equal(t, int64(1), snap.DownloadedMedia)
	assert.Equal(t, 2, ctrl2.job.Cursor(testChannelID))

	// resume correctness: a full re-run on the restored state produces the
	// same on-disk files and re-downloads nothing that is intact
	calls := f.session.downloadCalls
	require.NoError(t, ctrl2.Scan(false))
	waitState(t, ctrl2, StateCompleted)
	assert.Equal(t, calls, f.session.downloadCalls)
}

func TestEngine_DeleteRemovesStateKeepsMedia(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	f.session.addMediaMessage(chat.ID, 1, 100, []byte("media survives"))

	ctrl := f.newJob(t, channelOptions())
	jobID := ctrl.job.ID
	require.NoError(t, ctrl.Start())
	waitState(t, ctrl, StateCompleted)

	mediaPath := filepath.Join(ctrl.exportDir(), filepath.FromSlash(ctrl.Queue().Items()[0].RelPath()))
	require.FileExists(t, mediaPath)

	require.NoError(t, f.engine.Delete(jobID))
	_, err := f.engine.Controller(jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = os.Stat(f.store.JobDir(jobID))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, mediaPath)
}

func TestController_DelegatedBatchFailureFailsAllItems(t *testing.T) {
	f := newCtrlFixture(t)
	chat := f.session.addChat(testChannelID, "archive")
	for i := 1; i <= 20; i++ {
		f.session.addMediaMessage(chat.ID, i, int64(100+i), []byte("delegated"))
	}

	failing := &fakeDelegate{err: context.DeadlineExceeded}
	engine := NewEngine(f.session, f.store, f.export, failing, nil, nil)
	job := engine.Create("delegated", func() Options {
		o := channelOptions()
		o.Delegated = true
		return o
	}())
	ctrl, err := engine.Controller(job.ID)
	require.NoError(t, err)

	require.NoError(t, ctrl.Start())
	require.True(t, waitFor(10*time.Second, func() bool {
		return ctrl.job.GetState().Terminal() || ctrl.job.GetState() == StatePaused
	}))

	counts, total := ctrl.Queue().Counts()
	assert.Equal(t, 20, total)
	assert.Equal(t, 20, counts[StatusFailed])
	// progress lines alone never complete an item
	assert.Zero(t, counts[StatusCompleted])

	for _, it := range ctrl.Queue().Items() {
		assert.Equal(t, "batch_failed", it.ErrorKind)
		assert.Contains(t, it.LastError, "batch exited non-zero")
	}
}

// fakeDelegate scripts the external downloader.
type fakeDelegate struct {
	err error
}

func (d *fakeDelegate) DownloadBatch(_ context.Context, dir string, links []string, onProgress func(int, int64, int64)) error {
	// emit progress for some items before failing, like a dying process
	for i := 0; i < len(links) && i < 8; i++ {
		onProgress(i, 10, 100)
	}
	return d.err
}
