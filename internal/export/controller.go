package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/store"
	"github.com/blockedby/tg-export/internal/telegram"
)

// controller errors
var (
	ErrBusy     = errors.New("another operation is in progress for this job")
	ErrBadState = errors.New("operation not valid in the current job state")
)

// persistInterval is how often a running job's descriptor and queue are
// written to the resume store.
const persistInterval = 5 * time.Second

// Delegate invokes the external downloader process for a batch of links
// sharing one target directory. A nil error means every item succeeded;
// any process failure fails the whole batch.
type Delegate interface {
	DownloadBatch(ctx context.Context, dir string, links []string, onProgress func(i int, downloaded, total int64)) error
}

// EventPublisher publishes job lifecycle events (optional).
type EventPublisher interface {
	PublishJobState(ctx context.Context, jobID string, state State) error
}

// Controller orchestrates one job: resolve → scan → download, the state
// machine, and the pause/resume/cancel/verify/retry semantics. It owns
// the job, its queue, scanner and worker pool exclusively.
type Controller struct {
	job      *Job
	queue    *Queue
	store    *store.Store
	session  Session
	reporter *Reporter
	log      *logger.Logger

	exportRoot string
	delegate   Delegate
	publisher  EventPublisher
	notify     func(Snapshot)

	// opMu is the re-entrancy guard: a concurrent second control call on
	// the same job reports busy instead of spawning parallel controllers.
	opMu sync.Mutex

	mu         sync.Mutex
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	stopReason string // "", "pause", "cancel"
	pool       *Pool

	chatsMu sync.RWMutex
	chats   []telegram.Chat
}

// NewController wires a controller for one job.
func NewController(job *Job, st *store.Store, session Session, exportRoot string, delegate Delegate, publisher EventPublisher, notify func(Snapshot)) *Controller {
	return &Controller{
		job:        job,
		queue:      NewQueue(),
		store:      st,
		session:    session,
		reporter:   NewReporter(),
		log:        logger.Get(),
		exportRoot: exportRoot,
		delegate:   delegate,
		publisher:  publisher,
		notify:     notify,
	}
}

// Job returns the controlled job.
func (c *Controller) Job() *Job { return c.job }

// Queue exposes the projection source for the API layer.
func (c *Controller) Queue() *Queue { return c.queue }

// exportDir is the job's media directory under the export root.
func (c *Controller) exportDir() string {
	return filepath.Join(c.exportRoot, c.job.ExportName())
}

// Snapshot refreshes aggregates and returns the job copy.
func (c *Controller) Snapshot() Snapshot {
	c.refreshStats()
	return c.job.Snapshot()
}

// refreshStats folds queue aggregates and speed into the job counters.
func (c *Controller) refreshStats() {
	agg := c.queue.Aggregate()
	speed := c.reporter.Speed()
	c.job.Update(func(j *Job) {
		j.TotalMedia = agg.Total
		j.DownloadedMedia = agg.Done
		j.FailedMedia = agg.Failed
		j.TotalSize = agg.TotalSize
		j.DownloadedSize = agg.DoneSize
		j.Speed = speed
	})
}

// tryOp acquires the per-job exclusive operation lock or reports busy.
func (c *Controller) tryOp() error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	return nil
}

// running reports whether a run goroutine is active.
func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runDone != nil
}

// Start transitions pending → extracting and launches the run.
// Starting an already-running job is a busy-reject no-op.
func (c *Controller) Start() error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	if c.running() {
		return ErrBusy
	}
	switch c.job.GetState() {
	case StatePending, StatePaused, StateFailed, StateCancelled, StateRunning, StateExtracting:
		// StateRunning/Extracting without a live run goroutine happens
		// after rehydration; re-entry is allowed
	default:
		return ErrBadState
	}

	c.launch(false)
	return nil
}

// Scan triggers a rescan. full ignores the per-chat cursors.
func (c *Controller) Scan(full bool) error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	if c.running() {
		return ErrBusy
	}
	if c.job.GetState() == StateExtracting {
		return ErrBusy
	}
	if full {
		c.job.Update(func(j *Job) { j.Cursors = make(map[int64]int) })
	}
	c.launch(full)
	return nil
}

// launch starts the run goroutine. Caller holds opMu and verified no run
// is active.
func (c *Controller) launch(fullScan bool) {
	// the run outlives the HTTP request that triggered it
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancelRun = cancel
	c.runDone = done
	c.stopReason = ""
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			c.mu.Lock()
			c.cancelRun = nil
			c.runDone = nil
			c.mu.Unlock()
		}()
		c.run(runCtx, fullScan)
	}()
}

// Pause signals workers to release after their current chunk and
// suspends the scanner. running/extracting → paused.
func (c *Controller) Pause() error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	state := c.job.GetState()
	if state != StateRunning && state != StateExtracting {
		return ErrBadState
	}
	c.stop("pause")
	return nil
}

// Resume wakes a paused job: workers restart, the scanner resumes from
// its cursors.
func (c *Controller) Resume() error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	if c.job.GetState() != StatePaused {
		return ErrBadState
	}
	if c.running() {
		return ErrBusy
	}
	c.reporter.Reset()
	c.launch(false)
	return nil
}

// Cancel aborts the job. Partials are flushed and retained.
func (c *Controller) Cancel() error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	switch c.job.GetState() {
	case StateRunning, StateExtracting, StatePaused, StatePending:
	default:
		return ErrBadState
	}
	c.stop("cancel")
	if !c.running() {
		// no live run to finalise the transition
		c.setState(StateCancelled)
		c.persist()
	}
	return nil
}

// stop cancels the run goroutine and waits for it to wind down.
// Cancelled jobs park their in-flight items as paused; paused jobs hand
// them back to waiting.
func (c *Controller) stop(reason string) {
	c.mu.Lock()
	c.stopReason = reason
	cancel := c.cancelRun
	done := c.runDone
	pool := c.pool
	c.mu.Unlock()

	if pool != nil {
		if reason == "cancel" {
			pool.SetStopStatus(StatusPaused)
		} else {
			pool.SetStopStatus(StatusWaiting)
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Retry moves all failed items back to waiting. A job with no failures
// is a no-op.
func (c *Controller) Retry() (int, error) {
	if err := c.tryOp(); err != nil {
		return 0, err
	}
	defer c.opMu.Unlock()

	n := c.queue.RetryAllFailed()
	if n > 0 {
		c.afterRequeue()
	}
	return n, nil
}

// RetryItem requeues one item, forcing re-download even if completed.
func (c *Controller) RetryItem(id string) error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	if err := c.queue.RetryItem(id, true); err != nil {
		return err
	}
	c.afterRequeue()
	return nil
}

// afterRequeue pulls a completed job back to runnable and persists.
func (c *Controller) afterRequeue() {
	if c.job.GetState() == StateCompleted && !c.running() {
		c.setState(StatePaused)
	}
	c.persist()
	c.push()
}

// PauseItem pauses one download item.
func (c *Controller) PauseItem(id string) error {
	return c.queue.PauseItem(id)
}

// ResumeItem resumes one paused item.
func (c *Controller) ResumeItem(id string) error {
	if err := c.queue.ResumeItem(id); err != nil {
		return err
	}
	c.push()
	return nil
}

// CancelItem skips one item; its partial stays for a future resume.
func (c *Controller) CancelItem(id string) error {
	return c.queue.CancelItem(id)
}

// SetConcurrency mutates the worker bound and chunk policy at runtime.
func (c *Controller) SetConcurrency(maxDownloads, parallelConns int) error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.job.Update(func(j *Job) {
		j.Options.MaxConcurrentDownloads = maxDownloads
		j.Options.ParallelChunkConnections = parallelConns
		j.Options.Normalize()
	})

	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool != nil {
		pool.Resize(c.job.Options.MaxConcurrentDownloads)
	}
	c.persist()
	return nil
}

// SetDelegated toggles the delegated-downloader drain. Takes effect when
// the next run starts.
func (c *Controller) SetDelegated(enabled bool) error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	if enabled && c.delegate == nil {
		return fmt.Errorf("delegated downloader not configured")
	}
	c.job.Update(func(j *Job) { j.Options.Delegated = enabled })
	c.persist()
	return nil
}

// setState applies a state transition, persists it and publishes it.
// The controller is the only mutator of job state.
func (c *Controller) setState(s State) {
	c.job.setState(s)
	if c.publisher != nil {
		_ = c.publisher.PublishJobState(context.Background(), c.job.ID, s)
	}
	c.push()
}

// push sends a snapshot to the progress listeners.
func (c *Controller) push() {
	if c.notify != nil {
		c.notify(c.Snapshot())
	}
}

// persist writes descriptor and queue to the resume store.
func (c *Controller) persist() {
	c.refreshStats()
	if err := c.store.SaveJSON(c.job.ID, "job.json", c.job.record()); err != nil {
		c.log.Error().Err(err).Str("job", c.job.ID).Msg("export: persist descriptor failed")
	}
	if err := c.store.SaveJSON(c.job.ID, "queue.json", c.queue.Items()); err != nil {
		c.log.Error().Err(err).Str("job", c.job.ID).Msg("export: persist queue failed")
	}
}
