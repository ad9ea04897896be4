package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blockedby/tg-export/internal/telegram"
)

// run is the job's main lifecycle: resolve → scan (extracting) →
// download (running) → finalise. Scanning and downloading overlap; the
// pool is started before scanning and its workers pick up each media item
// as soon as it is queued.
func (c *Controller) run(ctx context.Context, fullScan bool) {
	c.setState(StateExtracting)
	c.persist()

	runErr := c.runPhases(ctx, fullScan)

	c.mu.Lock()
	reason := c.stopReason
	c.mu.Unlock()

	switch {
	case reason == "cancel":
		c.setState(StateCancelled)
	case reason == "pause":
		c.setState(StatePaused)
	case runErr != nil && ctx.Err() == nil:
		c.job.Update(func(j *Job) { j.LastError = runErr.Error() })
		c.setState(StateFailed)
		c.log.Error().Err(runErr).Str("job", c.job.ID).Msg("export: job failed")
	case ctx.Err() != nil:
		// process shutdown: keep the last state for rehydration
	default:
		c.finalize()
	}

	c.queue.SetPaused(false)
	c.persist()
	c.push()
}

// runPhases does the actual work; a non-nil error is fatal for the job.
func (c *Controller) runPhases(ctx context.Context, fullScan bool) error {
	chats, err := resolveChats(ctx, c.session, &c.job.Options, c.log)
	if err != nil {
		return err
	}

	c.chatsMu.Lock()
	c.chats = chats
	c.chatsMu.Unlock()

	c.job.Update(func(j *Job) {
		j.TotalChats = len(chats)
		j.ProcessedChats = 0
	})
	c.push()

	// zero chats: nothing to scan, the job completes with zero totals
	if len(chats) == 0 {
		return nil
	}

	if err := os.MkdirAll(c.exportDir(), 0755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	// reconcile queued items against the disk before any download
	c.reconcileDisk()

	// the drain stage runs concurrently with scanning
	drainDone := make(chan error, 1)
	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()

	scanDone := make(chan struct{})
	if c.job.Options.Delegated && c.delegate != nil {
		go func() { drainDone <- c.runDelegated(drainCtx, scanDone) }()
	} else {
		pool := NewPool(c.job, c.queue, c.session, c.reporter, c.exportDir(), c.push)
		pool.SetChats(chats)
		c.mu.Lock()
		c.pool = pool
		c.mu.Unlock()
		pool.Start(drainCtx)
		go func() {
			pool.Wait()
			drainDone <- nil
		}()
	}

	// periodic persistence while the job runs
	tickerDone := make(chan struct{})
	go c.persistLoop(ctx, tickerDone)

	scanErr := c.scanAll(ctx, chats, fullScan)
	close(scanDone)

	if scanErr != nil && ctx.Err() == nil {
		stopDrain()
		<-drainDone
		close(tickerDone)
		return scanErr
	}

	// scanning finished (or was suspended); wait for the queue to drain
	c.waitDrained(ctx)

	stopDrain()
	<-drainDone
	close(tickerDone)

	c.mu.Lock()
	c.pool = nil
	c.mu.Unlock()

	return nil
}

// scanAll drives the scanner over every chat in order.
func (c *Controller) scanAll(ctx context.Context, chats []telegram.Chat, full bool) error {
	sc := &scanner{
		job:     c.job,
		queue:   c.queue,
		store:   c.store,
		session: c.session,
		log:     c.log,
		notify:  c.onScanProgress,
	}

	for i := range chats {
		if err := ctx.Err(); err != nil {
			return nil // suspended, not failed
		}
		chat := &chats[i]
		if err := sc.scanChat(ctx, chat, full); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// a dead chat does not kill the job unless it is fatal
			if telegram.KindOf(err) == telegram.KindPermanent {
				c.log.Warn().Err(err).Int64("chat_id", chat.ID).Msg("export: chat scan failed, skipping")
			} else {
				return err
			}
		}
		c.job.Update(func(j *Job) { j.ProcessedChats++ })
		c.push()
	}
	return nil
}

// onScanProgress flips extracting → running once the first media item is
// ready, so downloads overlap the remaining scan.
func (c *Controller) onScanProgress() {
	if c.job.GetState() == StateExtracting {
		if _, total := c.queue.Counts(); total > 0 {
			c.setState(StateRunning)
		}
	}
	c.push()
}

// waitDrained polls until every item left the waiting/downloading
// buckets or the run is cancelled.
func (c *Controller) waitDrained(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.queue.Drained() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// persistLoop writes job and queue state every few seconds while running.
func (c *Controller) persistLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.persist()
			c.push()
		}
	}
}

// finalize decides the natural end state: completed when every item is
// terminal, paused when unfinished work remains (e.g. per-item pauses).
func (c *Controller) finalize() {
	counts, total := c.queue.Counts()
	unfinished := counts[StatusWaiting] + counts[StatusDownloading] + counts[StatusPaused]
	if total == 0 || unfinished == 0 {
		c.setState(StateCompleted)
		return
	}
	c.setState(StatePaused)
}

// reconcileDisk marks queued items whose final file already exists with
// the right size as completed (same-name job reuse, crash recovery).
func (c *Controller) reconcileDisk() {
	dir := c.exportDir()
	for _, it := range c.queue.Items() {
		if it.Status == StatusCompleted || it.Status == StatusSkipped {
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(it.RelPath())))
		if err == nil && it.Size > 0 && fi.Size() == it.Size {
			_ = c.queue.MarkCompleted(it.ID)
		}
	}
}

// Verify walks completed and failed items, checks on-disk length against
// the announced size, and forces mismatches back to waiting with the
// attempt counter reset. Writes a summary to the descriptor.
func (c *Controller) Verify() error {
	if err := c.tryOp(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.job.Update(func(j *Job) { j.Verifying = true })
	c.push()
	defer func() {
		c.job.Update(func(j *Job) { j.Verifying = false })
		c.persist()
		c.push()
	}()

	dir := c.exportDir()
	checked, mismatched := 0, 0
	for _, it := range c.queue.Items() {
		if it.Status != StatusCompleted && it.Status != StatusFailed {
			continue
		}
		checked++
		ok := false
		if fi, err := os.Stat(filepath.Join(dir, filepath.FromSlash(it.RelPath()))); err == nil {
			ok = it.Size > 0 && fi.Size() == it.Size
		}
		if ok {
			continue
		}
		mismatched++
		_ = c.queue.RetryItem(it.ID, true)
	}

	summary := fmt.Sprintf("verified %d items, %d reclassified for re-download", checked, mismatched)
	c.job.Update(func(j *Job) { j.VerifySummary = summary })
	if mismatched > 0 && c.job.GetState() == StateCompleted && !c.running() {
		c.setState(StatePaused)
	}
	c.log.Info().Str("job", c.job.ID).Str("summary", summary).Msg("export: verification done")
	return nil
}

// runDelegated drains the queue through the external downloader instead
// of the in-process pool. Waiting items are grouped by target directory
// and handed over in batches; a non-zero process exit fails the whole
// batch — progress lines alone never complete an item.
func (c *Controller) runDelegated(ctx context.Context, scanDone <-chan struct{}) error {
	dir := c.exportDir()
	scanning := true

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-scanDone:
			scanning = false
		default:
		}

		// claim every currently waiting item
		var batch []*Item
		for {
			it := c.queue.ClaimNext()
			if it == nil {
				break
			}
			batch = append(batch, it)
		}

		if len(batch) == 0 {
			if !scanning && c.queue.Drained() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		groups := make(map[string][]*Item)
		for _, it := range batch {
			groups[it.Dir] = append(groups[it.Dir], it)
		}

		for sub, items := range groups {
			if ctx.Err() != nil {
				// hand the claims back for the next run
				for _, it := range items {
					_ = c.queue.Release(it.ID)
				}
				continue
			}
			c.delegateGroup(ctx, filepath.Join(dir, filepath.FromSlash(sub)), items)
		}
		c.push()
	}
}

// delegateGroup invokes the external process for one directory group.
func (c *Controller) delegateGroup(ctx context.Context, absDir string, items []*Item) {
	if err := os.MkdirAll(absDir, 0755); err != nil {
		for _, it := range items {
			_ = c.queue.Fail(it.ID, string(telegram.KindPermanent), fmt.Sprintf("create target dir: %v", err))
		}
		return
	}

	links := make([]string, len(items))
	for i, it := range items {
		links[i] = messageLink(it.ChatID, it.MessageID)
	}

	onProgress := func(i int, downloaded, total int64) {
		if i < 0 || i >= len(items) {
			return
		}
		it := items[i]
		c.queue.Progress(it.ID, downloaded)
		if total > 0 && it.Size == 0 {
			c.queue.mu.Lock()
			if qi, ok := c.queue.items[it.ID]; ok {
				qi.Size = total
			}
			c.queue.mu.Unlock()
		}
		c.reporter.Tick(0)
	}

	err := c.delegate.DownloadBatch(ctx, absDir, links, onProgress)
	if err != nil {
		for _, it := range items {
			_ = c.queue.Fail(it.ID, "batch_failed", fmt.Sprintf("batch exited non-zero: %v", err))
		}
		c.log.Warn().Err(err).Int("items", len(items)).Msg("export: delegated batch failed")
		return
	}

	// exit 0: the process claims every item landed; confirm by length
	for _, it := range items {
		full := filepath.Join(absDir, it.FileName)
		if fi, statErr := os.Stat(full); statErr == nil && (it.Size == 0 || fi.Size() == it.Size) {
			if it.Size == 0 {
				c.queue.mu.Lock()
				if qi, ok := c.queue.items[it.ID]; ok {
					qi.Size = fi.Size()
				}
				c.queue.mu.Unlock()
			}
			_ = c.queue.Complete(it.ID)
		} else {
			_ = c.queue.Fail(it.ID, string(telegram.KindTransient), "file missing or short after delegated batch")
		}
	}
}

// messageLink builds the t.me deep link the external downloader accepts.
func messageLink(chatID int64, messageID int) string {
	raw := telegram.UnmarkChannelID(chatID)
	return fmt.Sprintf("https://t.me/c/%d/%d", raw, messageID)
}

// jobRecord is the persisted descriptor form.
type jobRecord struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Options Options `json:"options"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	State State `json:"state"`

	TotalChats        int   `json:"total_chats"`
	ProcessedChats    int   `json:"processed_chats"`
	TotalMessages     int64 `json:"total_messages"`
	ProcessedMessages int64 `json:"processed_messages"`
	TotalMedia        int64 `json:"total_media"`
	DownloadedMedia   int64 `json:"downloaded_media"`
	FailedMedia       int64 `json:"failed_media"`
	TotalSize         int64 `json:"total_size"`
	DownloadedSize    int64 `json:"downloaded_size"`

	LastError     string `json:"last_error,omitempty"`
	VerifySummary string `json:"verify_summary,omitempty"`

	Cursors map[int64]int `json:"cursors,omitempty"`
}

// record snapshots the job for persistence.
func (j *Job) record() jobRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	cursors := make(map[int64]int, len(j.Cursors))
	for k, v := range j.Cursors {
		cursors[k] = v
	}
	return jobRecord{
		ID:                j.ID,
		Name:              j.Name,
		Options:           j.Options,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		State:             j.State,
		TotalChats:        j.TotalChats,
		ProcessedChats:    j.ProcessedChats,
		TotalMessages:     j.TotalMessages,
		ProcessedMessages: j.ProcessedMessages,
		TotalMedia:        j.TotalMedia,
		DownloadedMedia:   j.DownloadedMedia,
		FailedMedia:       j.FailedMedia,
		TotalSize:         j.TotalSize,
		DownloadedSize:    j.DownloadedSize,
		LastError:         j.LastError,
		VerifySummary:     j.VerifySummary,
		Cursors:           cursors,
	}
}

// jobFromRecord rebuilds a Job from its persisted form.
func jobFromRecord(rec jobRecord) *Job {
	j := &Job{
		ID:                rec.ID,
		Name:              rec.Name,
		Options:           rec.Options,
		CreatedAt:         rec.CreatedAt,
		StartedAt:         rec.StartedAt,
		CompletedAt:       rec.CompletedAt,
		State:             rec.State,
		TotalChats:        rec.TotalChats,
		ProcessedChats:    rec.ProcessedChats,
		TotalMessages:     rec.TotalMessages,
		ProcessedMessages: rec.ProcessedMessages,
		TotalMedia:        rec.TotalMedia,
		DownloadedMedia:   rec.DownloadedMedia,
		FailedMedia:       rec.FailedMedia,
		TotalSize:         rec.TotalSize,
		DownloadedSize:    rec.DownloadedSize,
		LastError:         rec.LastError,
		VerifySummary:     rec.VerifySummary,
		Cursors:           rec.Cursors,
	}
	if j.Cursors == nil {
		j.Cursors = make(map[int64]int)
	}
	j.Options.Normalize()
	return j
}
