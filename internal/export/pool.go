package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/telegram"
)

const (
	// chunkSize is the per-request byte count. Offsets stay aligned
	// because every non-final write is a full chunk.
	chunkSize = 512 * 1024

	// maxRefRefreshes bounds reference refreshes per claim (M).
	maxRefRefreshes = 3

	// maxAttempts bounds transient retries per claim (A).
	maxAttempts = 5
)

// Pool drives N workers that drain the queue through the shared Session.
// N is mutable at runtime: growing spawns workers, shrinking makes the
// surplus workers exit after their current item.
type Pool struct {
	job      *Job
	queue    *Queue
	session  Session
	reporter *Reporter
	log      *logger.Logger
	notify   func()

	// export directory of this job (absolute)
	dir string

	// chats by id, for reference refresh
	chatsMu sync.RWMutex
	chats   map[int64]*telegram.Chat

	limit atomic.Int32

	mu      sync.Mutex
	ctx     context.Context
	spawned int
	wg      sync.WaitGroup

	// status applied to in-flight items when the pool stops:
	// waiting on job pause, paused on job cancel
	stopStatus atomic.Value // ItemStatus
}

// NewPool builds a pool; Start spawns the workers.
func NewPool(job *Job, queue *Queue, session Session, reporter *Reporter, dir string, notify func()) *Pool {
	p := &Pool{
		job:      job,
		queue:    queue,
		session:  session,
		reporter: reporter,
		log:      logger.Get(),
		notify:   notify,
		dir:      dir,
		chats:    make(map[int64]*telegram.Chat),
	}
	p.limit.Store(int32(job.Options.MaxConcurrentDownloads))
	p.stopStatus.Store(StatusWaiting)
	return p
}

// SetChats registers resolved chats for reference refresh lookups.
func (p *Pool) SetChats(chats []telegram.Chat) {
	p.chatsMu.Lock()
	defer p.chatsMu.Unlock()
	for i := range chats {
		c := chats[i]
		p.chats[c.ID] = &c
	}
}

func (p *Pool) chat(id int64) *telegram.Chat {
	p.chatsMu.RLock()
	defer p.chatsMu.RUnlock()
	return p.chats[id]
}

// Start spawns workers up to the current bound.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	p.ensureWorkers()
}

// Resize mutates the worker bound at runtime. Shrinking lets surplus
// workers finish their current item and exit; no new claims pass the
// new bound.
func (p *Pool) Resize(n int) {
	if n < 1 {
		n = 1
	}
	if n > 20 {
		n = 20
	}
	p.limit.Store(int32(n))
	p.ensureWorkers()
}

// SetStopStatus selects what happens to in-flight items when the pool's
// context is cancelled.
func (p *Pool) SetStopStatus(s ItemStatus) {
	p.stopStatus.Store(s)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) ensureWorkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return
	}
	for p.spawned < int(p.limit.Load()) {
		id := p.spawned
		p.spawned++
		p.wg.Add(1)
		go p.worker(p.ctx, id)
	}
}

// worker is one download loop. A worker whose id passed the bound exits
// after its current item; worker 0 never exits on resize.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.spawned--
		p.mu.Unlock()
	}()

	p.log.Debug().Int("worker", id).Str("job", p.job.ID).Msg("export: worker started")

	for {
		if ctx.Err() != nil {
			return
		}
		if id >= int(p.limit.Load()) {
			p.log.Debug().Int("worker", id).Msg("export: worker exits, bound lowered")
			return
		}

		item, err := p.queue.WaitClaim(ctx)
		if err != nil {
			return
		}
		// the bound may have been lowered while this worker slept
		if id >= int(p.limit.Load()) {
			_ = p.queue.Release(item.ID)
			p.log.Debug().Int("worker", id).Msg("export: worker exits, bound lowered")
			return
		}

		p.download(ctx, item)
		if p.notify != nil {
			p.notify()
		}
	}
}

// outcome of a single chunk loop exit
type dlOutcome int

const (
	dlDone dlOutcome = iota
	dlPausedItem
	dlCancelledItem
	dlStopped // pool shutdown, apply stopStatus
	dlFailed
)

// download runs the per-file protocol and applies the final queue
// transition for the claimed item.
func (p *Pool) download(ctx context.Context, item *Item) {
	target := filepath.Join(p.dir, filepath.FromSlash(item.RelPath()))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		_ = p.queue.Fail(item.ID, string(telegram.KindPermanent), fmt.Sprintf("create target dir: %v", err))
		return
	}

	// de-dup: a final file of exactly the announced size is accepted
	if fi, err := os.Stat(target); err == nil && item.Size > 0 && fi.Size() == item.Size {
		p.queue.Progress(item.ID, item.Size)
		_ = p.queue.Complete(item.ID)
		return
	}

	var (
		out     dlOutcome
		kind    telegram.ErrorKind
		failMsg string
	)
	if p.job.Options.ParallelChunk && item.Size >= minParallelSize {
		out, kind, failMsg = p.downloadParallel(ctx, item, target)
	} else {
		out, kind, failMsg = p.downloadSequential(ctx, item, target)
	}

	switch out {
	case dlDone:
		_ = p.queue.Complete(item.ID)
		p.log.Info().
			Str("item", item.ID).
			Str("size", humanize.Bytes(uint64(item.Size))).
			Msg("export: download completed")
	case dlPausedItem:
		_ = p.queue.MarkPaused(item.ID)
	case dlCancelledItem:
		_ = p.queue.Skip(item.ID)
	case dlStopped:
		if p.stopStatus.Load().(ItemStatus) == StatusPaused {
			_ = p.queue.MarkPaused(item.ID)
		} else {
			_ = p.queue.Release(item.ID)
		}
	case dlFailed:
		_ = p.queue.Fail(item.ID, string(kind), failMsg)
		p.log.Warn().
			Str("item", item.ID).
			Str("kind", string(kind)).
			Str("error", failMsg).
			Msg("export: download failed")
	}
}

// downloadSequential appends to the .partial sibling chunk by chunk,
// then fsyncs and atomically renames into place.
func (p *Pool) downloadSequential(ctx context.Context, item *Item, target string) (dlOutcome, telegram.ErrorKind, string) {
	partial := target + ".partial"

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("open partial: %v", err)
	}
	defer f.Close()

	offset := int64(0)
	if fi, err := f.Stat(); err == nil {
		offset = fi.Size()
	}
	// a partial larger than the announced size is poisoned; restart
	if item.Size > 0 && offset > item.Size {
		if err := f.Truncate(0); err != nil {
			return dlFailed, telegram.KindPermanent, fmt.Sprintf("truncate partial: %v", err)
		}
		offset = 0
	}
	p.queue.Progress(item.ID, offset)

	ref := item.Ref
	refreshes := 0
	attempts := 0
	bo := newTransientBackoff()

	for item.Size == 0 || offset < item.Size {
		// control signals are observed between chunks
		if pause, cancel := p.queue.Signalled(item.ID); pause || cancel {
			_ = f.Sync()
			if cancel {
				return dlCancelledItem, "", ""
			}
			return dlPausedItem, "", ""
		}
		if ctx.Err() != nil {
			_ = f.Sync()
			return dlStopped, "", ""
		}

		want := chunkSize
		if item.Size > 0 && item.Size-offset < int64(want) {
			want = int(item.Size - offset)
		}

		data, err := p.session.DownloadChunk(ctx, ref, offset, want)
		if err != nil {
			if ctx.Err() != nil {
				_ = f.Sync()
				return dlStopped, "", ""
			}
			switch telegram.KindOf(err) {
			case telegram.KindFloodWait:
				// the session's gate is already held; same offset, no
				// attempt consumed
				continue
			case telegram.KindRefExpired:
				refreshes++
				if refreshes > maxRefRefreshes {
					return dlFailed, telegram.KindRefExpired, "access reference refresh budget exhausted"
				}
				chat := p.chat(item.ChatID)
				if chat == nil {
					return dlFailed, telegram.KindPermanent, "owning chat not resolved"
				}
				media, rerr := p.session.RefreshReference(ctx, chat, item.MessageID)
				if rerr != nil {
					return dlFailed, telegram.KindOf(rerr), fmt.Sprintf("refresh reference: %v", rerr)
				}
				ref = media.Ref
				p.queue.UpdateRef(item.ID, ref)
				p.queue.IncAttempt(item.ID)
				continue
			case telegram.KindTransient:
				attempts++
				p.queue.IncAttempt(item.ID)
				if attempts >= maxAttempts {
					return dlFailed, telegram.KindTransient, fmt.Sprintf("gave up after %d attempts: %v", attempts, err)
				}
				wait := bo.NextBackOff()
				p.log.Debug().
					Str("item", item.ID).
					Int("attempt", attempts).
					Dur("backoff", wait).
					Msg("export: transient error, backing off")
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					_ = f.Sync()
					return dlStopped, "", ""
				}
				continue
			default:
				return dlFailed, telegram.KindPermanent, err.Error()
			}
		}

		if len(data) == 0 {
			break // end of file (size may have been unannounced)
		}

		if _, err := f.Write(data); err != nil {
			return dlFailed, telegram.KindPermanent, fmt.Sprintf("write partial: %v", err)
		}
		offset += int64(len(data))
		p.queue.Progress(item.ID, offset)
		p.reporter.Tick(int64(len(data)))
	}

	if item.Size > 0 && offset != item.Size {
		return dlFailed, telegram.KindTransient, fmt.Sprintf("short file: %d of %d bytes", offset, item.Size)
	}
	if item.Size == 0 {
		p.queue.mu.Lock()
		if it, ok := p.queue.items[item.ID]; ok {
			it.Size = offset
		}
		p.queue.mu.Unlock()
	}

	if err := f.Sync(); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("fsync partial: %v", err)
	}
	if err := f.Close(); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("close partial: %v", err)
	}
	if err := os.Rename(partial, target); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("rename partial: %v", err)
	}
	return dlDone, "", ""
}

// newTransientBackoff builds the exponential backoff used for transient
// transport errors: min(2^k, 60)s with jitter, as the retry policy
// requires.
func newTransientBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0 // attempts are bounded by the caller
	return bo
}
