package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blockedby/tg-export/internal/telegram"
)

// minParallelSize is the threshold below which parallel chunking is not
// worth the extra connections.
const minParallelSize = 10 * 1024 * 1024

// slotMeta is the sidecar recording per-slot progress of a pre-sized
// partial. It exists only while a parallel download is incomplete; the
// plain partial-length rule does not apply to pre-sized files, the
// sidecar is authoritative instead.
type slotMeta struct {
	Size  int64   `json:"size"`
	Slots []int64 `json:"slots"` // bytes done per slot
}

// readSlotMeta parses a sidecar if present.
func readSlotMeta(path string) (slotMeta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return slotMeta{}, false
	}
	var m slotMeta
	if json.Unmarshal(data, &m) != nil || len(m.Slots) == 0 {
		return slotMeta{}, false
	}
	return m, true
}

func loadSlotMeta(path string, size int64, slots int) slotMeta {
	data, err := os.ReadFile(path)
	if err == nil {
		var m slotMeta
		if json.Unmarshal(data, &m) == nil && m.Size == size && len(m.Slots) == slots {
			return m
		}
	}
	return slotMeta{Size: size, Slots: make([]int64, slots)}
}

func (m *slotMeta) save(path string) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if os.WriteFile(tmp, data, 0644) == nil {
		_ = os.Rename(tmp, path)
	}
}

func (m *slotMeta) done() int64 {
	var n int64
	for _, d := range m.Slots {
		n += d
	}
	return n
}

// downloadParallel splits the file into sub-ranges written into
// pre-sized slots of the partial. Success requires every slot to
// complete; the rename is deferred until all slots have flushed.
func (p *Pool) downloadParallel(ctx context.Context, item *Item, target string) (dlOutcome, telegram.ErrorKind, string) {
	partial := target + ".partial"
	metaPath := partial + ".slots"
	conns := p.job.Options.ParallelChunkConnections
	if conns < 2 {
		return p.downloadSequential(ctx, item, target)
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("open partial: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(item.Size); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("presize partial: %v", err)
	}

	meta := loadSlotMeta(metaPath, item.Size, conns)
	p.queue.Progress(item.ID, meta.done())

	slotLen := item.Size / int64(conns)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		stopped  bool
	)
	slotCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for s := 0; s < conns; s++ {
		start := int64(s) * slotLen
		end := start + slotLen
		if s == conns-1 {
			end = item.Size
		}
		if meta.Slots[s] >= end-start {
			continue // slot already complete
		}

		wg.Add(1)
		go func(slot int, start, end int64) {
			defer wg.Done()
			err := p.fillSlot(slotCtx, item, f, &meta, &mu, metaPath, slot, start, end)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					if slotCtx.Err() == nil && ctx.Err() != nil {
						stopped = true
					}
				}
				mu.Unlock()
				cancel()
			}
		}(s, start, end)
	}
	wg.Wait()

	// per-item signals observed by the slot fillers
	if pause, cancelReq := p.queue.Signalled(item.ID); pause || cancelReq {
		meta.save(metaPath)
		_ = f.Sync()
		if cancelReq {
			return dlCancelledItem, "", ""
		}
		return dlPausedItem, "", ""
	}
	if ctx.Err() != nil || stopped {
		meta.save(metaPath)
		_ = f.Sync()
		return dlStopped, "", ""
	}
	if firstErr != nil {
		meta.save(metaPath)
		_ = f.Sync()
		return dlFailed, telegram.KindOf(firstErr), firstErr.Error()
	}
	if meta.done() != item.Size {
		meta.save(metaPath)
		return dlFailed, telegram.KindTransient, fmt.Sprintf("parallel short file: %d of %d bytes", meta.done(), item.Size)
	}

	if err := f.Sync(); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("fsync partial: %v", err)
	}
	if err := f.Close(); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("close partial: %v", err)
	}
	_ = os.Remove(metaPath)
	if err := os.Rename(partial, target); err != nil {
		return dlFailed, telegram.KindPermanent, fmt.Sprintf("rename partial: %v", err)
	}
	return dlDone, "", ""
}

// fillSlot downloads one sub-range at its own offset.
func (p *Pool) fillSlot(ctx context.Context, item *Item, f *os.File, meta *slotMeta, mu *sync.Mutex, metaPath string, slot int, start, end int64) error {
	mu.Lock()
	offset := start + meta.Slots[slot]
	mu.Unlock()

	attempts := 0
	bo := newTransientBackoff()

	for offset < end {
		if pause, cancelReq := p.queue.Signalled(item.ID); pause || cancelReq {
			return fmt.Errorf("slot interrupted")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		want := chunkSize
		if end-offset < int64(want) {
			want = int(end - offset)
		}

		data, err := p.session.DownloadChunk(ctx, item.Ref, offset, want)
		if err != nil {
			switch telegram.KindOf(err) {
			case telegram.KindFloodWait:
				continue
			case telegram.KindTransient:
				attempts++
				if attempts >= maxAttempts {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(bo.NextBackOff()):
				}
				continue
			default:
				// reference refresh is handled by the sequential path;
				// a parallel claim fails fast and retries as a whole
				return err
			}
		}
		if len(data) == 0 {
			return fmt.Errorf("premature end of slot %d at %d", slot, offset)
		}

		if _, err := f.WriteAt(data, offset); err != nil {
			return &telegram.Error{Kind: telegram.KindPermanent, Msg: "write slot", Err: err}
		}
		offset += int64(len(data))

		mu.Lock()
		meta.Slots[slot] = offset - start
		done := meta.done()
		meta.save(metaPath)
		mu.Unlock()

		p.queue.Progress(item.ID, done)
		p.reporter.Tick(int64(len(data)))
	}
	return nil
}
