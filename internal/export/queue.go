package export

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/blockedby/tg-export/internal/telegram"
)

// queue errors
var (
	ErrItemNotFound  = errors.New("download item not found")
	ErrBadTransition = errors.New("forbidden item status transition")
	ErrQueueClosed   = errors.New("download queue closed")
)

// defaultSoftCap bounds queue depth: the scanner blocks on enqueue past
// this, which throttles history iteration on media-heavy chats.
const defaultSoftCap = 5000

// allowedTransitions is the item status transition table. Missing entries
// are forbidden.
var allowedTransitions = map[ItemStatus][]ItemStatus{
	StatusWaiting:     {StatusDownloading, StatusPaused, StatusSkipped},
	StatusDownloading: {StatusWaiting, StatusPaused, StatusCompleted, StatusFailed, StatusSkipped},
	StatusPaused:      {StatusWaiting, StatusSkipped},
	StatusFailed:      {StatusWaiting},
	StatusCompleted:   {StatusWaiting}, // forced retry only
	StatusSkipped:     {StatusWaiting},
}

func transitionAllowed(from, to ItemStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Queue is the per-job collection of media items, partitioned across
// status buckets. One mutex guards everything; workers sleep on claimCond
// and the scanner sleeps on spaceCond when the soft cap is reached.
type Queue struct {
	mu        sync.Mutex
	claimCond *sync.Cond
	spaceCond *sync.Cond

	items  map[string]*Item
	order  []string // enqueue order, preserved for the waiting bucket
	counts map[ItemStatus]int

	paused  bool // global pause gate: no claims while asserted
	closed  bool
	softCap int
}

// NewQueue creates an empty queue with the default soft cap.
func NewQueue() *Queue {
	q := &Queue{
		items:   make(map[string]*Item),
		counts:  make(map[ItemStatus]int),
		softCap: defaultSoftCap,
	}
	q.claimCond = sync.NewCond(&q.mu)
	q.spaceCond = sync.NewCond(&q.mu)
	return q
}

// SetSoftCap overrides the back-pressure threshold (tests mostly).
func (q *Queue) SetSoftCap(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.softCap = n
	q.spaceCond.Broadcast()
}

// Load replaces the queue content from a persisted snapshot.
// Items persisted mid-download return to waiting.
func (q *Queue) Load(items []*Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*Item, len(items))
	q.order = q.order[:0]
	q.counts = make(map[ItemStatus]int)
	for _, it := range items {
		if it.Status == StatusDownloading {
			it.Status = StatusWaiting
		}
		q.items[it.ID] = it
		q.order = append(q.order, it.ID)
		q.counts[it.Status]++
	}
	q.claimCond.Broadcast()
}

// Enqueue appends an item in waiting state, blocking while the waiting
// backlog is at the soft cap. Duplicate ids are ignored.
func (q *Queue) Enqueue(ctx context.Context, it *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[it.ID]; exists {
		return nil
	}

	for q.counts[StatusWaiting] >= q.softCap && !q.closed {
		if err := q.waitSpace(ctx); err != nil {
			return err
		}
	}
	if q.closed {
		return ErrQueueClosed
	}

	it.Status = StatusWaiting
	q.items[it.ID] = it
	q.order = append(q.order, it.ID)
	q.counts[StatusWaiting]++
	q.claimCond.Signal()
	return nil
}

// waitSpace sleeps on spaceCond until woken, honouring ctx cancellation.
func (q *Queue) waitSpace(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.spaceCond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	q.spaceCond.Wait()
	close(done)
	return ctx.Err()
}

// ClaimNext atomically moves the head of waiting to downloading.
// Returns nil when the queue is empty, globally paused, or closed.
func (q *Queue) ClaimNext() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimLocked()
}

func (q *Queue) claimLocked() *Item {
	if q.paused || q.closed {
		return nil
	}
	for _, id := range q.order {
		it := q.items[id]
		if it.Status != StatusWaiting {
			continue
		}
		it.Status = StatusDownloading
		it.pauseRequested = false
		it.cancelRequested = false
		q.counts[StatusWaiting]--
		q.counts[StatusDownloading]++
		q.spaceCond.Signal()
		return it
	}
	return nil
}

// WaitClaim blocks until an item can be claimed, the queue closes, or ctx
// is cancelled.
func (q *Queue) WaitClaim(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if it := q.claimLocked(); it != nil {
			return it, nil
		}
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.claimCond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
		q.claimCond.Wait()
		close(done)
	}
}

// transition applies a validated status change under the lock.
func (q *Queue) transition(id string, to ItemStatus, mutate func(*Item)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	return q.transitionLocked(it, to, mutate)
}

func (q *Queue) transitionLocked(it *Item, to ItemStatus, mutate func(*Item)) error {
	if it.Status != to && !transitionAllowed(it.Status, to) {
		return ErrBadTransition
	}
	q.counts[it.Status]--
	it.Status = to
	q.counts[to]++
	if mutate != nil {
		mutate(it)
	}
	switch to {
	case StatusWaiting:
		q.claimCond.Signal()
	case StatusCompleted, StatusFailed, StatusSkipped:
		q.spaceCond.Signal()
	}
	return nil
}

// Complete marks an item downloaded in full.
func (q *Queue) Complete(id string) error {
	return q.transition(id, StatusCompleted, func(it *Item) {
		it.Downloaded = it.Size
		it.LastError = ""
		it.ErrorKind = ""
	})
}

// MarkCompleted records an already-on-disk item without a download pass
// (disk reconciliation / de-dup).
func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == StatusCompleted {
		return nil
	}
	q.counts[it.Status]--
	it.Status = StatusCompleted
	it.Downloaded = it.Size
	q.counts[StatusCompleted]++
	q.spaceCond.Signal()
	return nil
}

// Fail records a failure with its classified kind.
func (q *Queue) Fail(id, kind, msg string) error {
	return q.transition(id, StatusFailed, func(it *Item) {
		it.ErrorKind = kind
		it.LastError = msg
	})
}

// Skip marks an item skipped (operator cancel). The partial stays on disk.
func (q *Queue) Skip(id string) error {
	return q.transition(id, StatusSkipped, nil)
}

// Release returns a downloading item to the head of waiting (worker exit
// without outcome, e.g. pool shrink).
func (q *Queue) Release(id string) error {
	return q.transition(id, StatusWaiting, nil)
}

// PauseItem pauses one item. A waiting item pauses immediately; a
// downloading item is signalled and the worker flushes, releases its slot
// and applies the transition itself.
func (q *Queue) PauseItem(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	switch it.Status {
	case StatusWaiting:
		return q.transitionLocked(it, StatusPaused, func(it *Item) { it.ManuallyPaused = true })
	case StatusDownloading:
		it.pauseRequested = true
		it.ManuallyPaused = true
		return nil
	default:
		return ErrBadTransition
	}
}

// MarkPaused is the worker-side completion of a pause request.
func (q *Queue) MarkPaused(id string) error {
	return q.transition(id, StatusPaused, nil)
}

// ResumeItem moves a paused item back to waiting.
func (q *Queue) ResumeItem(id string) error {
	return q.transition(id, StatusWaiting, func(it *Item) {
		it.ManuallyPaused = false
	})
}

// CancelItem skips one item. A downloading item is signalled; the worker
// flushes the partial and applies the skip.
func (q *Queue) CancelItem(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == StatusDownloading {
		it.cancelRequested = true
		return nil
	}
	return q.transitionLocked(it, StatusSkipped, nil)
}

// RetryItem moves one item back to waiting with the attempt counter
// reset. force permits retrying a completed item (re-download).
func (q *Queue) RetryItem(id string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if it.Status == StatusCompleted && !force {
		return ErrBadTransition
	}
	return q.transitionLocked(it, StatusWaiting, func(it *Item) {
		it.Attempts = 0
		it.Downloaded = 0
		it.LastError = ""
		it.ErrorKind = ""
		it.ManuallyPaused = false
	})
}

// RetryAllFailed moves every failed item back to waiting.
// Returns the number of items requeued; zero failures is a no-op.
func (q *Queue) RetryAllFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, id := range q.order {
		it := q.items[id]
		if it.Status != StatusFailed {
			continue
		}
		if err := q.transitionLocked(it, StatusWaiting, func(it *Item) {
			it.Attempts = 0
			it.LastError = ""
			it.ErrorKind = ""
		}); err == nil {
			n++
		}
	}
	return n
}

// Progress updates the downloaded byte count of an item.
func (q *Queue) Progress(id string, downloaded int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.Downloaded = downloaded
	}
}

// UpdateRef swaps in a refreshed access reference.
func (q *Queue) UpdateRef(id string, ref telegram.FileRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.Ref = ref
	}
}

// Stats aggregates the queue for the job counters.
type Stats struct {
	Total     int64
	Done      int64 // completed + skipped
	Failed    int64
	TotalSize int64
	DoneSize  int64
}

// Aggregate computes Stats under the lock.
func (q *Queue) Aggregate() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, it := range q.items {
		s.Total++
		s.TotalSize += it.Size
		switch it.Status {
		case StatusCompleted, StatusSkipped:
			s.Done++
			s.DoneSize += it.Size
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// IncAttempt bumps the attempt counter of an item.
func (q *Queue) IncAttempt(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		it.Attempts++
	}
}

// Signalled returns the pending in-flight control signals of an item.
func (q *Queue) Signalled(id string) (pause, cancel bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		return it.pauseRequested, it.cancelRequested
	}
	return false, false
}

// SetPaused asserts or clears the global pause gate.
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
	if !paused {
		q.claimCond.Broadcast()
	}
}

// Close wakes all sleepers; further enqueues and claims fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.claimCond.Broadcast()
	q.spaceCond.Broadcast()
}

// Get returns one item copy.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.items[id]; ok {
		return *it, true
	}
	return Item{}, false
}

// Items returns copies of all items in enqueue order, for persistence.
func (q *Queue) Items() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		cp := *q.items[id]
		out = append(out, &cp)
	}
	return out
}

// Counts returns the per-status item counts plus the grand total.
func (q *Queue) Counts() (map[ItemStatus]int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[ItemStatus]int, len(q.counts))
	for k, v := range q.counts {
		out[k] = v
	}
	return out, len(q.items)
}

// Drained reports whether no item is waiting or downloading.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[StatusWaiting] == 0 && q.counts[StatusDownloading] == 0
}

// Projection is the four-bucket listing served to the UI.
type Projection struct {
	Active    []View         `json:"downloading"`
	Waiting   []View         `json:"waiting"`
	Failed    []View         `json:"failed"`
	Completed []View         `json:"completed"`
	Counts    map[string]int `json:"counts"`
	Threads   int            `json:"active_threads"`
}

// Snapshot builds the bucket projection. Active covers downloading and
// paused items plus waiting items with partial progress; completed covers
// skipped too.
func (q *Queue) Snapshot(limit int, reversed bool) Projection {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Projection{Counts: make(map[string]int)}
	threads := 0
	for _, id := range q.order {
		it := q.items[id]
		v := it.view()
		switch it.Status {
		case StatusDownloading:
			threads++
			p.Active = append(p.Active, v)
		case StatusPaused:
			p.Active = append(p.Active, v)
		case StatusWaiting:
			if it.Downloaded > 0 {
				p.Active = append(p.Active, v)
			} else {
				p.Waiting = append(p.Waiting, v)
			}
		case StatusFailed:
			p.Failed = append(p.Failed, v)
		case StatusCompleted, StatusSkipped:
			p.Completed = append(p.Completed, v)
		}
	}

	p.Counts["active"] = len(p.Active)
	p.Counts["waiting"] = len(p.Waiting)
	p.Counts["failed"] = len(p.Failed)
	p.Counts["completed"] = len(p.Completed)
	p.Threads = threads

	for _, bucket := range []*[]View{&p.Active, &p.Waiting, &p.Failed, &p.Completed} {
		views := *bucket
		sort.Slice(views, func(i, j int) bool {
			if reversed {
				return views[i].MessageID > views[j].MessageID
			}
			return views[i].MessageID < views[j].MessageID
		})
		if limit > 0 && len(views) > limit {
			views = views[:limit]
		}
		*bucket = views
	}
	return p
}
