package export

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/store"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("export job not found")

// Engine holds the session, the resume store and the job registry.
// A process may host several engines for testing; there is no package
// state.
type Engine struct {
	session    Session
	store      *store.Store
	exportRoot string
	delegate   Delegate
	publisher  EventPublisher
	notify     func(Snapshot)
	log        *logger.Logger

	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewEngine wires an engine. delegate, publisher and notify may be nil.
func NewEngine(session Session, st *store.Store, exportRoot string, delegate Delegate, publisher EventPublisher, notify func(Snapshot)) *Engine {
	return &Engine{
		session:     session,
		store:       st,
		exportRoot:  exportRoot,
		delegate:    delegate,
		publisher:   publisher,
		notify:      notify,
		log:         logger.Get(),
		controllers: make(map[string]*Controller),
	}
}

// Create registers a new pending job and persists it.
func (e *Engine) Create(name string, opts Options) *Job {
	job := NewJob(uuid.NewString(), name, opts)
	ctrl := NewController(job, e.store, e.session, e.exportRoot, e.delegate, e.publisher, e.notify)

	e.mu.Lock()
	e.controllers[job.ID] = ctrl
	e.mu.Unlock()

	ctrl.persist()
	e.log.Info().Str("job", job.ID).Str("name", name).Msg("export: job created")
	return job
}

// Controller returns the controller of a job.
func (e *Engine) Controller(id string) (*Controller, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ctrl, ok := e.controllers[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return ctrl, nil
}

// Snapshots lists all jobs.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.RLock()
	ctrls := make([]*Controller, 0, len(e.controllers))
	for _, c := range e.controllers {
		ctrls = append(ctrls, c)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(ctrls))
	for _, c := range ctrls {
		out = append(out, c.Snapshot())
	}
	return out
}

// Delete cancels a running job and removes its state directory. The
// exported media tree under the export root is retained; deleting
// exports is an explicit operator action.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	ctrl, ok := e.controllers[id]
	if ok {
		delete(e.controllers, id)
	}
	e.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}

	if !ctrl.job.GetState().Terminal() {
		_ = ctrl.Cancel()
	}
	if err := e.store.DeleteJob(id); err != nil {
		return err
	}
	e.log.Info().Str("job", id).Msg("export: job deleted")
	return nil
}

// Rehydrate reloads every persisted job after a restart. The resume
// store is the source of truth: each job comes back in the state it held
// at last persistence, and jobs that were running re-enter automatically.
func (e *Engine) Rehydrate() error {
	ids, err := e.store.ListJobs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		var rec jobRecord
		if err := e.store.LoadJSON(id, "job.json", &rec); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			e.log.Error().Err(err).Str("job", id).Msg("export: skipping unreadable job")
			continue
		}
		job := jobFromRecord(rec)

		ctrl := NewController(job, e.store, e.session, e.exportRoot, e.delegate, e.publisher, e.notify)

		var items []*Item
		if err := e.store.LoadJSON(id, "queue.json", &items); err != nil && !os.IsNotExist(err) {
			e.log.Warn().Err(err).Str("job", id).Msg("export: queue snapshot unreadable, starting empty")
		}
		ctrl.queue.Load(items)
		ctrl.confirmPartials()

		e.mu.Lock()
		e.controllers[job.ID] = ctrl
		e.mu.Unlock()

		e.log.Info().
			Str("job", job.ID).
			Str("state", string(job.State)).
			Int("items", len(items)).
			Msg("export: job rehydrated")

		// interrupted runs are re-entered
		if job.State == StateRunning || job.State == StateExtracting {
			if err := ctrl.Start(); err != nil {
				e.log.Warn().Err(err).Str("job", job.ID).Msg("export: auto re-entry failed")
			}
		}
	}
	return nil
}

// confirmPartials aligns each item's downloaded count with the actual
// length of its partial file; the file is authoritative after a crash.
func (c *Controller) confirmPartials() {
	dir := c.exportDir()
	for _, it := range c.queue.Items() {
		if it.Status == StatusCompleted || it.Status == StatusSkipped {
			continue
		}
		partial := filepath.Join(dir, filepath.FromSlash(it.RelPartialPath()))

		// a pre-sized parallel partial reports progress via its sidecar
		if meta, ok := readSlotMeta(partial + ".slots"); ok && meta.Size == it.Size {
			c.queue.Progress(it.ID, meta.done())
			continue
		}

		fi, err := os.Stat(partial)
		switch {
		case err != nil:
			c.queue.Progress(it.ID, 0)
		case it.Size > 0 && fi.Size() > it.Size:
			// poisoned partial, the worker restarts it
			c.queue.Progress(it.ID, 0)
		default:
			c.queue.Progress(it.ID, fi.Size())
		}
	}
}
