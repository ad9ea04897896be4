package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/blockedby/tg-export/internal/export"
)

// writeJSON sends a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses. Busy-rejects are a
// 409 so the UI can tell "already doing that" from a real failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, export.ErrJobNotFound), errors.Is(err, export.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, export.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, export.ErrBadState), errors.Is(err, export.ErrBadTransition):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": message})
}

// controllerOf resolves the job controller for a request.
func (s *Server) controllerOf(w http.ResponseWriter, r *http.Request) (*export.Controller, bool) {
	ctrl, err := s.engine.Controller(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return ctrl, true
}

// createJob creates a job from ?name= and the filter body.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "name is required"})
		return
	}

	var opts export.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid filter: " + err.Error()})
		return
	}

	job := s.engine.Create(name, opts)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": job.ID})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshots())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "job deleted")
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.Start(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "job started")
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.Pause(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "job paused")
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "job resumed")
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "job cancelled")
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	n, err := ctrl.Retry()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "requeued": n})
}

func (s *Server) retryFile(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.RetryItem(chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "item requeued")
}

func (s *Server) verifyJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.Verify(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"summary": ctrl.Snapshot().VerifySummary,
	})
}

func (s *Server) scanJob(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	full := r.URL.Query().Get("full") == "true"
	if err := ctrl.Scan(full); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "scan initiated")
}

func (s *Server) setConcurrency(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	maxDownloads := parseIntDefault(r.URL.Query().Get("max_concurrent_downloads"), ctrl.Job().Options.MaxConcurrentDownloads)
	parallelConns := parseIntDefault(r.URL.Query().Get("parallel_chunk_connections"), ctrl.Job().Options.ParallelChunkConnections)

	if err := ctrl.SetConcurrency(maxDownloads, parallelConns); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "concurrency updated")
}

func (s *Server) setDelegated(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	enabled := r.URL.Query().Get("enabled") == "true"
	if err := ctrl.SetDelegated(enabled); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "delegated mode updated")
}

func (s *Server) getDownloads(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	reversed := r.URL.Query().Get("reversed_order") == "true"
	writeJSON(w, http.StatusOK, ctrl.Queue().Snapshot(limit, reversed))
}

func (s *Server) pauseItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.PauseItem(chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "item paused")
}

func (s *Server) resumeItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.ResumeItem(chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "item resumed")
}

func (s *Server) cancelItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controllerOf(w, r)
	if !ok {
		return
	}
	if err := ctrl.CancelItem(chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, "item cancelled")
}

func (s *Server) telegramStatus(w http.ResponseWriter, _ *http.Request) {
	status := "UNKNOWN"
	if s.tg != nil {
		status = string(s.tg.GetStatus())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// parseIntDefault parses a query int with a fallback.
func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
