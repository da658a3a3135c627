// Package api exposes the engine over HTTP/SSE: job listing and control,
// live settings, schedule windows, capabilities, and an event stream.
// Grounded on the teacher's handler.go/router.go/sse.go — same writeJSON/
// writeError helpers, same http.ServeMux method-pattern routing, same SSE
// handler shape — generalized from shrinkray's single-preset job model onto
// this engine's Store/Scheduler/Settings model.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/alchemist-sh/alchemist/internal/config"
	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/media"
	"github.com/alchemist-sh/alchemist/internal/scanner"
	"github.com/alchemist-sh/alchemist/internal/scheduler"
	"github.com/alchemist-sh/alchemist/internal/store"
)

// Handler provides the HTTP API handlers.
type Handler struct {
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Bus       *eventbus.Bus
	Caps      *media.Capabilities
	Scanner   *scanner.Scanner

	cfgMu   sync.Mutex
	cfgFile *config.File
	cfgPath string
}

// NewHandler builds a Handler.
func NewHandler(st store.Store, sched *scheduler.Scheduler, bus *eventbus.Bus, caps *media.Capabilities,
	sc *scanner.Scanner, cfgFile *config.File, cfgPath string) *Handler {
	return &Handler{
		Store:     st,
		Scheduler: sched,
		Bus:       bus,
		Caps:      caps,
		Scanner:   sc,
		cfgFile:   cfgFile,
		cfgPath:   cfgPath,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError translates a Store/job error into the status codes spec
// §7 names: 404 for a missing id, 409 for a state conflict, 500 otherwise.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, job.ErrStateConflict), errors.Is(err, job.ErrNotQueued):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// ListJobs handles GET /api/jobs?state=&search=&sort=&desc=&limit=&offset=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		Search: q.Get("search"),
		Sort:   q.Get("sort"),
		Desc:   q.Get("desc") == "true",
	}
	if states := q["state"]; len(states) > 0 {
		for _, s := range states {
			f.States = append(f.States, job.State(s))
		}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = offset
	}

	jobs, err := h.Store.GetJobsFiltered(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CancelJob handles DELETE /api/jobs/{id}. If the job is running, the
// Scheduler's Worker is signalled first; either way the job transitions to
// Cancelled (or, if merely Queued, is flipped directly per spec §5).
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	j, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if j.State.IsTerminal() {
		writeError(w, http.StatusConflict, "job is already in a terminal state")
		return
	}

	if h.Scheduler.CancelJob(id) {
		// The Worker's own goroutine will record the Cancelled transition.
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}

	if err := h.Store.UpdateState(r.Context(), id, job.StateCancelled); err != nil {
		writeStoreError(w, err)
		return
	}
	h.Bus.Publish(job.StateChanged(id, job.StateCancelled))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// SetPriorityRequest is the body for POST /api/jobs/{id}/priority.
type SetPriorityRequest struct {
	Priority int `json:"priority"`
}

// SetPriority handles POST /api/jobs/{id}/priority
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req SetPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Store.SetPriority(r.Context(), id, req.Priority); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// RetryJob handles POST /api/jobs/{id}/retry — resets a terminal job back to
// Queued so the Scheduler picks it up again.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	j, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !j.State.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still in flight")
		return
	}
	if err := h.Store.UpdateState(r.Context(), id, job.StateQueued); err != nil {
		writeStoreError(w, err)
		return
	}
	h.Bus.Publish(job.StateChanged(id, job.StateQueued))
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// ClearCompleted handles POST /api/jobs/clear
func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.ClearCompleted(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

// ScanRequest is the body for POST /api/scan.
type ScanRequest struct {
	Path string `json:"path"`
}

// Scan handles POST /api/scan — walks a directory and upserts jobs for every
// video file found. Runs synchronously; the caller sees the counts.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	result, err := h.Scanner.Scan(r.Context(), req.Path, h.currentSettings())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files_found":   result.FilesFound,
		"jobs_upserted": result.JobsUpserted,
		"errors":        len(result.Errors),
	})
}

// PauseQueue handles POST /api/queue/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueue handles POST /api/queue/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// Capabilities handles GET /api/capabilities
func (h *Handler) Capabilities(w http.ResponseWriter, r *http.Request) {
	encoders, accels := h.Caps.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"encoders":      encoders,
		"accelerators":  accels,
	})
}

// currentSettings returns a copy of the live Settings; callers must not
// retain a pointer into cfgFile past the lock.
func (h *Handler) currentSettings() config.Settings {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	return h.cfgFile.Settings
}

func (h *Handler) currentWindows() []config.ScheduleWindow {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()
	windows := make([]config.ScheduleWindow, len(h.cfgFile.ScheduleWindows))
	copy(windows, h.cfgFile.ScheduleWindows)
	return windows
}

// GetSettings handles GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.currentSettings())
}

// UpdateSettings handles PUT /api/settings. A change to concurrent_jobs
// resizes the Scheduler's slot count in place; every other field takes
// effect on the next job a Worker picks up (spec §5: a running job's
// settings snapshot is never mutated mid-flight).
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.cfgMu.Lock()
	oldConcurrency := h.cfgFile.Settings.ConcurrentJobs
	h.cfgFile.Settings = s
	err := h.cfgFile.Save(h.cfgPath)
	h.cfgMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save settings: %v", err))
		return
	}

	if s.ConcurrentJobs != oldConcurrency {
		if err := h.Scheduler.Resize(r.Context(), s.ConcurrentJobs); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to resize scheduler: %v", err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// ListScheduleWindows handles GET /api/schedule-windows
func (h *Handler) ListScheduleWindows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"windows": h.currentWindows()})
}

// CreateScheduleWindow handles POST /api/schedule-windows
func (h *Handler) CreateScheduleWindow(w http.ResponseWriter, r *http.Request) {
	var win config.ScheduleWindow
	if err := json.NewDecoder(r.Body).Decode(&win); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.cfgMu.Lock()
	win.ID = nextWindowID(h.cfgFile.ScheduleWindows)
	h.cfgFile.ScheduleWindows = append(h.cfgFile.ScheduleWindows, win)
	err := h.cfgFile.Save(h.cfgPath)
	h.cfgMu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save schedule window: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, win)
}

// DeleteScheduleWindow handles DELETE /api/schedule-windows/{id}
func (h *Handler) DeleteScheduleWindow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid window id")
		return
	}

	h.cfgMu.Lock()
	windows := h.cfgFile.ScheduleWindows
	found := false
	kept := windows[:0]
	for _, win := range windows {
		if win.ID == id {
			found = true
			continue
		}
		kept = append(kept, win)
	}
	h.cfgFile.ScheduleWindows = kept
	var saveErr error
	if found {
		saveErr = h.cfgFile.Save(h.cfgPath)
	}
	h.cfgMu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, "schedule window not found")
		return
	}
	if saveErr != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save schedule windows: %v", saveErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func nextWindowID(windows []config.ScheduleWindow) int64 {
	var max int64
	for _, w := range windows {
		if w.ID > max {
			max = w.ID
		}
	}
	return max + 1
}
