package api

import "net/http"

// registerRoutes registers every API endpoint on mux. The web UI itself is
// explicitly out of scope (spec: it talks to the core only through these
// interfaces) — this router serves the interfaces only, no static assets.
func registerRoutes(mux *http.ServeMux, h *Handler) {
	// Jobs
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/stream", h.JobStream)
	mux.HandleFunc("POST /api/jobs/clear", h.ClearCompleted)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.CancelJob)
	mux.HandleFunc("POST /api/jobs/{id}/priority", h.SetPriority)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.RetryJob)

	// Scanning
	mux.HandleFunc("POST /api/scan", h.Scan)

	// Queue control
	mux.HandleFunc("POST /api/queue/pause", h.PauseQueue)
	mux.HandleFunc("POST /api/queue/resume", h.ResumeQueue)

	// Settings and schedule windows
	mux.HandleFunc("GET /api/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/settings", h.UpdateSettings)
	mux.HandleFunc("GET /api/schedule-windows", h.ListScheduleWindows)
	mux.HandleFunc("POST /api/schedule-windows", h.CreateScheduleWindow)
	mux.HandleFunc("DELETE /api/schedule-windows/{id}", h.DeleteScheduleWindow)

	// Capabilities
	mux.HandleFunc("GET /api/capabilities", h.Capabilities)

	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// NewRouter builds the HTTP router exposing the engine's API surface.
func NewRouter(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	registerRoutes(mux, h)
	return mux
}
