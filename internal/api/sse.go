package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alchemist-sh/alchemist/internal/store"
)

// JobStream handles GET /api/jobs/stream (SSE endpoint). Notification
// delivery on queue-drain lives in internal/notify, subscribed to the same
// Bus independently — this handler only relays events to the browser.
func (h *Handler) JobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	eventCh := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(eventCh)

	initialJobs, err := h.Store.GetJobsFiltered(r.Context(), store.Filter{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	initialData, _ := json.Marshal(map[string]interface{}{
		"type": "init",
		"jobs": initialJobs,
	})
	fmt.Fprintf(w, "data: %s\n\n", initialData)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
