package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crafter-station/scrapi/internal/pipeline"
)

// handleRunEvents serves a Server-Sent Events stream of a run's state
// transitions. It re-reads the run every poll interval, sends each new
// transition as a "state" event, and ends with a "done" event carrying the
// run once it reaches a terminal state.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no run storage configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(id); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	sent := 0
	for {
		run, err := s.store.GetRun(id)
		if err != nil {
			send("done", map[string]string{"error": err.Error()})
			return
		}
		for ; sent < len(run.History); sent++ {
			send("state", run.History[sent])
		}
		if run.State.Terminal() {
			send("done", run)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
