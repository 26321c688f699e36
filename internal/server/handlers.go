package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/invopop/jsonschema"

	"github.com/crafter-station/scrapi/internal/analytics"
	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/metrics"
	"github.com/crafter-station/scrapi/internal/orchestrator"
	"github.com/crafter-station/scrapi/internal/pipeline"
)

const maxRequestBytes = 1 << 20

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string                     `json:"error"`
	Step   string                     `json:"step,omitempty"`
	RunID  string                     `json:"runId,omitempty"`
	Errors []pipeline.ValidationError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Conn().PingContext(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]*jsonschema.Schema{
		"request": jsonschema.Reflect(&pipeline.Request{}),
		"summary": jsonschema.Reflect(&pipeline.Summary{}),
	})
}

// handleCreateRun runs the pipeline synchronously and answers with its
// summary. The run id is in the X-Run-ID header.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	default:
		metrics.RunsRejected.Inc()
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "too many runs in progress")
		return
	}

	run, err := s.runner.Execute(r.Context(), req)
	if run != nil {
		w.Header().Set("X-Run-ID", run.ID)
	}
	if err != nil {
		s.writeRunError(w, run, err)
		return
	}
	writeJSON(w, http.StatusOK, run.Summary)
}

func (s *Server) writeRunError(w http.ResponseWriter, run *pipeline.Run, err error) {
	body := errorBody{Error: err.Error()}
	if run != nil {
		body.RunID = run.ID
	}

	var reqErr *orchestrator.RequestError
	var stepErr *orchestrator.StepError
	switch {
	case errors.As(err, &reqErr):
		body.Errors = reqErr.Errors
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, config.ErrMissingCredential):
		writeJSON(w, http.StatusBadRequest, body)
	case errors.As(err, &stepErr):
		body.Step = stepErr.Step
		writeJSON(w, http.StatusBadGateway, body)
	default:
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	state := pipeline.State(r.URL.Query().Get("state"))

	if s.store != nil {
		runs, err := s.store.List(state)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if runs == nil {
			runs = []pipeline.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	if s.db != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := s.db.RecentRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if recs == nil {
			recs = []db.RunRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	writeError(w, http.StatusNotImplemented, "no run storage configured")
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.store == nil && s.db == nil {
		writeError(w, http.StatusNotImplemented, "no run storage configured")
		return
	}

	if s.store != nil {
		run, err := s.store.GetRun(id)
		if err == nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if !errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Runs whose artifacts are gone still have their history row.
	if s.db != nil {
		rec, err := s.db.GetRun(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec != nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

// handleStats reports run statistics. ?since= takes a lookback window
// such as 24h.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotImplemented, "no history database configured")
		return
	}
	var window time.Duration
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration like 24h")
			return
		}
		window = d
	}
	report, err := analytics.Query(s.db, analytics.Since(window, time.Now()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
