package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/jobstore"
	"github.com/teranos/pulsejob/pulse/schedule"
	"github.com/teranos/pulsejob/version"
)

const defaultListLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": version.Get().Version,
		"clients": s.hub.Clients(),
	}
	if s.executor != nil {
		resp["executor_running"] = s.executor.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.executor.Status(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleListJobs lists jobs, optionally of one kind: GET /jobs?kind=timer&limit=50
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	kind := jobstore.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		s.writeFailure(w, r, errors.NewValidationf("Unknown job kind %s", kind))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	jobs, err := s.store.List(r.Context(), kind, limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, NewJobResponse(job, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NewJobResponse(job, nil))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.service.CancelJob(r.Context(), chi.URLParam(r, "jobId"))
	s.writeOutcome(w, r, err)
}

// handleRetryJob moves a dead-letter job back to the executable queue with
// DefaultRetries unless the body says otherwise.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	req := RetryRequest{Retries: schedule.DefaultRetries}
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	err := s.service.MoveDeadLetterToExecutable(r.Context(), chi.URLParam(r, "jobId"), req.Retries)
	s.writeOutcome(w, r, err)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.ForJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []schedule.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if entries == nil {
		entries = []schedule.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.NewValidationf("limit must be a positive integer, got %q", raw)
	}
	return n, nil
}
