package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/external"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// handleAcquire locks available external-worker jobs for the calling worker.
// An empty queue yields 200 with an empty array.
func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)

	lockDuration, err := parseDuration("lockDuration", req.LockDuration, s.clock.Now())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	jobs, err := s.manager.AcquireAndLock(r.Context(), external.AcquireRequest{
		Topic:         req.Topic,
		LockDuration:  lockDuration,
		WorkerID:      req.WorkerID,
		NumberOfTasks: req.NumberOfTasks,
		ScopeType:     jobstore.ScopeType(req.ScopeType),
		TenantID:      req.TenantID,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		var vars []external.Variable
		if s.variables != nil {
			vars, err = s.variables.Variables(r.Context(), job)
			if err != nil {
				// The lease is already held; the worker can still act on the job
				logger.FromContext(r.Context(), s.logger).Warnw("Failed to load job variables",
					logger.FieldJobID, job.ID,
					logger.FieldError, err)
			}
		}
		resp = append(resp, NewJobResponse(job, vars))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	err := s.manager.Complete(r.Context(), chi.URLParam(r, "jobId"), req.WorkerID, req.Variables)
	s.writeOutcome(w, r, err)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	err := s.manager.Terminate(r.Context(), chi.URLParam(r, "jobId"), req.WorkerID, req.Variables)
	s.writeOutcome(w, r, err)
}

func (s *Server) handleBusinessError(w http.ResponseWriter, r *http.Request) {
	var req BusinessErrorRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	err := s.manager.RaiseBusinessError(r.Context(), chi.URLParam(r, "jobId"), req.WorkerID, req.ErrorCode, req.Variables)
	s.writeOutcome(w, r, err)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req FailRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	timeout, err := parseDuration("retryTimeout", req.RetryTimeout, s.clock.Now())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	err = s.manager.Fail(r.Context(), chi.URLParam(r, "jobId"), external.FailRequest{
		WorkerID:     req.WorkerID,
		Retries:      req.Retries,
		RetryTimeout: timeout,
		ErrorMessage: req.ErrorMessage,
		ErrorDetails: req.ErrorDetails,
	})
	s.writeOutcome(w, r, err)
}

// handleUnacquire releases every lease the worker holds, optionally
// restricted to one tenant.
func (s *Server) handleUnacquire(w http.ResponseWriter, r *http.Request) {
	var req UnacquireRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	_, err := s.manager.Unacquire(r.Context(), external.UnacquireRequest{
		WorkerID: req.WorkerID,
		TenantID: req.TenantID,
	})
	s.writeOutcome(w, r, err)
}

// handleUnacquireJob releases one lease. A job the worker does not hold
// answers 400 like every other unacquire rejection.
func (s *Server) handleUnacquireJob(w http.ResponseWriter, r *http.Request) {
	var req UnacquireRequest
	if err := readJSON(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	r = withWorker(r, req.WorkerID)
	_, err := s.manager.Unacquire(r.Context(), external.UnacquireRequest{
		WorkerID: req.WorkerID,
		JobID:    chi.URLParam(r, "jobId"),
		TenantID: req.TenantID,
	})
	s.writeOutcome(w, r, err)
}

// withWorker tags the request context with the calling worker for logging.
func withWorker(r *http.Request, workerID string) *http.Request {
	if workerID == "" {
		return r
	}
	return r.WithContext(logger.WithWorkerID(r.Context(), workerID))
}

// writeOutcome answers 204 on success.
func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
