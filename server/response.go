package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// readJSON decodes a JSON request body. An empty body leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return errors.NewValidationf("Invalid request body: %v", err)
}

// statusFor maps the job scheduling error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsLockOwnershipError(err):
		return http.StatusForbidden
	case errors.IsValidationError(err),
		errors.IsUnsupportedOperationError(err),
		errors.IsInvalidScheduleError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with the status its class maps to. Unclassified
// errors are logged and reported without internal detail.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logger.FromContext(r.Context(), s.logger)
	if status == http.StatusInternalServerError {
		log.Errorw("Request failed",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldError, fmt.Sprintf("%+v", err))
		writeError(w, status, "internal server error")
		return
	}
	log.Debugw("Request rejected",
		logger.FieldMethod, r.Method,
		logger.FieldPath, r.URL.Path,
		"status", status,
		logger.FieldError, err.Error())
	writeError(w, status, err.Error())
}
