package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// StatusForError maps a service error to its HTTP status code
func StatusForError(err error) int {
	var (
		remote    *common.RemoteStageError
		invalid   *common.InvalidResponseError
		exhausted *common.RetryExhaustedError
		transient *common.TransientNetworkError
	)

	switch {
	case errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &exhausted), errors.As(err, &transient):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote), errors.As(err, &invalid):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError logs err and writes it with the mapped status. Internal
// errors are reported without their detail.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error, msg string) {
	status := StatusForError(err)

	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg(msg)
	} else {
		logger.Debug().Err(err).Int("status", status).Msg(msg)
	}

	if status == http.StatusInternalServerError {
		WriteError(w, status, msg)
		return
	}
	WriteError(w, status, err.Error())
}

// GetLimitParam reads the "limit" query parameter, clamped to max
func GetLimitParam(r *http.Request, fallback, max int) int {
	limit := fallback
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
