package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/rollcall/attendance"
)

// storageRetryAfter is the Retry-After hint, in seconds, sent with 503s.
const storageRetryAfter = "1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	var verr *attendance.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, attendance.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, attendance.ErrUnknownToken),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, attendance.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, attendance.ErrSessionNotActive),
		errors.Is(err, attendance.ErrSessionEnded),
		errors.Is(err, attendance.ErrAlreadyDecided),
		errors.Is(err, attendance.ErrRollbackDetected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, attendance.ErrExportFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, attendance.ErrStorageUnavailable):
		w.Header().Set("Retry-After", storageRetryAfter)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
