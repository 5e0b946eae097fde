package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates bad session parameters, rejected at creation.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrSessionNotFound indicates no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive indicates the operation requires an active session.
	ErrSessionNotActive = errors.New("session not active")
	// ErrSessionEnded indicates the session has ended and accepts no redemptions.
	ErrSessionEnded = errors.New("session ended")
	// ErrUnknownToken indicates a redemption against a token no session issued.
	ErrUnknownToken = errors.New("unknown token")
	// ErrParticipantNotFound indicates no participant is enrolled with the given ID.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrRecordNotFound indicates no attendance record exists with the given ID.
	ErrRecordNotFound = errors.New("record not found")
	// ErrAlreadyDecided indicates a moderation action on a record in a terminal state.
	ErrAlreadyDecided = errors.New("record already decided")
	// ErrStorageUnavailable indicates the ledger backend failed. Callers may retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrExportFailed indicates the export snapshot could not be produced or delivered.
	ErrExportFailed = errors.New("export failed")
	// ErrRollbackDetected indicates a session's stored sequence is older than one already issued.
	ErrRollbackDetected = errors.New("rollback detected: stored sequence is older than issued sequence")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
