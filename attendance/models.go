package attendance

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

// State is the classification of an attendance record.
type State string

const (
	StatePending  State = "pending"
	StatePresent  State = "present"
	StateFlagged  State = "flagged"
	StateRejected State = "rejected"
)

// Reason explains why a record was flagged.
type Reason string

const (
	ReasonExpired          Reason = "expired"
	ReasonMissingSignature Reason = "missing_signature"
	ReasonStaleOrReplayed  Reason = "stale_or_replayed"
	ReasonDifferentDevice  Reason = "different_device"
	ReasonFallbackAuth     Reason = "fallback_auth"
)

// AuthMethod is how the participant unlocked the signing credential.
type AuthMethod string

const (
	AuthBiometric AuthMethod = "biometric"
	AuthFallback  AuthMethod = "fallback"
)

// Session is one issuing context.
type Session struct {
	SessionID       string        `json:"session_id"`
	ClassID         string        `json:"class_id"`
	IssuerID        string        `json:"issuer_id"`
	CreatedAt       time.Time     `json:"created_at"`
	Status          SessionStatus `json:"status"`
	RotationSeconds int           `json:"rotation_seconds"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	// CurrentWindow is nil once the session has ended.
	CurrentWindow *TokenWindow `json:"current_window,omitempty"`
}

// TokenWindow is a redemption credential valid for one rotation interval.
type TokenWindow struct {
	SessionID      string    `json:"session_id"`
	TokenString    string    `json:"token_string"`
	PIN            string    `json:"pin"`
	IssuedAt       time.Time `json:"issued_at"`
	TTLSeconds     int       `json:"ttl_seconds"`
	SequenceNumber uint64    `json:"sequence_number"`

	digest string
}

// TTL returns the window lifetime as a duration.
func (w TokenWindow) TTL() time.Duration {
	return time.Duration(w.TTLSeconds) * time.Second
}

// ExpiresAt returns the end of the window's validity interval.
func (w TokenWindow) ExpiresAt() time.Time {
	return w.IssuedAt.Add(w.TTL())
}

// Participant is an enrolled redeemer.
type Participant struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	DeviceHash    string    `json:"device_hash,omitempty"`
	EnrolledAt    time.Time `json:"enrolled_at"`
}

// Record is one attendance ledger entry.
type Record struct {
	RecordID            string     `json:"record_id"`
	SessionID           string     `json:"session_id"`
	ClassID             string     `json:"class_id"`
	ParticipantID       string     `json:"participant_id"`
	State               State      `json:"state"`
	Reason              Reason     `json:"reason,omitempty"`
	SubmittedAt         time.Time  `json:"submitted_at"`
	DecidedAt           *time.Time `json:"decided_at,omitempty"`
	TokenSequenceNumber uint64     `json:"token_sequence_number"`

	version uint64
}

// Scope selects the records a read or bulk mutation applies to.
// The zero value selects every record.
type Scope struct {
	SessionID string `json:"session_id,omitempty"`
	ClassID   string `json:"class_id,omitempty"`
}

// SessionScope selects the records of one session.
func SessionScope(sessionID string) Scope { return Scope{SessionID: sessionID} }

// ClassScope selects the records of every session of one class.
func ClassScope(classID string) Scope { return Scope{ClassID: classID} }

// AllScope selects every record.
func AllScope() Scope { return Scope{} }

// IsAll reports whether the scope selects every record.
func (s Scope) IsAll() bool {
	return s.SessionID == "" && s.ClassID == ""
}

// Matches reports whether r falls inside the scope.
func (s Scope) Matches(r Record) bool {
	switch {
	case s.SessionID != "":
		return r.SessionID == s.SessionID
	case s.ClassID != "":
		return r.ClassID == s.ClassID
	default:
		return true
	}
}

func (s Scope) String() string {
	switch {
	case s.SessionID != "":
		return "session:" + s.SessionID
	case s.ClassID != "":
		return "class:" + s.ClassID
	default:
		return "all"
	}
}

func (s Scope) validate() error {
	if s.SessionID != "" && s.ClassID != "" {
		return validationErrorf("scope must name a session or a class, not both")
	}
	if s.SessionID != "" {
		return validateID(s.SessionID, "session ID")
	}
	if s.ClassID != "" {
		return validateID(s.ClassID, "class ID")
	}
	return nil
}

func claimKey(sessionID, participantID string) string {
	return sessionID + "/" + participantID
}

func windowKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s/%020d", sessionID, seq)
}
