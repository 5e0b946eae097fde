package api

import (
	"time"

	"github.com/jmcleod/rollcall/attendance"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

type StartSessionRequest struct {
	ClassID         string `json:"class_id"`
	IssuerID        string `json:"issuer_id"`
	RotationSeconds int    `json:"rotation_seconds"`
}

// SessionResponse is a session plus its timer status. ExpiresAt is nil while
// the session is paused or ended.
type SessionResponse struct {
	attendance.Session
	ExpiresAt *time.Time `json:"expires_at"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	PaginationMeta
}

// ExportPageResponse is a JSON export limited to one page of rows.
type ExportPageResponse struct {
	attendance.Export
	PaginationMeta
}

// WindowResponse is what the rendering collaborator displays.
type WindowResponse struct {
	SessionID      string     `json:"session_id"`
	TokenString    string     `json:"token_string"`
	PIN            string     `json:"pin"`
	SequenceNumber uint64     `json:"sequence_number"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type BulkRequest struct {
	State attendance.State `json:"state"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type EnrollRequest struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	DeviceHash    string `json:"device_hash"`
}

// RedeemRequest names either token_string or session_id plus pin.
type RedeemRequest struct {
	ParticipantID   string                `json:"participant_id"`
	TokenString     string                `json:"token_string,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
	PIN             string                `json:"pin,omitempty"`
	Signature       string                `json:"signature"`
	ClientTimestamp *time.Time            `json:"client_timestamp,omitempty"`
	DeviceHash      string                `json:"device_hash,omitempty"`
	AuthMethod      attendance.AuthMethod `json:"auth_method,omitempty"`
}

type RedeemResponse struct {
	Record    attendance.Record `json:"record"`
	Duplicate bool              `json:"duplicate"`
}

// ScopeRequest selects records by session, class or, when empty, all.
type ScopeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ClassID   string `json:"class_id,omitempty"`
}

func (s ScopeRequest) scope() attendance.Scope {
	return attendance.Scope{SessionID: s.SessionID, ClassID: s.ClassID}
}

type ClearResponse struct {
	Cleared int `json:"cleared"`
}
