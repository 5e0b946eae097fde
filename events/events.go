// Package events carries ledger-change notifications from the attendance
// core to observers. Delivery is best effort and never affects ledger results.
package events

import (
	"context"
	"time"
)

// Type names a ledger mutation.
type Type string

const (
	SessionStarted  Type = "session.started"
	SessionRotated  Type = "session.rotated"
	SessionPaused   Type = "session.paused"
	SessionResumed  Type = "session.resumed"
	SessionEnded    Type = "session.ended"
	RecordCreated   Type = "record.created"
	RecordApproved  Type = "record.approved"
	RecordRejected  Type = "record.rejected"
	BulkApproved    Type = "records.bulk_approved"
	BulkRejected    Type = "records.bulk_rejected"
	AttendanceClear Type = "attendance.cleared"
)

// Event describes one ledger mutation.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	ClassID   string    `json:"class_id,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Emit(e Event)
}

// Publisher delivers one event to an external system.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error {
	return f(ctx, e)
}
