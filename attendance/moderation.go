package attendance

import (
	"context"
	"fmt"

	"github.com/jmcleod/rollcall/events"
)

// Moderation applies human decisions to attendance records.
type Moderation struct {
	ledger *Ledger
	feed   *Projector
	opts   options
}

// NewModeration returns a Moderation service. feed may be nil; when set, it
// is told about clears so it can suppress records that straddled them.
func NewModeration(ledger *Ledger, feed *Projector, opts ...Option) *Moderation {
	return &Moderation{ledger: ledger, feed: feed, opts: buildOptions(opts)}
}

// Approve marks a pending or flagged record present. Approving a present
// record succeeds without change.
func (m *Moderation) Approve(ctx context.Context, recordID string) (Record, error) {
	now := m.opts.now()
	m.ledger.barrier.RLock()
	rec, changed, err := m.ledger.transition(recordID, func(r *Record) (bool, error) {
		switch r.State {
		case StatePresent:
			return false, nil
		case StateRejected:
			return false, fmt.Errorf("%s is rejected: %w", recordID, ErrAlreadyDecided)
		}
		r.State = StatePresent
		r.Reason = ""
		r.DecidedAt = &now
		return true, nil
	})
	m.ledger.barrier.RUnlock()
	if err != nil {
		return Record{}, err
	}
	if changed {
		m.opts.metrics.Moderation(ctx, "approve", 1)
		m.emitRecord(events.RecordApproved, rec)
	}
	return rec, nil
}

// Reject marks a non-present record rejected, releasing the participant's
// slot in the session. Rejecting a rejected record succeeds without change.
func (m *Moderation) Reject(ctx context.Context, recordID string) (Record, error) {
	now := m.opts.now()
	m.ledger.barrier.RLock()
	rec, changed, err := m.ledger.transition(recordID, func(r *Record) (bool, error) {
		switch r.State {
		case StateRejected:
			return false, nil
		case StatePresent:
			return false, fmt.Errorf("%s is present: %w", recordID, ErrAlreadyDecided)
		}
		r.State = StateRejected
		r.DecidedAt = &now
		return true, nil
	})
	m.ledger.barrier.RUnlock()
	if err != nil {
		return Record{}, err
	}
	if changed {
		m.opts.metrics.Moderation(ctx, "reject", 1)
		m.emitRecord(events.RecordRejected, rec)
	}
	return rec, nil
}

// BulkApprove approves every record of the session in state (pending or
// flagged) as of one snapshot, and reports how many changed.
func (m *Moderation) BulkApprove(ctx context.Context, sessionID string, state State) (int, error) {
	return m.bulk(ctx, sessionID, state, StatePresent)
}

// BulkReject rejects every record of the session in state (pending or
// flagged) as of one snapshot, and reports how many changed.
func (m *Moderation) BulkReject(ctx context.Context, sessionID string, state State) (int, error) {
	return m.bulk(ctx, sessionID, state, StateRejected)
}

func (m *Moderation) bulk(ctx context.Context, sessionID string, from, to State) (int, error) {
	if from != StatePending && from != StateFlagged {
		return 0, validationErrorf("bulk scope must be %q or %q", StatePending, StateFlagged)
	}
	doc, err := m.ledger.getSession(sessionID)
	if err != nil {
		return 0, err
	}

	now := m.opts.now()
	m.ledger.barrier.RLock()
	snapshot, err := m.ledger.snapshotRecords()
	if err != nil {
		m.ledger.barrier.RUnlock()
		return 0, err
	}
	matching := snapshot[:0]
	for _, r := range snapshot {
		if r.SessionID == sessionID && r.State == from {
			matching = append(matching, r)
		}
	}
	changed, err := m.ledger.transitionSnapshot(matching, func(r *Record) bool {
		if r.State != from {
			return false
		}
		r.State = to
		if to == StatePresent {
			r.Reason = ""
		}
		r.DecidedAt = &now
		return true
	})
	m.ledger.barrier.RUnlock()
	if err != nil {
		return 0, err
	}

	action, typ := "bulk_approve", events.BulkApproved
	if to == StateRejected {
		action, typ = "bulk_reject", events.BulkRejected
	}
	if len(changed) > 0 {
		m.opts.metrics.Moderation(ctx, action, len(changed))
		m.opts.sink.Emit(events.Event{
			Type:      typ,
			SessionID: sessionID,
			ClassID:   doc.ClassID,
			State:     string(to),
			Count:     len(changed),
			At:        now,
		})
	}
	return len(changed), nil
}

// ClearAttendance deletes every record in scope and reports how many were
// deleted. Redemptions that reach the ledger while the clear runs are held
// until it completes.
func (m *Moderation) ClearAttendance(ctx context.Context, scope Scope) (int, error) {
	if err := scope.validate(); err != nil {
		return 0, err
	}
	m.ledger.barrier.Lock()
	defer m.ledger.barrier.Unlock()

	records, err := m.ledger.snapshotRecords()
	if err != nil {
		return 0, err
	}
	return m.clearLocked(ctx, scope, filterScope(records, scope))
}

// Export snapshots every record in scope without changing the ledger.
func (m *Moderation) Export(ctx context.Context, scope Scope) (Export, error) {
	if err := scope.validate(); err != nil {
		return Export{}, err
	}
	records, err := m.ledger.snapshotRecords()
	if err != nil {
		return Export{}, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	exp, err := m.export(scope, filterScope(records, scope))
	if err != nil {
		return Export{}, err
	}
	m.opts.metrics.Moderation(ctx, "export", len(exp.Rows))
	return exp, nil
}

// ExportAndClear exports the records of scope and then deletes exactly
// those records. If the export fails nothing is deleted. If the delete
// fails the export is still returned, flagged with a warning.
func (m *Moderation) ExportAndClear(ctx context.Context, scope Scope) (ExportResult, error) {
	if err := scope.validate(); err != nil {
		return ExportResult{}, err
	}
	m.ledger.barrier.Lock()
	defer m.ledger.barrier.Unlock()

	records, err := m.ledger.snapshotRecords()
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	matching := filterScope(records, scope)
	exp, err := m.export(scope, matching)
	if err != nil {
		return ExportResult{}, err
	}
	m.opts.metrics.Moderation(ctx, "export", len(exp.Rows))

	res := ExportResult{Export: exp}
	n, err := m.clearLocked(ctx, scope, matching)
	if err != nil {
		res.ClearFailed = true
		res.Warning = fmt.Sprintf("export succeeded but clear failed: %v", err)
		m.opts.logger.Warn("attendance: clear after export failed", "scope", scope.String(), "error", err)
		return res, nil
	}
	res.Cleared = n
	return res, nil
}

func (m *Moderation) export(scope Scope, records []Record) (Export, error) {
	participants, err := m.ledger.scanParticipants()
	if err != nil {
		return Export{}, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	return buildExport(scope, records, participants, m.opts.now()), nil
}

// clearLocked deletes records. Callers hold the ledger barrier exclusively.
func (m *Moderation) clearLocked(ctx context.Context, scope Scope, records []Record) (int, error) {
	n, err := m.ledger.deleteRecords(records)
	if err != nil {
		return 0, err
	}
	now := m.opts.now()
	if m.feed != nil {
		m.feed.noteClear(scope, now)
	}
	m.opts.metrics.Moderation(ctx, "clear", n)
	m.opts.sink.Emit(events.Event{
		Type:      events.AttendanceClear,
		SessionID: scope.SessionID,
		ClassID:   scope.ClassID,
		Count:     n,
		At:        now,
	})
	return n, nil
}

func (m *Moderation) emitRecord(typ events.Type, r Record) {
	m.opts.sink.Emit(events.Event{
		Type:      typ,
		SessionID: r.SessionID,
		ClassID:   r.ClassID,
		RecordID:  r.RecordID,
		State:     string(r.State),
		At:        m.opts.now(),
	})
}

func filterScope(records []Record, scope Scope) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if scope.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
