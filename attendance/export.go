package attendance

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

const exportTimeLayout = "2006-01-02_15-04-05"

// ExportRow is one tabular export line.
type ExportRow struct {
	RecordID      string     `json:"record_id"`
	ParticipantID string     `json:"participant_id"`
	DisplayName   string     `json:"display_name"`
	State         State      `json:"classification_state"`
	Reason        Reason     `json:"reason,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// Export is a snapshot of every record in a scope, whatever its state.
type Export struct {
	Scope       Scope       `json:"scope"`
	Filename    string      `json:"filename"`
	GeneratedAt time.Time   `json:"generated_at"`
	Rows        []ExportRow `json:"rows"`
}

// ExportResult is the outcome of ExportAndClear. When the clear fails after
// a successful snapshot, ClearFailed is set and the export is still returned.
type ExportResult struct {
	Export      Export `json:"export"`
	Cleared     int    `json:"cleared"`
	ClearFailed bool   `json:"clear_failed"`
	Warning     string `json:"warning,omitempty"`
}

var csvHeader = []string{
	"recordId", "participantId", "displayName", "classificationState",
	"reason", "submittedAt", "decidedAt",
}

// WriteCSV renders the export as CSV with a header row.
func (e Export) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	for _, row := range e.Rows {
		decided := ""
		if row.DecidedAt != nil {
			decided = row.DecidedAt.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{
			row.RecordID,
			row.ParticipantID,
			row.DisplayName,
			string(row.State),
			string(row.Reason),
			row.SubmittedAt.UTC().Format(time.RFC3339),
			decided,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrExportFailed, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailed, err)
	}
	return nil
}

// ExportFilename returns the suggested file name for an export of scope.
func ExportFilename(scope Scope, at time.Time) string {
	label := "all"
	switch {
	case scope.SessionID != "":
		label = scope.SessionID
	case scope.ClassID != "":
		label = scope.ClassID
	}
	return fmt.Sprintf("attendance_%s_%s.csv", label, at.Format(exportTimeLayout))
}

func buildExport(scope Scope, records []Record, participants map[string]Participant, at time.Time) Export {
	sortRecords(records)
	rows := make([]ExportRow, 0, len(records))
	for _, r := range records {
		name := r.ParticipantID
		if p, ok := participants[r.ParticipantID]; ok && p.DisplayName != "" {
			name = p.DisplayName
		}
		rows = append(rows, ExportRow{
			RecordID:      r.RecordID,
			ParticipantID: r.ParticipantID,
			DisplayName:   name,
			State:         r.State,
			Reason:        r.Reason,
			SubmittedAt:   r.SubmittedAt,
			DecidedAt:     r.DecidedAt,
		})
	}
	return Export{
		Scope:       scope,
		Filename:    ExportFilename(scope, at),
		GeneratedAt: at,
		Rows:        rows,
	}
}
