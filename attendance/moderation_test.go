package attendance

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rollcall/events"
)

// pendingRecords redeems the superseded window of a fresh session once per
// participant, producing pending records.
func pendingRecords(t *testing.T, env *testEnv, classID string, participants ...string) (Session, []Record) {
	t.Helper()
	s := env.start(t, classID, 15)
	_, err := env.svc.Sessions.RotateNow(context.Background(), s.SessionID)
	require.NoError(t, err)
	var out []Record
	for _, p := range participants {
		res := env.redeem(t, p, s.CurrentWindow.TokenString)
		require.Equal(t, StatePending, res.Record.State)
		out = append(out, res.Record)
	}
	return s, out
}

func TestApproveTwiceIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, recs := pendingRecords(t, env, "cs101", "alice")

	env.clock.Advance(time.Minute)
	first, err := env.svc.Moderation.Approve(ctx, recs[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, StatePresent, first.State)
	require.NotNil(t, first.DecidedAt)
	require.Equal(t, env.clock.Now(), *first.DecidedAt)

	env.clock.Advance(time.Minute)
	second, err := env.svc.Moderation.Approve(ctx, recs[0].RecordID)
	require.NoError(t, err)
	require.Equal(t, StatePresent, second.State)
	require.Equal(t, *first.DecidedAt, *second.DecidedAt)
	require.Equal(t, 1, env.sink.count(events.RecordApproved))
}

func TestModerationTransitions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, recs := pendingRecords(t, env, "cs101", "alice", "bob")

	_, err := env.svc.Moderation.Approve(ctx, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
	_, err = env.svc.Moderation.Reject(ctx, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	approved, err := env.svc.Moderation.Approve(ctx, recs[0].RecordID)
	require.NoError(t, err)
	_, err = env.svc.Moderation.Reject(ctx, approved.RecordID)
	require.ErrorIs(t, err, ErrAlreadyDecided)

	rejected, err := env.svc.Moderation.Reject(ctx, recs[1].RecordID)
	require.NoError(t, err)
	require.Equal(t, StateRejected, rejected.State)
	again, err := env.svc.Moderation.Reject(ctx, recs[1].RecordID)
	require.NoError(t, err)
	require.Equal(t, StateRejected, again.State)
	_, err = env.svc.Moderation.Approve(ctx, recs[1].RecordID)
	require.ErrorIs(t, err, ErrAlreadyDecided)

	require.Equal(t, 1, env.sink.count(events.RecordRejected))
}

func TestApproveClearsFlagReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	res, err := env.svc.Pipeline.Verify(ctx, Redemption{ParticipantID: "alice", TokenString: s.CurrentWindow.TokenString})
	require.NoError(t, err)
	require.Equal(t, ReasonMissingSignature, res.Record.Reason)

	approved, err := env.svc.Moderation.Approve(ctx, res.Record.RecordID)
	require.NoError(t, err)
	require.Equal(t, StatePresent, approved.State)
	require.Empty(t, approved.Reason)
}

func TestBulkApproveAndReject(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, _ := pendingRecords(t, env, "cs101", "alice", "bob", "carol")

	flagged, err := env.svc.Pipeline.Verify(ctx, Redemption{ParticipantID: "dave", TokenString: s.CurrentWindow.TokenString})
	require.NoError(t, err)
	require.Equal(t, StateFlagged, flagged.Record.State)

	n, err := env.svc.Moderation.BulkApprove(ctx, s.SessionID, StatePending)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = env.svc.Moderation.BulkApprove(ctx, s.SessionID, StatePending)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = env.svc.Moderation.BulkReject(ctx, s.SessionID, StateFlagged)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	feed, err := env.svc.Feed.Project(ctx, SessionScope(s.SessionID))
	require.NoError(t, err)
	require.Len(t, feed.Present, 3)
	require.Empty(t, feed.Pending)
	require.Empty(t, feed.Flagged)

	_, err = env.svc.Moderation.BulkApprove(ctx, s.SessionID, StatePresent)
	_, ok := errors.AsType[*ValidationError](err)
	require.True(t, ok)
	_, err = env.svc.Moderation.BulkReject(ctx, "missing", StatePending)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.Equal(t, 1, env.sink.count(events.BulkApproved))
	require.Equal(t, 1, env.sink.count(events.BulkRejected))
}

func TestBulkOnlyTouchesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	_, recs := pendingRecords(t, env, "cs101", "alice", "bob")

	snapshot := env.records(t)
	// A record approved after the snapshot moves its version; it is skipped.
	_, err := env.svc.Moderation.Approve(context.Background(), recs[0].RecordID)
	require.NoError(t, err)

	changed, err := env.svc.Ledger.transitionSnapshot(snapshot, func(r *Record) bool {
		r.State = StateRejected
		return true
	})
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, recs[1].RecordID, changed[0].RecordID)
}

func TestClearAttendanceScopes(t *testing.T) {
	env := newTestEnv(t, WithClearSuppression(0))
	ctx := context.Background()
	s1, _ := pendingRecords(t, env, "cs101", "alice", "bob")
	s2, _ := pendingRecords(t, env, "cs101", "alice")
	s3, _ := pendingRecords(t, env, "cs202", "carol")

	n, err := env.svc.Moderation.ClearAttendance(ctx, SessionScope(s1.SessionID))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, env.records(t), 2)

	n, err = env.svc.Moderation.ClearAttendance(ctx, ClassScope("cs101"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	feed, err := env.svc.Feed.Project(ctx, SessionScope(s3.SessionID))
	require.NoError(t, err)
	require.Len(t, feed.Pending, 1)

	n, err = env.svc.Moderation.ClearAttendance(ctx, AllScope())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, env.records(t))

	_, err = env.svc.Moderation.ClearAttendance(ctx, Scope{SessionID: s2.SessionID, ClassID: "cs101"})
	_, ok := errors.AsType[*ValidationError](err)
	require.True(t, ok)

	// Cleared participants may redeem again.
	res := env.redeem(t, "alice", s2.CurrentWindow.TokenString)
	require.False(t, res.Duplicate)
	require.Equal(t, 3, env.sink.count(events.AttendanceClear))
}

func TestExportAndClearRoundTrip(t *testing.T) {
	env := newTestEnv(t, WithClearSuppression(0))
	ctx := context.Background()
	_, err := env.svc.Roster.Enroll(ctx, "alice", "Alice Liddell", "")
	require.NoError(t, err)
	s, _ := pendingRecords(t, env, "cs101", "alice", "bob")
	other, _ := pendingRecords(t, env, "cs202", "carol")

	before := env.records(t)
	var want []string
	for _, r := range before {
		if r.SessionID == s.SessionID {
			want = append(want, r.RecordID)
		}
	}

	res, err := env.svc.Moderation.ExportAndClear(ctx, SessionScope(s.SessionID))
	require.NoError(t, err)
	require.False(t, res.ClearFailed)
	require.Equal(t, 2, res.Cleared)

	var got []string
	names := map[string]string{}
	for _, row := range res.Export.Rows {
		got = append(got, row.RecordID)
		names[row.ParticipantID] = row.DisplayName
	}
	sort.Strings(want)
	sort.Strings(got)
	require.Equal(t, want, got)
	require.Equal(t, "Alice Liddell", names["alice"])
	require.Equal(t, "bob", names["bob"])

	feed, err := env.svc.Feed.Project(ctx, SessionScope(s.SessionID))
	require.NoError(t, err)
	require.Empty(t, feed.Present)
	require.Empty(t, feed.Pending)
	require.Empty(t, feed.Flagged)

	feed, err = env.svc.Feed.Project(ctx, SessionScope(other.SessionID))
	require.NoError(t, err)
	require.Len(t, feed.Pending, 1)
}

func TestExportAndClearKeepsExportWhenClearFails(t *testing.T) {
	env := newTestEnv(t)
	s, _ := pendingRecords(t, env, "cs101", "alice", "bob")

	env.repo.failBatch.Store(true)
	res, err := env.svc.Moderation.ExportAndClear(context.Background(), SessionScope(s.SessionID))
	env.repo.failBatch.Store(false)

	require.NoError(t, err)
	require.True(t, res.ClearFailed)
	require.NotEmpty(t, res.Warning)
	require.Len(t, res.Export.Rows, 2)
	require.Len(t, env.records(t), 2)
}

func TestExportFailureAbortsClear(t *testing.T) {
	env := newTestEnv(t)
	s, _ := pendingRecords(t, env, "cs101", "alice")

	env.repo.failScan.Store(true)
	_, err := env.svc.Moderation.ExportAndClear(context.Background(), SessionScope(s.SessionID))
	env.repo.failScan.Store(false)

	require.ErrorIs(t, err, ErrExportFailed)
	require.Len(t, env.records(t), 1)
}

func TestExportIncludesEveryState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s, recs := pendingRecords(t, env, "cs101", "alice", "bob")
	_, err := env.svc.Moderation.Reject(ctx, recs[1].RecordID)
	require.NoError(t, err)

	exp, err := env.svc.Moderation.Export(ctx, SessionScope(s.SessionID))
	require.NoError(t, err)
	require.Len(t, exp.Rows, 2)
	require.Equal(t, fmt.Sprintf("attendance_%s_2026-03-02_09-00-00.csv", s.SessionID), exp.Filename)

	var buf bytes.Buffer
	require.NoError(t, exp.WriteCSV(&buf))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "2026-03-02T09:00:00Z", rows[1][5])

	states := []string{rows[1][3], rows[2][3]}
	sort.Strings(states)
	assert.Equal(t, []string{"pending", "rejected"}, states)
}

func TestExportFilename(t *testing.T) {
	at := time.Date(2026, 1, 5, 14, 3, 9, 0, time.UTC)
	assert.Equal(t, "attendance_all_2026-01-05_14-03-09.csv", ExportFilename(AllScope(), at))
	assert.Equal(t, "attendance_cs101_2026-01-05_14-03-09.csv", ExportFilename(ClassScope("cs101"), at))
	assert.Equal(t, "attendance_s-1_2026-01-05_14-03-09.csv", ExportFilename(SessionScope("s-1"), at))
}

// A clear racing a redemption for the same session leaves the redemption
// either deleted by the clear or written after it, never half applied.
func TestClearConcurrentWithVerify(t *testing.T) {
	env := newTestEnv(t, WithClearSuppression(0))
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	for i := range 25 {
		participant := fmt.Sprintf("p%d", i)
		var (
			wg       sync.WaitGroup
			cleared  int
			clearErr error
			verifyOK bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.svc.Pipeline.Verify(ctx, Redemption{
				ParticipantID: participant,
				TokenString:   s.CurrentWindow.TokenString,
				Signature:     testSignature,
			})
			verifyOK = err == nil
		}()
		go func() {
			defer wg.Done()
			cleared, clearErr = env.svc.Moderation.ClearAttendance(ctx, SessionScope(s.SessionID))
		}()
		wg.Wait()

		require.True(t, verifyOK)
		require.NoError(t, clearErr)
		remaining := len(env.records(t))
		require.Equal(t, 1, cleared+remaining, "iteration %d", i)

		_, err := env.svc.Moderation.ClearAttendance(ctx, AllScope())
		require.NoError(t, err)
	}
}
