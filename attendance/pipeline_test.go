package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rollcall/events"
)

func TestVerifyCurrentWindowIsPresent(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	env.clock.Advance(3 * time.Second)
	res := env.redeem(t, "alice", s.CurrentWindow.TokenString)

	require.False(t, res.Duplicate)
	require.Equal(t, StatePresent, res.Record.State)
	require.Empty(t, res.Record.Reason)
	require.Equal(t, s.SessionID, res.Record.SessionID)
	require.Equal(t, "cs101", res.Record.ClassID)
	require.Equal(t, uint64(1), res.Record.TokenSequenceNumber)
	require.Equal(t, env.clock.Now(), res.Record.SubmittedAt)
	require.Equal(t, 1, env.sink.count(events.RecordCreated))
}

func TestVerifyPrecedingWindowWithinGraceIsPending(t *testing.T) {
	env := newTestEnv(t, WithGrace(5*time.Second))
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	env.clock.Advance(14 * time.Second)
	_, err := env.svc.Sessions.RotateNow(ctx, s.SessionID)
	require.NoError(t, err)
	env.clock.Advance(2 * time.Second)

	res := env.redeem(t, "bob", s.CurrentWindow.TokenString)
	require.Equal(t, StatePending, res.Record.State)
	require.Empty(t, res.Record.Reason)
}

func TestVerifyPrecedingWindowAfterGraceIsStale(t *testing.T) {
	env := newTestEnv(t, WithGrace(5*time.Second))
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	_, err := env.svc.Sessions.RotateNow(ctx, s.SessionID)
	require.NoError(t, err)
	env.clock.Advance(6 * time.Second)

	res := env.redeem(t, "bob", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonStaleOrReplayed, res.Record.Reason)
}

func TestVerifyOlderWindowIsStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "cs101", 15)
	for range 2 {
		_, err := env.svc.Sessions.RotateNow(ctx, s.SessionID)
		require.NoError(t, err)
	}

	res := env.redeem(t, "carol", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonStaleOrReplayed, res.Record.Reason)
}

func TestVerifyPrecedingWindowWithoutGraceIsStale(t *testing.T) {
	env := newTestEnv(t, WithGrace(0))
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	env.clock.Advance(10 * time.Second)
	_, err := env.svc.Sessions.RotateNow(ctx, s.SessionID)
	require.NoError(t, err)

	// Redeemed at the rotation instant and shortly after.
	res := env.redeem(t, "bob", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonStaleOrReplayed, res.Record.Reason)

	env.clock.Advance(time.Second)
	res = env.redeem(t, "carol", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonStaleOrReplayed, res.Record.Reason)
}

func TestVerifyRotationAfterReceiptKeepsObservedWindow(t *testing.T) {
	clock := newTestClock()
	var (
		env       *testEnv
		sessionID string
		rotate    atomic.Bool
		rotateErr error
	)
	now := func() time.Time {
		at := clock.Now()
		if rotate.CompareAndSwap(true, false) {
			clock.Advance(time.Millisecond)
			_, rotateErr = env.svc.Sessions.RotateNow(context.Background(), sessionID)
		}
		return at
	}
	env = newTestEnv(t, WithGrace(0), WithNow(now))
	s := env.start(t, "cs101", 15)
	sessionID = s.SessionID

	clock.Advance(3 * time.Second)
	rotate.Store(true)
	res := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.NoError(t, rotateErr)
	require.False(t, rotate.Load())

	require.Equal(t, StatePresent, res.Record.State)
	require.Empty(t, res.Record.Reason)
	require.Equal(t, uint64(1), res.Record.TokenSequenceNumber)

	w, err := env.svc.Sessions.CurrentWindow(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), w.SequenceNumber)
}

func TestVerifyUnknownTokenCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "cs101", 15)

	_, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "mallory",
		TokenString:   "not-a-token-anyone-issued",
		Signature:     testSignature,
	})
	require.ErrorIs(t, err, ErrUnknownToken)
	require.Empty(t, env.records(t))
	require.Zero(t, env.sink.count(events.RecordCreated))
}

func TestVerifyTTLBoundary(t *testing.T) {
	env := newTestEnv(t, WithGrace(0))
	s := env.start(t, "cs101", 15)

	env.clock.Advance(15 * time.Second)
	res := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.Equal(t, StatePresent, res.Record.State)

	env.clock.Advance(time.Second)
	res = env.redeem(t, "bob", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonExpired, res.Record.Reason)
}

func TestVerifyFutureIssueIsExpired(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	env.clock.Advance(-time.Second)
	res := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonExpired, res.Record.Reason)
}

func TestVerifySignature(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	for i, sig := range []string{"", "***not base64***", strings.Repeat("A", MaxSignatureLength+4)} {
		res, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
			ParticipantID: fmt.Sprintf("p%d", i),
			TokenString:   s.CurrentWindow.TokenString,
			Signature:     sig,
		})
		require.NoError(t, err)
		require.Equal(t, StateFlagged, res.Record.State)
		require.Equal(t, ReasonMissingSignature, res.Record.Reason)
	}
}

func TestVerifyCustomVerifier(t *testing.T) {
	var gotChallenge []byte
	verifier := VerifierFunc(func(participantID string, challenge []byte, signature string) bool {
		gotChallenge = challenge
		return signature == "signed-by-"+participantID
	})
	env := newTestEnv(t, WithSignatureVerifier(verifier))
	s := env.start(t, "cs101", 15)

	res, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "alice",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     "signed-by-alice",
	})
	require.NoError(t, err)
	require.Equal(t, StatePresent, res.Record.State)
	require.Equal(t, []byte(s.CurrentWindow.TokenString), gotChallenge)

	res, err = env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "bob",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     "signed-by-alice",
	})
	require.NoError(t, err)
	require.Equal(t, ReasonMissingSignature, res.Record.Reason)
}

func TestVerifyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	first := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	second := env.redeem(t, "alice", s.CurrentWindow.TokenString)

	require.Equal(t, StatePresent, first.Record.State)
	require.Equal(t, StatePresent, second.Record.State)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Record.RecordID, second.Record.RecordID)
	require.Len(t, env.records(t), 1)
	require.Equal(t, 1, env.sink.count(events.RecordCreated))
}

func TestVerifyKeepsOneRecordPerParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	flagged, err := env.svc.Pipeline.Verify(ctx, Redemption{ParticipantID: "alice", TokenString: s.CurrentWindow.TokenString})
	require.NoError(t, err)
	require.Equal(t, StateFlagged, flagged.Record.State)

	again := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.True(t, again.Duplicate)
	require.Equal(t, flagged.Record.RecordID, again.Record.RecordID)

	_, err = env.svc.Moderation.Reject(ctx, flagged.Record.RecordID)
	require.NoError(t, err)

	retry := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.False(t, retry.Duplicate)
	require.Equal(t, StatePresent, retry.Record.State)
	require.Len(t, env.records(t), 2)
}

func TestVerifyConcurrentRedemptionsCreateOneRecord(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	const workers = 32
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
				ParticipantID: "alice",
				TokenString:   s.CurrentWindow.TokenString,
				Signature:     testSignature,
			})
			if err == nil {
				ids[i] = res.Record.RecordID
			}
		}()
	}
	wg.Wait()

	recs := env.records(t)
	require.Len(t, recs, 1)
	for _, id := range ids {
		require.Equal(t, recs[0].RecordID, id)
	}
}

func TestVerifyEndedSession(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)
	_, err := env.svc.Sessions.EndSession(context.Background(), s.SessionID)
	require.NoError(t, err)

	_, err = env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "alice",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
	})
	require.ErrorIs(t, err, ErrSessionEnded)
	require.Empty(t, env.records(t))
}

func TestVerifyPausedWindowNeverExpires(t *testing.T) {
	env := newTestEnv(t, WithGrace(0))
	s := env.start(t, "cs101", 15)
	_, err := env.svc.Sessions.Pause(context.Background(), s.SessionID)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)
	res := env.redeem(t, "alice", s.CurrentWindow.TokenString)
	require.Equal(t, StatePresent, res.Record.State)
}

func TestVerifyDeviceBinding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	_, err := env.svc.Roster.Enroll(ctx, "alice", "Alice", "device-a")
	require.NoError(t, err)

	res, err := env.svc.Pipeline.Verify(ctx, Redemption{
		ParticipantID: "alice",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
		DeviceHash:    "device-b",
	})
	require.NoError(t, err)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonDifferentDevice, res.Record.Reason)

	// First use binds the device of a participant with none.
	res, err = env.svc.Pipeline.Verify(ctx, Redemption{
		ParticipantID: "bob",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
		DeviceHash:    "device-b",
	})
	require.NoError(t, err)
	require.Equal(t, StatePresent, res.Record.State)
	bob, err := env.svc.Roster.Participant(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, "device-b", bob.DeviceHash)
	require.Equal(t, "bob", bob.DisplayName)
}

func TestVerifyFallbackAuth(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	res, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "alice",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
		AuthMethod:    AuthFallback,
	})
	require.NoError(t, err)
	require.Equal(t, StateFlagged, res.Record.State)
	require.Equal(t, ReasonFallbackAuth, res.Record.Reason)

	_, err = env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "bob",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
		AuthMethod:    "retina",
	})
	_, ok := errors.AsType[*ValidationError](err)
	require.True(t, ok)
}

func TestVerifyByPIN(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.start(t, "cs101", 15)

	var wide strings.Builder
	for _, r := range s.CurrentWindow.PIN {
		wide.WriteRune('０' + (r - '0'))
	}
	res, err := env.svc.Pipeline.Verify(ctx, Redemption{
		ParticipantID: "alice",
		SessionID:     s.SessionID,
		PIN:           wide.String(),
		Signature:     testSignature,
	})
	require.NoError(t, err)
	require.Equal(t, StatePresent, res.Record.State)

	_, err = env.svc.Pipeline.Verify(ctx, Redemption{
		ParticipantID: "bob",
		SessionID:     s.SessionID,
		PIN:           "1234",
		Signature:     testSignature,
	})
	require.ErrorIs(t, err, ErrUnknownToken)

	_, err = env.svc.Pipeline.Verify(ctx, Redemption{
		ParticipantID: "bob",
		SessionID:     "missing",
		PIN:           "123456",
		Signature:     testSignature,
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestVerifyRejectsMalformedRedemption(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	cases := []Redemption{
		{ParticipantID: "", TokenString: s.CurrentWindow.TokenString},
		{ParticipantID: "a/b", TokenString: s.CurrentWindow.TokenString},
		{ParticipantID: "alice"},
		{ParticipantID: "alice", TokenString: s.CurrentWindow.TokenString, DeviceHash: "has space"},
	}
	for _, r := range cases {
		_, err := env.svc.Pipeline.Verify(context.Background(), r)
		_, ok := errors.AsType[*ValidationError](err)
		assert.True(t, ok, "%+v", r)
	}
	require.Empty(t, env.records(t))
}

func TestVerifyStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.start(t, "cs101", 15)

	env.repo.failBatch.Store(true)
	_, err := env.svc.Pipeline.Verify(context.Background(), Redemption{
		ParticipantID: "alice",
		TokenString:   s.CurrentWindow.TokenString,
		Signature:     testSignature,
	})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	require.ErrorIs(t, err, errBackend)

	env.repo.failBatch.Store(false)
	require.Empty(t, env.records(t))
}
