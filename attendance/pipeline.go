package attendance

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jmcleod/rollcall/events"
)

// SignatureVerifier decides whether a redemption signature is acceptable.
// The pipeline treats the signature as opaque and only asks this question.
type SignatureVerifier interface {
	VerifySignature(participantID string, challenge []byte, signature string) bool
}

// VerifierFunc adapts a function to SignatureVerifier.
type VerifierFunc func(participantID string, challenge []byte, signature string) bool

func (f VerifierFunc) VerifySignature(participantID string, challenge []byte, signature string) bool {
	return f(participantID, challenge, signature)
}

// FormatVerifier accepts any non-empty base64 signature within
// MaxSignatureLength. It checks presence and shape, not cryptography.
type FormatVerifier struct{}

func (FormatVerifier) VerifySignature(_ string, _ []byte, signature string) bool {
	if signature == "" || len(signature) > MaxSignatureLength {
		return false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(signature); err == nil && len(b) > 0 {
			return true
		}
	}
	return false
}

// Redemption is a participant's attempt to claim attendance. It names either
// a token string or a session ID plus PIN.
type Redemption struct {
	ParticipantID   string
	TokenString     string
	SessionID       string
	PIN             string
	Signature       string
	ClientTimestamp time.Time
	DeviceHash      string
	AuthMethod      AuthMethod
}

// Result is the outcome of Verify. Duplicate is true when the participant
// already held a record for the session and no record was created.
type Result struct {
	Record    Record
	Duplicate bool
}

// Pipeline classifies redemptions and records them in the ledger.
type Pipeline struct {
	ledger   *Ledger
	sessions *Manager
	opts     options
}

func NewPipeline(ledger *Ledger, sessions *Manager, opts ...Option) *Pipeline {
	return &Pipeline{ledger: ledger, sessions: sessions, opts: buildOptions(opts)}
}

// Verify classifies a redemption. Classification outcomes are results, not
// errors; errors mean the redemption was structurally invalid or did not
// belong to a session that accepts redemptions, and no record was created.
func (p *Pipeline) Verify(ctx context.Context, r Redemption) (Result, error) {
	if err := validateID(r.ParticipantID, "participant ID"); err != nil {
		return Result{}, err
	}
	if err := validateDeviceHash(r.DeviceHash); err != nil {
		return Result{}, err
	}
	switch r.AuthMethod {
	case "", AuthBiometric, AuthFallback:
	default:
		return Result{}, validationErrorf("unknown auth method %q", r.AuthMethod)
	}

	var (
		view      *sessionView
		window    TokenWindow
		challenge []byte
		err       error
	)
	switch {
	case r.TokenString != "":
		view, window, err = p.sessions.resolveToken(r.TokenString)
		challenge = []byte(r.TokenString)
	case r.SessionID != "" && r.PIN != "":
		view, window, err = p.sessions.resolvePIN(r.SessionID, r.PIN)
		challenge = []byte(r.SessionID + ":" + window.PIN)
	default:
		return Result{}, validationErrorf("redemption needs a token or a session ID and PIN")
	}
	if err != nil {
		return Result{}, err
	}
	// Read after the view: a rotation landing later does not supersede
	// the window this redemption observed.
	receipt := p.opts.now()
	if view.doc.Status == StatusEnded {
		return Result{}, fmt.Errorf("%s: %w", view.doc.SessionID, ErrSessionEnded)
	}

	participant, enrolled, err := p.ledger.getParticipant(r.ParticipantID)
	if err != nil {
		return Result{}, err
	}

	state, reason := p.classify(view, window, receipt, r, participant, challenge)
	rec := Record{
		RecordID:            p.opts.newID(),
		SessionID:           view.doc.SessionID,
		ClassID:             view.doc.ClassID,
		ParticipantID:       r.ParticipantID,
		State:               state,
		Reason:              reason,
		SubmittedAt:         receipt,
		TokenSequenceNumber: window.SequenceNumber,
	}

	p.ledger.barrier.RLock()
	stored, created, err := p.ledger.createRecord(rec)
	p.ledger.barrier.RUnlock()
	if err != nil {
		return Result{}, err
	}
	if !created {
		return Result{Record: stored, Duplicate: true}, nil
	}

	if r.DeviceHash != "" && (!enrolled || participant.DeviceHash == "") &&
		(state == StatePresent || state == StatePending) {
		if _, err := p.ledger.updateParticipant(r.ParticipantID, func(pt *Participant, exists bool) bool {
			if pt.DeviceHash != "" {
				return false
			}
			if !exists {
				pt.DisplayName = r.ParticipantID
				pt.EnrolledAt = receipt
			}
			pt.DeviceHash = r.DeviceHash
			return true
		}); err != nil {
			p.opts.logger.Warn("attendance: device binding failed",
				"participant_id", r.ParticipantID, "error", err)
		}
	}

	p.opts.metrics.Classification(ctx, string(stored.State), string(stored.Reason))
	p.opts.sink.Emit(events.Event{
		Type:      events.RecordCreated,
		SessionID: stored.SessionID,
		ClassID:   stored.ClassID,
		RecordID:  stored.RecordID,
		State:     string(stored.State),
		Sequence:  stored.TokenSequenceNumber,
		At:        receipt,
	})
	return Result{Record: stored}, nil
}

// classify applies the decision procedure to a resolved window. Duplicate
// detection happens when the record is written.
func (p *Pipeline) classify(view *sessionView, window TokenWindow, receipt time.Time, r Redemption, participant Participant, challenge []byte) (State, Reason) {
	current := view.current()
	isCurrent := window.SequenceNumber == current.SequenceNumber
	frozen := isCurrent && view.doc.Status == StatusPaused
	age := receipt.Sub(window.IssuedAt)

	if !frozen && (age < 0 || age > window.TTL()+p.opts.grace) {
		return StateFlagged, ReasonExpired
	}
	if !p.opts.verifier.VerifySignature(r.ParticipantID, challenge, r.Signature) {
		return StateFlagged, ReasonMissingSignature
	}
	if participant.DeviceHash != "" && r.DeviceHash != "" && participant.DeviceHash != r.DeviceHash {
		return StateFlagged, ReasonDifferentDevice
	}
	if r.AuthMethod == AuthFallback {
		return StateFlagged, ReasonFallbackAuth
	}
	if isCurrent && (frozen || age <= window.TTL()) {
		return StatePresent, ""
	}
	if since := receipt.Sub(current.IssuedAt); p.opts.grace > 0 &&
		window.SequenceNumber+1 == current.SequenceNumber && since >= 0 && since <= p.opts.grace {
		return StatePending, ""
	}
	return StateFlagged, ReasonStaleOrReplayed
}
