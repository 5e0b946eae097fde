package attendance

import (
	"context"
	"fmt"
)

// Roster enrols participants.
type Roster struct {
	ledger *Ledger
	opts   options
}

func NewRoster(ledger *Ledger, opts ...Option) *Roster {
	return &Roster{ledger: ledger, opts: buildOptions(opts)}
}

// Enroll creates or updates a participant. An empty display name falls back
// to the participant ID; an empty device hash leaves any bound device alone.
func (r *Roster) Enroll(ctx context.Context, participantID, displayName, deviceHash string) (Participant, error) {
	if err := validateID(participantID, "participant ID"); err != nil {
		return Participant{}, err
	}
	name, err := normalizeDisplayName(displayName)
	if err != nil {
		return Participant{}, err
	}
	if name == "" {
		name = participantID
	}
	if err := validateDeviceHash(deviceHash); err != nil {
		return Participant{}, err
	}

	now := r.opts.now()
	return r.ledger.updateParticipant(participantID, func(p *Participant, exists bool) bool {
		if !exists {
			p.EnrolledAt = now
		}
		p.DisplayName = name
		if deviceHash != "" {
			p.DeviceHash = deviceHash
		}
		return true
	})
}

// Participant returns an enrolled participant.
func (r *Roster) Participant(ctx context.Context, participantID string) (Participant, error) {
	p, ok, err := r.ledger.getParticipant(participantID)
	if err != nil {
		return Participant{}, err
	}
	if !ok {
		return Participant{}, fmt.Errorf("%s: %w", participantID, ErrParticipantNotFound)
	}
	return p, nil
}
