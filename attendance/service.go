package attendance

import (
	"github.com/jmcleod/rollcall/storage"
)

// Service bundles the attendance components over one ledger.
type Service struct {
	Ledger     *Ledger
	Sessions   *Manager
	Roster     *Roster
	Pipeline   *Pipeline
	Moderation *Moderation
	Feed       *Projector
}

// NewService wires every component over repo. The same options are applied
// to each of them.
func NewService(repo storage.Repository, keys *Keyring, opts ...Option) (*Service, error) {
	ledger := NewLedger(repo, opts...)
	sessions, err := NewManager(ledger, keys, opts...)
	if err != nil {
		return nil, err
	}
	feed := NewProjector(ledger, opts...)
	return &Service{
		Ledger:     ledger,
		Sessions:   sessions,
		Roster:     NewRoster(ledger, opts...),
		Pipeline:   NewPipeline(ledger, sessions, opts...),
		Moderation: NewModeration(ledger, feed, opts...),
		Feed:       feed,
	}, nil
}

// Close stops background rotation.
func (s *Service) Close() {
	s.Sessions.Close()
}
