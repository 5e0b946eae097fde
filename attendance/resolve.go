package attendance

import (
	"crypto/subtle"
	"fmt"
)

// MaxTokenLength bounds presented token strings before they are digested.
const MaxTokenLength = 512

// resolveToken finds the session and window that issued token. Ended sessions
// resolve normally; the caller decides what an ended session means.
func (m *Manager) resolveToken(token string) (*sessionView, TokenWindow, error) {
	if token == "" || len(token) > MaxTokenLength {
		return nil, TokenWindow{}, ErrUnknownToken
	}
	digest, err := m.issuer.Digest(token)
	if err != nil {
		return nil, TokenWindow{}, err
	}
	ref, ok, err := m.ledger.lookupToken(digest)
	if err != nil {
		return nil, TokenWindow{}, err
	}
	if !ok {
		return nil, TokenWindow{}, ErrUnknownToken
	}

	view, live := m.snapshot(ref.SessionID)
	if !live {
		return nil, TokenWindow{}, m.notLive(ref.SessionID)
	}
	if w, ok := view.window(ref.Seq); ok {
		return view, w, nil
	}
	stored, ok, err := m.ledger.getWindow(ref.SessionID, ref.Seq)
	if err != nil {
		return nil, TokenWindow{}, err
	}
	if !ok {
		return nil, TokenWindow{}, ErrUnknownToken
	}
	return view, stored.window(), nil
}

// resolvePIN finds the window of sessionID whose PIN matches. Only the
// current and the immediately preceding window are searched.
func (m *Manager) resolvePIN(sessionID, pin string) (*sessionView, TokenWindow, error) {
	pin, err := normalizePIN(pin)
	if err != nil {
		return nil, TokenWindow{}, err
	}
	view, live := m.snapshot(sessionID)
	if !live {
		doc, err := m.ledger.getSession(sessionID)
		if err != nil {
			return nil, TokenWindow{}, err
		}
		if doc.Status == StatusEnded {
			return nil, TokenWindow{}, fmt.Errorf("%s: %w", sessionID, ErrSessionEnded)
		}
		return nil, TokenWindow{}, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	for i := len(view.windows) - 1; i >= 0 && i >= len(view.windows)-2; i-- {
		w := view.windows[i]
		if subtle.ConstantTimeCompare([]byte(w.PIN), []byte(pin)) == 1 {
			return view, w, nil
		}
	}
	return nil, TokenWindow{}, ErrUnknownToken
}

// notLive explains why a session known to the token index is not loaded.
func (m *Manager) notLive(sessionID string) error {
	doc, err := m.ledger.getSession(sessionID)
	if err != nil {
		return ErrUnknownToken
	}
	if doc.Status == StatusEnded {
		return fmt.Errorf("%s: %w", sessionID, ErrSessionEnded)
	}
	return ErrUnknownToken
}
