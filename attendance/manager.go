package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/rollcall/events"
)

// MaxRotationSeconds bounds the rotation interval of a session.
const MaxRotationSeconds = 24 * 60 * 60

const maxIssueAttempts = 3

// sessionView is an immutable snapshot of a session and its retained
// windows, oldest first. The last window is the current one.
type sessionView struct {
	doc     sessionDoc
	windows []TokenWindow
}

func (v *sessionView) current() TokenWindow {
	return v.windows[len(v.windows)-1]
}

func (v *sessionView) session() Session {
	s := v.doc.session()
	if v.doc.Status != StatusEnded && len(v.windows) > 0 {
		w := v.current()
		s.CurrentWindow = &w
	}
	return s
}

func (v *sessionView) window(seq uint64) (TokenWindow, bool) {
	for i := len(v.windows) - 1; i >= 0; i-- {
		if v.windows[i].SequenceNumber == seq {
			return v.windows[i], true
		}
	}
	return TokenWindow{}, false
}

type liveSession struct {
	// mu serialises lifecycle transitions; readers use view.
	mu    sync.Mutex
	view  atomic.Pointer[sessionView]
	stop  chan struct{}
	reset chan struct{}
}

// Manager owns session lifecycle and automatic token rotation. Each active,
// unpaused session has one rotation goroutine.
type Manager struct {
	ledger *Ledger
	issuer *Issuer
	opts   options

	mu       sync.RWMutex
	sessions map[string]*liveSession
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager that persists through ledger and mints windows
// with keys.
func NewManager(ledger *Ledger, keys *Keyring, opts ...Option) (*Manager, error) {
	o := buildOptions(opts)
	issuer, err := NewIssuer(keys, o.pinDigits)
	if err != nil {
		return nil, err
	}
	return &Manager{
		ledger:   ledger,
		issuer:   issuer,
		opts:     o,
		sessions: make(map[string]*liveSession),
	}, nil
}

// StartSession creates an active session and issues its first window.
func (m *Manager) StartSession(ctx context.Context, classID, issuerID string, rotationSeconds int) (Session, error) {
	if rotationSeconds <= 0 || rotationSeconds > MaxRotationSeconds {
		return Session{}, fmt.Errorf("%w: rotation interval must be between 1 and %d seconds", ErrInvalidConfig, MaxRotationSeconds)
	}
	if err := validateID(classID, "class ID"); err != nil {
		return Session{}, err
	}
	if err := validateID(issuerID, "issuer ID"); err != nil {
		return Session{}, err
	}

	if m.closed.Load() {
		return Session{}, fmt.Errorf("%w: manager closed", ErrSessionNotActive)
	}

	now := m.opts.now()
	doc := sessionDoc{
		SessionID:       m.opts.newID(),
		ClassID:         classID,
		IssuerID:        issuerID,
		CreatedAt:       now,
		Status:          StatusActive,
		RotationSeconds: rotationSeconds,
	}
	ls := &liveSession{}
	ls.view.Store(&sessionView{doc: doc})

	ls.mu.Lock()
	defer ls.mu.Unlock()
	view, err := m.rotateLocked(ls, now)
	if err != nil {
		return Session{}, err
	}

	// The session is published only once its first window is stored.
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: manager closed", ErrSessionNotActive)
	}
	m.sessions[doc.SessionID] = ls
	m.startTimerLocked(ls)
	m.mu.Unlock()

	m.emit(events.Event{Type: events.SessionStarted, SessionID: doc.SessionID, ClassID: classID, Sequence: view.current().SequenceNumber})
	return view.session(), nil
}

// RotateNow supersedes the current window of an active session.
func (m *Manager) RotateNow(ctx context.Context, sessionID string) (TokenWindow, error) {
	ls, err := m.lookup(sessionID, ErrSessionNotActive)
	if err != nil {
		return TokenWindow{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if st := ls.view.Load().doc.Status; st != StatusActive {
		return TokenWindow{}, fmt.Errorf("%s is %s: %w", sessionID, st, ErrSessionNotActive)
	}
	view, err := m.rotateLocked(ls, m.opts.now())
	if err != nil {
		return TokenWindow{}, err
	}
	select {
	case ls.reset <- struct{}{}:
	default:
	}
	return view.current(), nil
}

// Pause freezes the current window. Pausing a paused session is a no-op.
func (m *Manager) Pause(ctx context.Context, sessionID string) (Session, error) {
	ls, err := m.lookup(sessionID, ErrSessionNotActive)
	if err != nil {
		return Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	view := ls.view.Load()
	switch view.doc.Status {
	case StatusPaused:
		return view.session(), nil
	case StatusEnded:
		return Session{}, fmt.Errorf("%s: %w", sessionID, ErrSessionNotActive)
	}
	view, err = m.setStatusLocked(ls, StatusPaused, nil)
	if err != nil {
		return Session{}, err
	}
	m.stopTimerLocked(ls)
	m.emit(events.Event{Type: events.SessionPaused, SessionID: sessionID, ClassID: view.doc.ClassID})
	return view.session(), nil
}

// Resume restarts rotation of a paused session. It issues a fresh window
// immediately. Resuming an active session is a no-op.
func (m *Manager) Resume(ctx context.Context, sessionID string) (Session, error) {
	ls, err := m.lookup(sessionID, ErrSessionEnded)
	if err != nil {
		return Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	view := ls.view.Load()
	switch view.doc.Status {
	case StatusActive:
		return view.session(), nil
	case StatusEnded:
		return Session{}, fmt.Errorf("%s: %w", sessionID, ErrSessionEnded)
	}

	paused := view
	resumed := *view
	resumed.doc.Status = StatusActive
	ls.view.Store(&resumed)
	view, err = m.rotateLocked(ls, m.opts.now())
	if err != nil {
		ls.view.Store(paused)
		return Session{}, err
	}
	if !m.closed.Load() {
		m.startTimerLocked(ls)
	}

	m.emit(events.Event{Type: events.SessionResumed, SessionID: sessionID, ClassID: view.doc.ClassID, Sequence: view.current().SequenceNumber})
	return view.session(), nil
}

// EndSession ends a session. Its records are kept. Ending an ended session
// is a no-op.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (Session, error) {
	ls, err := m.live(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		// Ended sessions are not reloaded after a restart.
		doc, derr := m.ledger.getSession(sessionID)
		if derr != nil {
			return Session{}, derr
		}
		if doc.Status == StatusEnded {
			return doc.session(), nil
		}
		return Session{}, err
	}
	if err != nil {
		return Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	view := ls.view.Load()
	if view.doc.Status == StatusEnded {
		return view.session(), nil
	}
	endedAt := m.opts.now()
	view, err = m.setStatusLocked(ls, StatusEnded, &endedAt)
	if err != nil {
		return Session{}, err
	}
	m.stopTimerLocked(ls)
	m.emit(events.Event{Type: events.SessionEnded, SessionID: sessionID, ClassID: view.doc.ClassID})
	return view.session(), nil
}

// Session returns the current state of a session.
func (m *Manager) Session(ctx context.Context, sessionID string) (Session, error) {
	ls, err := m.live(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		doc, derr := m.ledger.getSession(sessionID)
		if derr != nil {
			return Session{}, derr
		}
		return doc.session(), nil
	}
	if err != nil {
		return Session{}, err
	}
	return ls.view.Load().session(), nil
}

// CurrentWindow returns the window a rendering collaborator should display.
func (m *Manager) CurrentWindow(ctx context.Context, sessionID string) (TokenWindow, error) {
	s, err := m.Session(ctx, sessionID)
	if err != nil {
		return TokenWindow{}, err
	}
	if s.Status == StatusEnded || s.CurrentWindow == nil {
		return TokenWindow{}, fmt.Errorf("%s: %w", sessionID, ErrSessionEnded)
	}
	return *s.CurrentWindow, nil
}

// ListSessions returns every known session, optionally limited to one class,
// ordered by creation time.
func (m *Manager) ListSessions(ctx context.Context, classID string) ([]Session, error) {
	docs, err := m.ledger.scanSessions()
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(docs))
	for _, doc := range docs {
		if classID != "" && doc.ClassID != classID {
			continue
		}
		if ls, err := m.live(doc.SessionID); err == nil {
			out = append(out, ls.view.Load().session())
			continue
		}
		out = append(out, doc.session())
	}
	return out, nil
}

// Restore reloads every session that had not ended from the ledger. Raw
// token strings are never stored, so each restored session is issued a
// fresh window; paused sessions stay paused against it.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	docs, err := m.ledger.scanSessions()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return 0, fmt.Errorf("%w: manager closed", ErrSessionNotActive)
	}

	var errs []error
	restored := 0
	for _, doc := range docs {
		if doc.Status == StatusEnded {
			continue
		}
		if _, ok := m.sessions[doc.SessionID]; ok {
			continue
		}
		if doc.CurrentSeq < m.opts.guard.MaxIssued(doc.SessionID) {
			errs = append(errs, fmt.Errorf("%s: %w", doc.SessionID, ErrRollbackDetected))
			continue
		}
		stored, err := m.ledger.sessionWindows(doc.SessionID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		windows := make([]TokenWindow, 0, len(stored))
		for _, w := range stored {
			windows = append(windows, w.window())
		}

		ls := &liveSession{}
		ls.view.Store(&sessionView{doc: doc, windows: windows})
		ls.mu.Lock()
		if _, err := m.rotateLocked(ls, m.opts.now()); err != nil {
			ls.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		m.sessions[doc.SessionID] = ls
		if doc.Status == StatusActive {
			m.startTimerLocked(ls)
		}
		ls.mu.Unlock()
		restored++
	}
	return restored, errors.Join(errs...)
}

// Close stops every rotation timer and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return
	}
	live := make([]*liveSession, 0, len(m.sessions))
	for _, ls := range m.sessions {
		live = append(live, ls)
	}
	m.mu.Unlock()

	for _, ls := range live {
		ls.mu.Lock()
		m.stopTimerLocked(ls)
		ls.mu.Unlock()
	}
	m.wg.Wait()
}

func (m *Manager) live(sessionID string) (*liveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return ls, nil
}

// lookup returns the live session, or endedErr when the session is only
// known to the ledger because it ended before the last restart.
func (m *Manager) lookup(sessionID string, endedErr error) (*liveSession, error) {
	ls, err := m.live(sessionID)
	if !errors.Is(err, ErrSessionNotFound) {
		return ls, err
	}
	doc, derr := m.ledger.getSession(sessionID)
	if derr != nil {
		return nil, derr
	}
	if doc.Status == StatusEnded {
		return nil, fmt.Errorf("%s: %w", sessionID, endedErr)
	}
	return nil, err
}

// snapshot returns the view of a live session, if any.
func (m *Manager) snapshot(sessionID string) (*sessionView, bool) {
	ls, err := m.live(sessionID)
	if err != nil {
		return nil, false
	}
	return ls.view.Load(), true
}

// rotateLocked issues the next window, persists it and publishes the new
// view. Callers hold ls.mu.
func (m *Manager) rotateLocked(ls *liveSession, now time.Time) (*sessionView, error) {
	prev := ls.view.Load()
	doc := prev.doc
	seq := doc.CurrentSeq + 1
	if seq <= m.opts.guard.MaxIssued(doc.SessionID) {
		return nil, fmt.Errorf("%s: sequence %d: %w", doc.SessionID, seq, ErrRollbackDetected)
	}
	doc.CurrentSeq = seq

	var (
		w   TokenWindow
		err error
	)
	for range maxIssueAttempts {
		w, err = m.issuer.Issue(doc.SessionID, seq, doc.RotationSeconds, now)
		if err != nil {
			return nil, err
		}
		err = m.ledger.commitWindow(doc, w.doc())
		if !errors.Is(err, errTokenCollision) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	if err := m.opts.guard.SetMaxIssued(doc.SessionID, seq); err != nil {
		if derr := m.ledger.discardWindow(prev.doc, w.doc()); derr != nil {
			return nil, errors.Join(err, derr)
		}
		return nil, err
	}

	keep := prev.windows
	if n := m.ledger.Retention() - 1; len(keep) > n {
		keep = keep[len(keep)-n:]
	}
	windows := make([]TokenWindow, 0, len(keep)+1)
	windows = append(windows, keep...)
	windows = append(windows, w)

	view := &sessionView{doc: doc, windows: windows}
	ls.view.Store(view)
	if seq > 1 {
		m.emit(events.Event{Type: events.SessionRotated, SessionID: doc.SessionID, ClassID: doc.ClassID, Sequence: seq})
	}
	return view, nil
}

func (m *Manager) setStatusLocked(ls *liveSession, status SessionStatus, endedAt *time.Time) (*sessionView, error) {
	next := *ls.view.Load()
	next.doc.Status = status
	next.doc.EndedAt = endedAt
	if err := m.ledger.putSession(next.doc); err != nil {
		return nil, err
	}
	ls.view.Store(&next)
	return &next, nil
}

// startTimerLocked starts the rotation goroutine. Callers hold ls.mu.
func (m *Manager) startTimerLocked(ls *liveSession) {
	if ls.stop != nil {
		return
	}
	ls.stop = make(chan struct{})
	ls.reset = make(chan struct{}, 1)
	interval := time.Duration(ls.view.Load().doc.RotationSeconds) * time.Second
	m.wg.Add(1)
	go m.rotationLoop(ls, ls.stop, ls.reset, interval)
}

func (m *Manager) stopTimerLocked(ls *liveSession) {
	if ls.stop == nil {
		return
	}
	close(ls.stop)
	ls.stop = nil
	ls.reset = nil
}

func (m *Manager) rotationLoop(ls *liveSession, stop <-chan struct{}, reset <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-reset:
			t.Reset(interval)
		case <-t.C:
			ls.mu.Lock()
			select {
			case <-stop:
				ls.mu.Unlock()
				return
			default:
			}
			view := ls.view.Load()
			if view.doc.Status == StatusActive {
				if _, err := m.rotateLocked(ls, m.opts.now()); err != nil {
					m.opts.logger.Warn("attendance: rotation failed",
						"session_id", view.doc.SessionID, "error", err)
				}
			}
			ls.mu.Unlock()
			t.Reset(interval)
		}
	}
}

func (m *Manager) emit(e events.Event) {
	if e.At.IsZero() {
		e.At = m.opts.now()
	}
	m.opts.sink.Emit(e)
}
