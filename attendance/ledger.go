package attendance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/rollcall/storage"
)

// Record types for storage
const (
	recordTypeSession     = "session"
	recordTypeWindow      = "window"
	recordTypeToken       = "token"
	recordTypeParticipant = "participant"
	recordTypeRecord      = "record"
	recordTypeClaim       = "claim"
)

const (
	// DefaultBucket is the storage bucket used when none is configured.
	DefaultBucket = "default"
	// DefaultWindowRetention is how many token windows are kept per session.
	DefaultWindowRetention = 4
	minWindowRetention     = 2
)

var errTokenCollision = errors.New("token collision")

// sessionDoc is the persisted form of a Session. Raw token strings are never stored.
type sessionDoc struct {
	SessionID       string        `json:"session_id"`
	ClassID         string        `json:"class_id"`
	IssuerID        string        `json:"issuer_id"`
	CreatedAt       time.Time     `json:"created_at"`
	Status          SessionStatus `json:"status"`
	RotationSeconds int           `json:"rotation_seconds"`
	CurrentSeq      uint64        `json:"current_seq"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

func (d sessionDoc) session() Session {
	return Session{
		SessionID:       d.SessionID,
		ClassID:         d.ClassID,
		IssuerID:        d.IssuerID,
		CreatedAt:       d.CreatedAt,
		Status:          d.Status,
		RotationSeconds: d.RotationSeconds,
		EndedAt:         d.EndedAt,
	}
}

// windowDoc is the persisted form of a TokenWindow.
type windowDoc struct {
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	Digest     string    `json:"digest"`
	PIN        string    `json:"pin"`
	IssuedAt   time.Time `json:"issued_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

func (d windowDoc) window() TokenWindow {
	return TokenWindow{
		SessionID:      d.SessionID,
		PIN:            d.PIN,
		IssuedAt:       d.IssuedAt,
		TTLSeconds:     d.TTLSeconds,
		SequenceNumber: d.Seq,
		digest:         d.Digest,
	}
}

type tokenRef struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type claimDoc struct {
	RecordID string `json:"record_id"`
}

// Ledger maps the attendance data model onto a storage.Repository.
// It holds no business rules; every backend failure other than a missing
// record or a CAS conflict surfaces as ErrStorageUnavailable.
type Ledger struct {
	repo      storage.Repository
	bucket    string
	retention int

	// barrier is held shared by record writers and exclusively by clears.
	barrier sync.RWMutex
}

// NewLedger returns a Ledger over repo. Only the bucket and window
// retention options apply.
func NewLedger(repo storage.Repository, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		repo:      repo,
		bucket:    o.bucket,
		retention: o.retention,
	}
}

// Retention returns the number of windows kept per session.
func (l *Ledger) Retention() int {
	return l.retention
}

func storageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrSessionNotFound, ErrRecordNotFound, ErrAlreadyDecided,
		storage.ErrCASFailed, errTokenCollision,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// ---------------------------------------------------------------------------
// Sessions and windows
// ---------------------------------------------------------------------------

func (l *Ledger) putSession(doc sessionDoc) error {
	env, err := storage.EncodeRecord(doc, 0)
	if err != nil {
		return err
	}
	return storageFailure("put session", l.repo.Put(l.bucket, recordTypeSession, doc.SessionID, env))
}

func (l *Ledger) getSession(sessionID string) (sessionDoc, error) {
	var doc sessionDoc
	env, err := l.repo.Get(l.bucket, recordTypeSession, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return doc, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return doc, storageFailure("get session", err)
	}
	if err := storage.DecodeRecord(env, &doc); err != nil {
		return doc, storageFailure("get session", err)
	}
	return doc, nil
}

func (l *Ledger) scanSessions() ([]sessionDoc, error) {
	envs, err := l.repo.Scan(l.bucket, recordTypeSession)
	if err != nil {
		return nil, storageFailure("scan sessions", err)
	}
	docs := make([]sessionDoc, 0, len(envs))
	for _, env := range envs {
		var doc sessionDoc
		if err := storage.DecodeRecord(env, &doc); err != nil {
			return nil, storageFailure("scan sessions", err)
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].SessionID < docs[j].SessionID
		}
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	return docs, nil
}

// commitWindow atomically stores the session, the new window and its token
// index entry, and prunes the window that fell out of retention.
func (l *Ledger) commitWindow(doc sessionDoc, w windowDoc) error {
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		ref, err := storage.EncodeRecord(tokenRef{SessionID: w.SessionID, Seq: w.Seq}, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordTypeToken, w.Digest, 0, ref); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return errTokenCollision
			}
			return err
		}
		wenv, err := storage.EncodeRecord(w, 0)
		if err != nil {
			return err
		}
		if err := tx.Put(recordTypeWindow, windowKey(w.SessionID, w.Seq), wenv); err != nil {
			return err
		}
		senv, err := storage.EncodeRecord(doc, 0)
		if err != nil {
			return err
		}
		if err := tx.Put(recordTypeSession, doc.SessionID, senv); err != nil {
			return err
		}
		if w.Seq > uint64(l.retention) {
			return pruneWindow(tx, w.SessionID, w.Seq-uint64(l.retention))
		}
		return nil
	})
	return storageFailure("commit window", err)
}

// discardWindow undoes commitWindow for a window that must not be used:
// its token index entry and window are removed and prev is stored back.
func (l *Ledger) discardWindow(prev sessionDoc, w windowDoc) error {
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		if err := tx.Delete(recordTypeToken, w.Digest); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := tx.Delete(recordTypeWindow, windowKey(w.SessionID, w.Seq)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		env, err := storage.EncodeRecord(prev, 0)
		if err != nil {
			return err
		}
		return tx.Put(recordTypeSession, prev.SessionID, env)
	})
	return storageFailure("discard window", err)
}

func pruneWindow(tx storage.BatchTx, sessionID string, seq uint64) error {
	key := windowKey(sessionID, seq)
	env, err := tx.Get(recordTypeWindow, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var old windowDoc
	if err := storage.DecodeRecord(env, &old); err != nil {
		return err
	}
	if err := tx.Delete(recordTypeWindow, key); err != nil {
		return err
	}
	if err := tx.Delete(recordTypeToken, old.Digest); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func (l *Ledger) lookupToken(digest string) (tokenRef, bool, error) {
	var ref tokenRef
	env, err := l.repo.Get(l.bucket, recordTypeToken, digest)
	if errors.Is(err, storage.ErrNotFound) {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, storageFailure("lookup token", err)
	}
	if err := storage.DecodeRecord(env, &ref); err != nil {
		return ref, false, storageFailure("lookup token", err)
	}
	return ref, true, nil
}

func (l *Ledger) getWindow(sessionID string, seq uint64) (windowDoc, bool, error) {
	var w windowDoc
	env, err := l.repo.Get(l.bucket, recordTypeWindow, windowKey(sessionID, seq))
	if errors.Is(err, storage.ErrNotFound) {
		return w, false, nil
	}
	if err != nil {
		return w, false, storageFailure("get window", err)
	}
	if err := storage.DecodeRecord(env, &w); err != nil {
		return w, false, storageFailure("get window", err)
	}
	return w, true, nil
}

// sessionWindows returns the retained windows of a session, oldest first.
func (l *Ledger) sessionWindows(sessionID string) ([]windowDoc, error) {
	envs, err := l.repo.Scan(l.bucket, recordTypeWindow)
	if err != nil {
		return nil, storageFailure("scan windows", err)
	}
	prefix := sessionID + "/"
	var out []windowDoc
	for key, env := range envs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var w windowDoc
		if err := storage.DecodeRecord(env, &w); err != nil {
			return nil, storageFailure("scan windows", err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ---------------------------------------------------------------------------
// Participants
// ---------------------------------------------------------------------------

func (l *Ledger) getParticipant(participantID string) (Participant, bool, error) {
	var p Participant
	env, err := l.repo.Get(l.bucket, recordTypeParticipant, participantID)
	if errors.Is(err, storage.ErrNotFound) {
		return p, false, nil
	}
	if err != nil {
		return p, false, storageFailure("get participant", err)
	}
	if err := storage.DecodeRecord(env, &p); err != nil {
		return p, false, storageFailure("get participant", err)
	}
	return p, true, nil
}

// updateParticipant applies fn to the stored participant, or to a fresh
// one when none exists, and writes it back if fn reports a change.
func (l *Ledger) updateParticipant(participantID string, fn func(p *Participant, exists bool) bool) (Participant, error) {
	var out Participant
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		out = Participant{ParticipantID: participantID}
		env, err := tx.Get(recordTypeParticipant, participantID)
		exists := true
		switch {
		case errors.Is(err, storage.ErrNotFound):
			exists = false
		case err != nil:
			return err
		default:
			if err := storage.DecodeRecord(env, &out); err != nil {
				return err
			}
		}
		if !fn(&out, exists) {
			return nil
		}
		penv, err := storage.EncodeRecord(out, 0)
		if err != nil {
			return err
		}
		return tx.Put(recordTypeParticipant, participantID, penv)
	})
	return out, storageFailure("update participant", err)
}

func (l *Ledger) scanParticipants() (map[string]Participant, error) {
	envs, err := l.repo.Scan(l.bucket, recordTypeParticipant)
	if err != nil {
		return nil, storageFailure("scan participants", err)
	}
	out := make(map[string]Participant, len(envs))
	for id, env := range envs {
		var p Participant
		if err := storage.DecodeRecord(env, &p); err != nil {
			return nil, storageFailure("scan participants", err)
		}
		out[id] = p
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Attendance records
// ---------------------------------------------------------------------------

func decodeRecord(env *storage.Envelope) (Record, error) {
	var r Record
	if err := storage.DecodeRecord(env, &r); err != nil {
		return r, err
	}
	r.version = env.Version
	return r, nil
}

func putRecord(tx storage.BatchTx, r Record, expectedVersion uint64) (Record, error) {
	r.version = expectedVersion + 1
	env, err := storage.EncodeRecord(r, r.version)
	if err != nil {
		return r, err
	}
	return r, tx.PutCAS(recordTypeRecord, r.RecordID, expectedVersion, env)
}

// findClaimed returns the non-rejected record holding the (session,
// participant) claim, if any.
func findClaimed(tx storage.BatchTx, key string) (Record, bool, error) {
	env, err := tx.Get(recordTypeClaim, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var claim claimDoc
	if err := storage.DecodeRecord(env, &claim); err != nil {
		return Record{}, false, err
	}
	renv, err := tx.Get(recordTypeRecord, claim.RecordID)
	if errors.Is(err, storage.ErrNotFound) {
		// Dangling claim; the record it pointed at is gone.
		return Record{}, false, tx.Delete(recordTypeClaim, key)
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(renv)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func releaseClaim(tx storage.BatchTx, r Record) error {
	key := claimKey(r.SessionID, r.ParticipantID)
	env, err := tx.Get(recordTypeClaim, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var claim claimDoc
	if err := storage.DecodeRecord(env, &claim); err != nil {
		return err
	}
	if claim.RecordID != r.RecordID {
		return nil
	}
	return tx.Delete(recordTypeClaim, key)
}

// createRecord stores r unless the participant already holds a non-rejected
// record for the session, in which case that record is returned and created
// is false. The claim write and the record write share one batch.
func (l *Ledger) createRecord(r Record) (out Record, created bool, err error) {
	key := claimKey(r.SessionID, r.ParticipantID)
	err = l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		existing, ok, err := findClaimed(tx, key)
		if err != nil {
			return err
		}
		if ok {
			out, created = existing, false
			return nil
		}
		claim, err := storage.EncodeRecord(claimDoc{RecordID: r.RecordID}, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(recordTypeClaim, key, 0, claim); err != nil {
			return err
		}
		stored, err := putRecord(tx, r, 0)
		if err != nil {
			return err
		}
		out, created = stored, true
		return nil
	})
	if errors.Is(err, storage.ErrCASFailed) {
		// Another writer claimed the pair between our read and our write.
		existing, ok, rerr := l.claimedRecord(key)
		if rerr != nil {
			return Record{}, false, rerr
		}
		if ok {
			return existing, false, nil
		}
	}
	if err != nil {
		return Record{}, false, storageFailure("create record", err)
	}
	return out, created, nil
}

func (l *Ledger) claimedRecord(key string) (Record, bool, error) {
	var (
		out Record
		ok  bool
	)
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		var err error
		out, ok, err = findClaimed(tx, key)
		return err
	})
	return out, ok, storageFailure("read claim", err)
}

func (l *Ledger) getRecord(recordID string) (Record, error) {
	env, err := l.repo.Get(l.bucket, recordTypeRecord, recordID)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
	}
	if err != nil {
		return Record{}, storageFailure("get record", err)
	}
	r, err := decodeRecord(env)
	return r, storageFailure("get record", err)
}

// snapshotRecords reads every record in one read transaction.
func (l *Ledger) snapshotRecords() ([]Record, error) {
	envs, err := l.repo.Scan(l.bucket, recordTypeRecord)
	if err != nil {
		return nil, storageFailure("snapshot records", err)
	}
	out := make([]Record, 0, len(envs))
	for _, env := range envs {
		r, err := decodeRecord(env)
		if err != nil {
			return nil, storageFailure("snapshot records", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// transition applies fn to the stored record. fn reports whether it changed
// the record; unchanged records are not rewritten.
func (l *Ledger) transition(recordID string, fn func(r *Record) (bool, error)) (out Record, changed bool, err error) {
	err = l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		env, err := tx.Get(recordTypeRecord, recordID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", recordID, ErrRecordNotFound)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(env)
		if err != nil {
			return err
		}
		before := rec.State
		changed, err = fn(&rec)
		if err != nil || !changed {
			out = rec
			return err
		}
		if out, err = putRecord(tx, rec, env.Version); err != nil {
			return err
		}
		if rec.State == StateRejected && before != StateRejected {
			return releaseClaim(tx, rec)
		}
		return nil
	})
	if err != nil {
		return Record{}, false, storageFailure("transition record", err)
	}
	return out, changed, nil
}

// transitionSnapshot applies fn to each record of snapshot inside a single
// batch. A record whose stored version moved since the snapshot was taken is
// skipped, so nothing written after the snapshot is affected.
func (l *Ledger) transitionSnapshot(snapshot []Record, fn func(r *Record) bool) ([]Record, error) {
	var changed []Record
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		changed = changed[:0]
		for _, snap := range snapshot {
			env, err := tx.Get(recordTypeRecord, snap.RecordID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if env.Version != snap.version {
				continue
			}
			rec, err := decodeRecord(env)
			if err != nil {
				return err
			}
			before := rec.State
			if !fn(&rec) {
				continue
			}
			stored, err := putRecord(tx, rec, env.Version)
			if err != nil {
				return err
			}
			if rec.State == StateRejected && before != StateRejected {
				if err := releaseClaim(tx, rec); err != nil {
					return err
				}
			}
			changed = append(changed, stored)
		}
		return nil
	})
	if err != nil {
		return nil, storageFailure("bulk transition", err)
	}
	return changed, nil
}

// deleteRecords removes the given records and their claims in one batch and
// returns how many records were actually deleted.
func (l *Ledger) deleteRecords(records []Record) (int, error) {
	deleted := 0
	err := l.repo.Batch(l.bucket, func(tx storage.BatchTx) error {
		deleted = 0
		for _, r := range records {
			err := tx.Delete(recordTypeRecord, r.RecordID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := releaseClaim(tx, r); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, storageFailure("delete records", err)
	}
	return deleted, nil
}
