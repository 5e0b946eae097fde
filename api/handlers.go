package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/rollcall/attendance"
)

func sessionResponse(s attendance.Session) SessionResponse {
	resp := SessionResponse{Session: s}
	if s.Status == attendance.StatusActive && s.CurrentWindow != nil {
		exp := s.CurrentWindow.ExpiresAt()
		resp.ExpiresAt = &exp
	}
	return resp
}

func windowResponse(w attendance.TokenWindow, status attendance.SessionStatus) WindowResponse {
	resp := WindowResponse{
		SessionID:      w.SessionID,
		TokenString:    w.TokenString,
		PIN:            w.PIN,
		SequenceNumber: w.SequenceNumber,
		IssuedAt:       w.IssuedAt,
	}
	if status == attendance.StatusActive {
		exp := w.ExpiresAt()
		resp.ExpiresAt = &exp
	}
	return resp
}

// StartSession handles POST /sessions.
func (a *API) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := a.svc.Sessions.StartSession(r.Context(), req.ClassID, req.IssuerID, req.RotationSeconds)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditSessionStarted, r, s.SessionID,
		slog.String("class_id", s.ClassID),
		slog.String("issuer_id", s.IssuerID),
		slog.Int("rotation_seconds", s.RotationSeconds),
	)
	writeJSON(w, http.StatusCreated, sessionResponse(s))
}

// ListSessions handles GET /sessions with optional class_id, limit and offset.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.Sessions.ListSessions(r.Context(), r.URL.Query().Get("class_id"))
	if err != nil {
		mapError(w, err)
		return
	}
	selected, meta := page(sessions, parsePage(r))
	out := make([]SessionResponse, 0, len(selected))
	for _, s := range selected {
		out = append(out, sessionResponse(s))
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out, PaginationMeta: meta})
}

// GetSession handles GET /sessions/{sessionID}.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.Sessions.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(s))
}

// GetWindow handles GET /sessions/{sessionID}/window.
func (a *API) GetWindow(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.Sessions.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	if s.CurrentWindow == nil {
		mapError(w, attendance.ErrSessionEnded)
		return
	}
	writeJSON(w, http.StatusOK, windowResponse(*s.CurrentWindow, s.Status))
}

// RotateNow handles POST /sessions/{sessionID}/rotate.
func (a *API) RotateNow(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	win, err := a.svc.Sessions.RotateNow(r.Context(), sessionID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditSessionRotated, r, sessionID,
		slog.Uint64("sequence_number", win.SequenceNumber))
	writeJSON(w, http.StatusOK, windowResponse(win, attendance.StatusActive))
}

// PauseSession handles POST /sessions/{sessionID}/pause.
func (a *API) PauseSession(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, AuditSessionPaused, a.svc.Sessions.Pause)
}

// ResumeSession handles POST /sessions/{sessionID}/resume.
func (a *API) ResumeSession(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, AuditSessionResumed, a.svc.Sessions.Resume)
}

// EndSession handles POST /sessions/{sessionID}/end.
func (a *API) EndSession(w http.ResponseWriter, r *http.Request) {
	a.lifecycle(w, r, AuditSessionEnded, a.svc.Sessions.EndSession)
}

func (a *API) lifecycle(w http.ResponseWriter, r *http.Request, event AuditEvent, op func(ctx context.Context, sessionID string) (attendance.Session, error)) {
	sessionID := chi.URLParam(r, "sessionID")
	s, err := op(r.Context(), sessionID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(event, r, sessionID, slog.String("status", string(s.Status)))
	writeJSON(w, http.StatusOK, sessionResponse(s))
}

// BulkApprove handles POST /sessions/{sessionID}/approve.
func (a *API) BulkApprove(w http.ResponseWriter, r *http.Request) {
	a.bulk(w, r, AuditBulkApproved, a.svc.Moderation.BulkApprove)
}

// BulkReject handles POST /sessions/{sessionID}/reject.
func (a *API) BulkReject(w http.ResponseWriter, r *http.Request) {
	a.bulk(w, r, AuditBulkRejected, a.svc.Moderation.BulkReject)
}

func (a *API) bulk(w http.ResponseWriter, r *http.Request, event AuditEvent, op func(ctx context.Context, sessionID string, state attendance.State) (int, error)) {
	var req BulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	n, err := op(r.Context(), sessionID, req.State)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(event, r, sessionID,
		slog.String("state", string(req.State)),
		slog.Int("count", n),
	)
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

// EnrollParticipant handles POST /participants. Enrollment is an upsert.
func (a *API) EnrollParticipant(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := a.svc.Roster.Enroll(r.Context(), req.ParticipantID, req.DisplayName, req.DeviceHash)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditParticipantEnrolled, r,
		slog.String("participant_id", p.ParticipantID),
		slog.Bool("device_bound", p.DeviceHash != ""),
	)
	writeJSON(w, http.StatusOK, p)
}

// Redeem handles POST /redemptions. Every classification, flagged included,
// is a 200; only unknown tokens count toward the participant's backoff.
func (a *API) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ParticipantID != "" {
		if blocked, wait := a.rateLimiter.check(req.ParticipantID); blocked {
			a.audit.log(AuditRedemptionRateLimited, r, slog.String("participant_id", req.ParticipantID))
			if a.limited != nil {
				a.limited.RateLimited(r.Context())
			}
			writeRateLimited(w, wait)
			return
		}
	}

	var clientTS time.Time
	if req.ClientTimestamp != nil {
		clientTS = *req.ClientTimestamp
	}
	res, err := a.svc.Pipeline.Verify(r.Context(), attendance.Redemption{
		ParticipantID:   req.ParticipantID,
		TokenString:     req.TokenString,
		SessionID:       req.SessionID,
		PIN:             req.PIN,
		Signature:       req.Signature,
		ClientTimestamp: clientTS,
		DeviceHash:      req.DeviceHash,
		AuthMethod:      req.AuthMethod,
	})
	if err != nil {
		if errors.Is(err, attendance.ErrUnknownToken) {
			a.rateLimiter.recordFailure(req.ParticipantID)
		}
		mapError(w, err)
		return
	}
	a.rateLimiter.recordSuccess(req.ParticipantID)

	a.audit.log(AuditRedemption, r,
		slog.String("record_id", res.Record.RecordID),
		slog.String("participant_id", res.Record.ParticipantID),
		slog.String("session_id", res.Record.SessionID),
		slog.String("state", string(res.Record.State)),
		slog.String("reason", string(res.Record.Reason)),
		slog.Bool("duplicate", res.Duplicate),
	)
	writeJSON(w, http.StatusOK, RedeemResponse{Record: res.Record, Duplicate: res.Duplicate})
}

// ApproveRecord handles POST /records/{recordID}/approve.
func (a *API) ApproveRecord(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, AuditRecordApproved, a.svc.Moderation.Approve)
}

// RejectRecord handles POST /records/{recordID}/reject.
func (a *API) RejectRecord(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, AuditRecordRejected, a.svc.Moderation.Reject)
}

func (a *API) decide(w http.ResponseWriter, r *http.Request, event AuditEvent, op func(ctx context.Context, recordID string) (attendance.Record, error)) {
	rec, err := op(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logRecord(event, r, rec.RecordID, rec.ParticipantID, string(rec.State))
	writeJSON(w, http.StatusOK, rec)
}
