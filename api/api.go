package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/rollcall/attendance"
	"github.com/jmcleod/rollcall/events"
)

// RateLimitRecorder counts redemptions refused by the rate limiter.
type RateLimitRecorder interface {
	RateLimited(ctx context.Context)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc         *attendance.Service
	hub         *events.Hub
	rateLimiter *redemptionRateLimiter
	audit       *auditLogger
	metrics     *metricsCollector
	limited     RateLimitRecorder
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback for flagged-redemption spikes and bulk
// export or clear activity.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.metrics = newMetricsCollector(fn)
	}
}

// WithHub enables the /feed/stream server-sent events endpoint.
func WithHub(hub *events.Hub) Option {
	return func(a *API) {
		a.hub = hub
	}
}

// WithRateLimitRecorder counts redemptions refused by the rate limiter.
func WithRateLimitRecorder(rec RateLimitRecorder) Option {
	return func(a *API) {
		a.limited = rec
	}
}

// New creates a new API instance.
func New(svc *attendance.Service, opts ...Option) *API {
	a := &API{
		svc:         svc,
		rateLimiter: newRedemptionRateLimiter(time.Now),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.metrics = a.metrics
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/sessions", a.StartSession)
	r.Get("/sessions", a.ListSessions)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", a.GetSession)
		r.Get("/window", a.GetWindow)
		r.Post("/rotate", a.RotateNow)
		r.Post("/pause", a.PauseSession)
		r.Post("/resume", a.ResumeSession)
		r.Post("/end", a.EndSession)
		r.Post("/approve", a.BulkApprove)
		r.Post("/reject", a.BulkReject)
	})

	r.Post("/participants", a.EnrollParticipant)
	r.Post("/redemptions", a.Redeem)

	r.Post("/records/{recordID}/approve", a.ApproveRecord)
	r.Post("/records/{recordID}/reject", a.RejectRecord)

	r.Get("/feed", a.GetFeed)
	r.Get("/feed/stream", a.StreamFeed)

	r.Get("/export", a.ExportAttendance)
	r.Post("/clear", a.ClearAttendance)
	r.Post("/export-and-clear", a.ExportAndClear)

	return r
}

// SweepLoop discards expired rate-limit state every interval until ctx is done.
func (a *API) SweepLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.rateLimiter.sweep()
		}
	}
}
