package attendance

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/rollcall/events"
	"github.com/jmcleod/rollcall/internal/uuid"
)

const (
	// DefaultGrace is how long a superseded window is still honoured as pending.
	DefaultGrace = 5 * time.Second
	// DefaultClearSuppression is how long the feed hides records a clear removed.
	DefaultClearSuppression = 1500 * time.Millisecond
)

// Metrics receives attendance counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Classification(ctx context.Context, state, reason string)
	Moderation(ctx context.Context, action string, count int)
}

type nopMetrics struct{}

func (nopMetrics) Classification(context.Context, string, string) {}
func (nopMetrics) Moderation(context.Context, string, int)        {}

type nopSink struct{}

func (nopSink) Emit(events.Event) {}

type options struct {
	now              func() time.Time
	newID            func() string
	grace            time.Duration
	clearSuppression time.Duration
	bucket           string
	retention        int
	pinDigits        int
	sink             events.Sink
	metrics          Metrics
	logger           *slog.Logger
	guard            SequenceGuard
	verifier         SignatureVerifier
}

// Option configures the attendance components.
type Option func(*options)

func buildOptions(opts []Option) options {
	o := options{
		now:              time.Now,
		newID:            uuid.New,
		grace:            DefaultGrace,
		clearSuppression: DefaultClearSuppression,
		bucket:           DefaultBucket,
		retention:        DefaultWindowRetention,
		pinDigits:        DefaultPINDigits,
		sink:             nopSink{},
		metrics:          nopMetrics{},
		logger:           slog.Default(),
		verifier:         FormatVerifier{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.guard == nil {
		o.guard = NewMemorySequenceGuard()
	}
	return o
}

// WithNow sets the clock used for issue, receipt and decision times.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator sets the generator for session and record IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithGrace sets the grace period for the window immediately preceding the
// current one. Zero disables it.
func WithGrace(d time.Duration) Option {
	return func(o *options) {
		o.grace = max(d, 0)
	}
}

// WithClearSuppression sets how long the feed hides records older than a clear.
func WithClearSuppression(d time.Duration) Option {
	return func(o *options) {
		o.clearSuppression = max(d, 0)
	}
}

// WithBucket sets the storage bucket that holds every ledger record.
func WithBucket(bucket string) Option {
	return func(o *options) {
		if bucket != "" {
			o.bucket = bucket
		}
	}
}

// WithWindowRetention sets how many token windows are kept per session.
// Values below 2 are raised to 2 so the grace window is always resolvable.
func WithWindowRetention(n int) Option {
	return func(o *options) {
		o.retention = max(n, minWindowRetention)
	}
}

// WithPINDigits sets the length of issued PINs (4 to 6).
func WithPINDigits(n int) Option {
	return func(o *options) {
		o.pinDigits = n
	}
}

// WithEventSink sets where ledger-change events are emitted.
func WithEventSink(sink events.Sink) Option {
	return func(o *options) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger used for background rotation failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSequenceGuard sets the rollback guard for window sequence numbers.
func WithSequenceGuard(g SequenceGuard) Option {
	return func(o *options) {
		o.guard = g
	}
}

// WithSignatureVerifier replaces the default signature check.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(o *options) {
		if v != nil {
			o.verifier = v
		}
	}
}
