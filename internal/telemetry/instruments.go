package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jmcleod/rollcall"

// Instruments records attendance activity.
type Instruments struct {
	classifications metric.Int64Counter
	moderations     metric.Int64Counter
	rateLimited     metric.Int64Counter
}

// NewInstruments creates the counters on mp.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	m := mp.Meter(meterName)
	classifications, err := m.Int64Counter("rollcall.redemptions",
		metric.WithDescription("Redemptions recorded, by classification"),
		metric.WithUnit("{redemption}"))
	if err != nil {
		return nil, err
	}
	moderations, err := m.Int64Counter("rollcall.moderated_records",
		metric.WithDescription("Records affected by moderation, clears and exports, by action"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, err
	}
	rateLimited, err := m.Int64Counter("rollcall.redemptions.rate_limited",
		metric.WithDescription("Redemptions refused by the unknown-token rate limiter"),
		metric.WithUnit("{redemption}"))
	if err != nil {
		return nil, err
	}
	return &Instruments{
		classifications: classifications,
		moderations:     moderations,
		rateLimited:     rateLimited,
	}, nil
}

func (i *Instruments) Classification(ctx context.Context, state, reason string) {
	attrs := []attribute.KeyValue{attribute.String("state", state)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	i.classifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (i *Instruments) Moderation(ctx context.Context, action string, count int) {
	i.moderations.Add(ctx, int64(count), metric.WithAttributes(attribute.String("action", action)))
}

func (i *Instruments) RateLimited(ctx context.Context) {
	i.rateLimited.Add(ctx, 1)
}
