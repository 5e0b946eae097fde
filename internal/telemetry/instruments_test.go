package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ins, err := NewInstruments(mp)
	require.NoError(t, err)

	ctx := context.Background()
	ins.Classification(ctx, "present", "")
	ins.Classification(ctx, "present", "")
	ins.Classification(ctx, "flagged", "expired")
	ins.Moderation(ctx, "clear", 7)
	ins.RateLimited(ctx)

	sums := collect(t, reader)

	redemptions := sums["rollcall.redemptions"]
	require.Len(t, redemptions.DataPoints, 2)
	for _, dp := range redemptions.DataPoints {
		state, _ := dp.Attributes.Value(attribute.Key("state"))
		switch state.AsString() {
		case "present":
			require.Equal(t, int64(2), dp.Value)
		case "flagged":
			require.Equal(t, int64(1), dp.Value)
			reason, ok := dp.Attributes.Value(attribute.Key("reason"))
			require.True(t, ok)
			require.Equal(t, "expired", reason.AsString())
		default:
			t.Fatalf("unexpected state %q", state.AsString())
		}
	}

	moderated := sums["rollcall.moderated_records"]
	require.Len(t, moderated.DataPoints, 1)
	require.Equal(t, int64(7), moderated.DataPoints[0].Value)

	require.Equal(t, int64(1), sums["rollcall.redemptions.rate_limited"].DataPoints[0].Value)
}

func TestNewProvidersWithoutEndpoint(t *testing.T) {
	p, err := NewProviders(context.Background(), "", "rollcall", false)
	require.NoError(t, err)
	require.NotNil(t, p.MeterProvider)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = NewProviders(context.Background(), "http://", "rollcall", false)
	require.Error(t, err)
}
