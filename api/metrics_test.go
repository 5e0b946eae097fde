package api

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

var flaggedAttrs = []slog.Attr{slog.String("state", "flagged")}

func TestFlaggedSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	// Override threshold for fast testing.
	collector.flagged.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditRedemption, flaggedAttrs)
	}
	// Present redemptions do not count.
	collector.recordEvent(AuditRedemption, []slog.Attr{slog.String("state", "present")})
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditRedemption, flaggedAttrs)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFlaggedSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
}

func TestBulkExportAndClearAlerts(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 3
	collector.clears.threshold = 2

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditAttendanceExported, nil)
	}
	collector.recordEvent(AuditAttendanceCleared, nil)
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditAttendanceExported, nil)
	collector.recordEvent(AuditAttendanceCleared, nil)
	alerts := rec.snapshot()
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertBulkExport, alerts[0].Type)
	assert.Equal(t, 3, alerts[0].Count)
	assert.Equal(t, AlertBulkClear, alerts[1].Type)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditRedemption, flaggedAttrs)
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditRedemption, flaggedAttrs)
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }
	collector.flagged.threshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditRedemption, flaggedAttrs)
	}

	now = now.Add(defaultFlaggedWindow + time.Second)

	// The old hits have slid out of the window.
	collector.recordEvent(AuditRedemption, flaggedAttrs)
	assert.Empty(t, rec.snapshot(), "old hits should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.exports.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditAttendanceExported, nil)
	}
	require.Len(t, rec.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditAttendanceExported, nil)
	}
	assert.Len(t, rec.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditAttendanceExported, nil)
	assert.Len(t, rec.snapshot(), 2, "second alert triggered")
}
