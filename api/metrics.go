package api

import (
	"log/slog"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertFlaggedSpike AlertType = "flagged_redemption_spike"
	AlertBulkExport   AlertType = "bulk_export"
	AlertBulkClear    AlertType = "bulk_clear"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts occurrences inside a trailing time window.
type slidingCounter struct {
	hits      []time.Time
	window    time.Duration
	threshold int
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	flagged slidingCounter
	exports slidingCounter
	clears  slidingCounter

	now     func() time.Time
	alertFn AlertFunc
}

const (
	defaultFlaggedWindow    = 1 * time.Minute
	defaultFlaggedThreshold = 20
	defaultExportWindow     = 5 * time.Minute
	defaultExportThreshold  = 10
	defaultClearWindow      = 5 * time.Minute
	defaultClearThreshold   = 5
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		flagged: slidingCounter{window: defaultFlaggedWindow, threshold: defaultFlaggedThreshold},
		exports: slidingCounter{window: defaultExportWindow, threshold: defaultExportThreshold},
		clears:  slidingCounter{window: defaultClearWindow, threshold: defaultClearThreshold},
		now:     time.Now,
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent, attrs []slog.Attr) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditRedemption:
		if attrValue(attrs, "state") == "flagged" {
			m.record(&m.flagged, AlertFlaggedSpike, "flagged redemption rate exceeds threshold")
		}
	case AuditAttendanceExported:
		m.record(&m.exports, AlertBulkExport, "attendance export rate exceeds threshold")
	case AuditAttendanceCleared:
		m.record(&m.clears, AlertBulkClear, "attendance clear rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c.hits = append(c.hits, now)
	c.hits = trimWindow(c.hits, now, c.window)

	if len(c.hits) >= c.threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(c.hits),
			Threshold: c.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		c.hits = c.hits[:0]
	}
}

func attrValue(attrs []slog.Attr, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value.String()
		}
	}
	return ""
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
