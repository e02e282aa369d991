package api

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertSignInFailureSpike AlertType = "sign_in_failure_spike"
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

// Gatekeeper decision labels.
const (
	decisionAllowed   = "allowed"
	decisionPublic    = "public"
	decisionMissing   = "missing_token"
	decisionInvalid   = "invalid_token"
	decisionForbidden = "forbidden"
)

// metricsCollector exports prometheus counters and tracks a sliding window
// of sign-in failures for the spike alert.
type metricsCollector struct {
	mu sync.Mutex

	signInFailures  []time.Time
	signInWindow    time.Duration
	signInThreshold int
	alertFn         AlertFunc
	now             func() time.Time

	decisions *prometheus.CounterVec
	signIns   *prometheus.CounterVec
}

const (
	defaultSignInFailureWindow    = 1 * time.Minute
	defaultSignInFailureThreshold = 50
)

func newMetricsCollector(alertFn AlertFunc, reg prometheus.Registerer) *metricsCollector {
	return &metricsCollector{
		signInWindow:    defaultSignInFailureWindow,
		signInThreshold: defaultSignInFailureThreshold,
		alertFn:         alertFn,
		now:             time.Now,
		decisions: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizadmin",
			Name:      "gatekeeper_decisions_total",
			Help:      "Requests seen by the gatekeeper, by decision.",
		}, []string{"decision"})),
		signIns: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizadmin",
			Name:      "sign_ins_total",
			Help:      "Sign-in attempts, by outcome.",
		}, []string{"outcome"})),
	}
}

// registerCounterVec registers c, reusing an identical collector if one is
// already registered.
func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metricsCollector) gate(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	switch event {
	case AuditSignInSuccess:
		m.signIns.WithLabelValues("success").Inc()
	case AuditSignInFailure:
		m.signIns.WithLabelValues("failure").Inc()
		m.recordSignInFailure()
	case AuditSignInRateLimited:
		m.signIns.WithLabelValues("rate_limited").Inc()
	}
}

func (m *metricsCollector) recordSignInFailure() {
	if m.alertFn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.signInFailures = append(m.signInFailures, now)
	m.signInFailures = trimWindow(m.signInFailures, now, m.signInWindow)

	if len(m.signInFailures) >= m.signInThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertSignInFailureSpike,
			Message:   "sign-in failure rate exceeds threshold",
			Count:     len(m.signInFailures),
			Threshold: m.signInThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.signInFailures = m.signInFailures[:0]
	}
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
