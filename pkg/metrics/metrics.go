// Package metrics holds the Prometheus collectors exported by nestsync.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the sync core collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	SessionsStarted    prometheus.Counter
	SessionsStopped    prometheus.Counter
	GuardRejections    *prometheus.CounterVec
	VisibilityFailures *prometheus.CounterVec
	ReconcileInserts   *prometheus.CounterVec
	SharesMigrated     prometheus.Counter
	RealtimeEvents     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "sessions_started_total",
			Help:      "Sleep sessions started through the guard.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "sessions_stopped_total",
			Help:      "Sleep sessions stopped through the guard.",
		}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "guard_rejections_total",
			Help:      "Start/stop calls rejected by the active session guard.",
		}, []string{"reason"}),
		VisibilityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "visibility_shape_failures_total",
			Help:      "Visibility query shapes that failed and contributed no rows.",
		}, []string{"shape"}),
		ReconcileInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "reconcile_inserts_total",
			Help:      "Sessions copied by the reconciler.",
		}, []string{"result"}),
		SharesMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "legacy_shares_migrated_total",
			Help:      "Share rows created from the legacy shared_with_user_id column.",
		}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nestsync",
			Name:      "realtime_events_total",
			Help:      "Change events delivered to subscribers.",
		}, []string{"origin"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsStarted,
			m.SessionsStopped,
			m.GuardRejections,
			m.VisibilityFailures,
			m.ReconcileInserts,
			m.SharesMigrated,
			m.RealtimeEvents,
		)
	}
	return m
}

// IncGuardRejection counts a rejected guard call.
func (m *Metrics) IncGuardRejection(reason string) {
	if m == nil {
		return
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

// IncStarted counts a started session.
func (m *Metrics) IncStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// IncStopped counts a stopped session.
func (m *Metrics) IncStopped() {
	if m == nil {
		return
	}
	m.SessionsStopped.Inc()
}

// IncVisibilityFailure counts a failed visibility shape.
func (m *Metrics) IncVisibilityFailure(shape string) {
	if m == nil {
		return
	}
	m.VisibilityFailures.WithLabelValues(shape).Inc()
}

// AddReconcile counts reconciler copies by result ("inserted" or "failed").
func (m *Metrics) AddReconcile(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconcileInserts.WithLabelValues(result).Add(float64(n))
}

// AddSharesMigrated counts migrated share rows.
func (m *Metrics) AddSharesMigrated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SharesMigrated.Add(float64(n))
}

// IncRealtimeEvent counts a delivered change event.
func (m *Metrics) IncRealtimeEvent(origin string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(origin).Inc()
}
