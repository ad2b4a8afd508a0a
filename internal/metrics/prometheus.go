// Package metrics provides Prometheus metrics for the dentalnotes server.
package metrics

import (
	"fmt"

	"github.com/MacJediWizard/dentalnotes/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dentalnotes"

// PrometheusMetrics holds the server's Prometheus collectors.
type PrometheusMetrics struct {
	GateDecisions   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	ReconcileRuns   *prometheus.CounterVec
	ReconcileResets prometheus.Counter
	LicenseGauge    *prometheus.GaugeVec
	NotesUsedGauge  *prometheus.GaugeVec
	NoteDuration    *prometheus.HistogramVec
	VendorErrors    *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Access gate decisions by outcome.",
		}, []string{"outcome"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"scope"}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Billing cycle reconciliation sweeps by result.",
		}, []string{"result"}),
		ReconcileResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_licenses_reset_total",
			Help:      "Licenses whose usage was reset by reconciliation.",
		}),
		LicenseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_licenses",
			Help:      "Active licenses by plan.",
		}, []string{"plan"}),
		NotesUsedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notes_used",
			Help:      "Notes used in the current cycle across active licenses, by plan.",
		}, []string{"plan"}),
		NoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "note_generation_duration_seconds",
			Help:      "Time to produce a note, by input source.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"source"}),
		VendorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_errors_total",
			Help:      "Failed calls to transcription and note generation vendors.",
		}, []string{"vendor"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook events by type and result.",
		}, []string{"type", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.GateDecisions, m.RateLimited, m.ReconcileRuns, m.ReconcileResets,
		m.LicenseGauge, m.NotesUsedGauge, m.NoteDuration, m.VendorErrors, m.WebhookEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// RecordGateDecision counts one access gate outcome.
func (m *PrometheusMetrics) RecordGateDecision(outcome string) {
	m.GateDecisions.WithLabelValues(outcome).Inc()
}

// RecordRateLimited counts a rejected request for a limiter scope.
func (m *PrometheusMetrics) RecordRateLimited(scope string) {
	m.RateLimited.WithLabelValues(scope).Inc()
}

// RecordReconcile records the outcome of a reconciliation sweep.
func (m *PrometheusMetrics) RecordReconcile(reset, failed int) {
	result := "success"
	if failed > 0 {
		result = "partial"
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileResets.Add(float64(reset))
}

// SetUsage publishes a usage rollup as gauges.
func (m *PrometheusMetrics) SetUsage(stats *models.UsageStats) {
	if stats == nil {
		return
	}
	for plan, usage := range stats.PlanBreakdown {
		m.LicenseGauge.WithLabelValues(string(plan)).Set(float64(usage.Users))
		m.NotesUsedGauge.WithLabelValues(string(plan)).Set(float64(usage.NotesUsed))
	}
}

// ObserveNoteDuration records how long one note took to produce.
func (m *PrometheusMetrics) ObserveNoteDuration(source string, seconds float64) {
	m.NoteDuration.WithLabelValues(source).Observe(seconds)
}

// RecordVendorError counts a failed vendor call.
func (m *PrometheusMetrics) RecordVendorError(vendor string) {
	m.VendorErrors.WithLabelValues(vendor).Inc()
}

// RecordWebhookEvent counts a processed webhook event.
func (m *PrometheusMetrics) RecordWebhookEvent(eventType, result string) {
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}
