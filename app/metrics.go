package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	analysesCompleted prometheus.Counter
	analysesFailed    *prometheus.CounterVec
	quotaRejections   prometheus.Counter
	webhookEvents     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		analysesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "leakdetector_analyses_completed_total",
			Help: "Analyses that produced a report.",
		}),
		analysesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leakdetector_analyses_failed_total",
			Help: "Analyses that ended in a terminal failure, by error code.",
		}, []string{"code"}),
		quotaRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "leakdetector_quota_rejections_total",
			Help: "Analysis submissions rejected for exhausted quota.",
		}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "leakdetector_webhook_events_total",
			Help: "Stripe webhook deliveries by event kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) AnalysisCompleted() {
	if m != nil {
		m.analysesCompleted.Inc()
	}
}

func (m *Metrics) AnalysisFailed(code string) {
	if m != nil {
		m.analysesFailed.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) QuotaRejected() {
	if m != nil {
		m.quotaRejections.Inc()
	}
}

func (m *Metrics) WebhookEvent(kind, outcome string) {
	if m != nil {
		m.webhookEvents.WithLabelValues(kind, outcome).Inc()
	}
}
