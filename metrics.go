package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// clientMetrics holds the collectors of one client. A nil *clientMetrics records
// nothing, so components can be used standalone.
type clientMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	refreshesTotal  *prometheus.CounterVec
	logoutsTotal    prometheus.Counter
	trustDecisions  *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	factory := promauto.With(reg)

	return &clientMetrics{
		// requestsTotal tracks logical requests by terminal outcome
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbx_client_requests_total",
				Help: "Total number of logical API requests by outcome",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orbx_client_request_duration_seconds",
				Help:    "Logical API request duration in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbx_client_retries_total",
				Help: "Total number of automatic retries by failure kind",
			},
			[]string{"kind"},
		),
		refreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbx_client_token_refreshes_total",
				Help: "Total number of token refresh outcomes",
			},
			[]string{"result"},
		),
		logoutsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orbx_client_session_logouts_total",
				Help: "Total number of sessions ended by the client",
			},
		),
		trustDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orbx_client_trust_decisions_total",
				Help: "Total number of certificate trust decisions",
			},
			[]string{"verdict", "reason"},
		),
	}
}

func (m *clientMetrics) request(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(seconds)
}

func (m *clientMetrics) retry(kind ErrorKind) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *clientMetrics) tokenRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshesTotal.WithLabelValues(result).Inc()
}

func (m *clientMetrics) logout() {
	if m == nil {
		return
	}
	m.logoutsTotal.Inc()
}

func (m *clientMetrics) trustDecision(v Verdict, reason string) {
	if m == nil {
		return
	}
	m.trustDecisions.WithLabelValues(v.String(), reason).Inc()
}
