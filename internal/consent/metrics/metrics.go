package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for consent operations.
type Metrics struct {
	ConsentsCaptured     *prometheus.CounterVec
	ConsentsConfirmed    prometheus.Counter
	OptOuts              *prometheus.CounterVec
	OptOutUndos          *prometheus.CounterVec
	TokenRejections      prometheus.Counter
	ConfirmationSends    prometheus.Counter
	ConfirmationFailures prometheus.Counter
	ValidConsentLatency  prometheus.Histogram
}

// New registers and returns consent metrics collectors.
func New() *Metrics {
	return &Metrics{
		ConsentsCaptured: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailconsent_consents_captured_total",
			Help: "Total number of consent records captured, labeled by initial state",
		}, []string{"state"}),
		ConsentsConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailconsent_consents_confirmed_total",
			Help: "Total number of consent records confirmed via emailed link",
		}),
		OptOuts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailconsent_optouts_total",
			Help: "Total number of opt-outs created, labeled by scope",
		}, []string{"scope"}),
		OptOutUndos: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mailconsent_optout_undos_total",
			Help: "Total number of opt-out undo operations, labeled by scope",
		}, []string{"scope"}),
		TokenRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailconsent_token_rejections_total",
			Help: "Total number of token-gated requests rejected as not found",
		}),
		ConfirmationSends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailconsent_confirmation_emails_sent_total",
			Help: "Total number of confirmation emails handed to the sender",
		}),
		ConfirmationFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mailconsent_confirmation_email_failures_total",
			Help: "Total number of confirmation emails the sender failed to deliver",
		}),
		ValidConsentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailconsent_valid_consent_query_latency_seconds",
			Help:    "Latency of the valid-consent set query in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncrementConsentsCaptured(state string) {
	m.ConsentsCaptured.WithLabelValues(state).Inc()
}

func (m *Metrics) IncrementConsentsConfirmed() {
	m.ConsentsConfirmed.Inc()
}

func (m *Metrics) IncrementOptOuts(scope string) {
	m.OptOuts.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncrementOptOutUndos(scope string) {
	m.OptOutUndos.WithLabelValues(scope).Inc()
}

func (m *Metrics) IncrementTokenRejections() {
	m.TokenRejections.Inc()
}

func (m *Metrics) IncrementConfirmationSends() {
	m.ConfirmationSends.Inc()
}

func (m *Metrics) IncrementConfirmationFailures() {
	m.ConfirmationFailures.Inc()
}

func (m *Metrics) ObserveValidConsentLatency(seconds float64) {
	m.ValidConsentLatency.Observe(seconds)
}
