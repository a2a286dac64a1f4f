package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	MessagesEnqueued  *prometheus.CounterVec
	MessagesProcessed *prometheus.CounterVec
	SendLatency       *prometheus.HistogramVec
	SessionStates     *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	PairingCodes      prometheus.Counter
	CreditsReserved   prometheus.Counter
	CreditsToppedUp   prometheus.Counter
	CreditsRefunded   prometheus.Counter
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			MessagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_enqueued_total",
				Help:      "Total messages accepted into the send queue.",
			}, []string{"transport"}),
			MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_processed_total",
				Help:      "Total queued messages resolved by the dispatch loop, by outcome.",
			}, []string{"outcome"}),
			SendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_send_duration_seconds",
				Help:      "Latency distribution for transport send calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			SessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total session state transitions by target state.",
			}, []string{"state"}),
			ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of sources with a live transport session.",
			}),
			PairingCodes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairing_codes_total",
				Help:      "Total pairing codes presented by the transport.",
			}),
			CreditsReserved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_reserved_total",
				Help:      "Total credits debited by admission control.",
			}),
			CreditsToppedUp: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_topped_up_total",
				Help:      "Total credits added to tenant balances.",
			}),
			CreditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_refunded_total",
				Help:      "Total credits returned for failed sends.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.MessagesEnqueued,
			metricsInstance.MessagesProcessed,
			metricsInstance.SendLatency,
			metricsInstance.SessionStates,
			metricsInstance.ActiveSessions,
			metricsInstance.PairingCodes,
			metricsInstance.CreditsReserved,
			metricsInstance.CreditsToppedUp,
			metricsInstance.CreditsRefunded,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
