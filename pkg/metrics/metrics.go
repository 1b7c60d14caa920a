// Package metrics exposes Prometheus counters for webhook handling and
// notification delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookrelay"

// Metrics holds the relay's collectors and the registry they live in.
type Metrics struct {
	WebhooksTotal        *prometheus.CounterVec
	VerdictsTotal        *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	DeliveryDurationSecs prometheus.Histogram
	WatchClients         prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook requests by response status code",
		}, []string{"status"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Classified payloads by outcome (relayed or skip reason)",
		}, []string{"outcome"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notification sends by result",
		}, []string{"result"}),
		DeliveryDurationSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single notification send in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		WatchClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watch_clients",
			Help:      "Connected live feed clients",
		}),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.WebhooksTotal,
		m.VerdictsTotal,
		m.DeliveriesTotal,
		m.DeliveryDurationSecs,
		m.WatchClients,
	)
	return m
}

// RecordWebhook counts a webhook response.
func (m *Metrics) RecordWebhook(status int) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(http.StatusText(status)).Inc()
}

// RecordVerdict counts a classification outcome. An empty outcome means
// the payload was relayed.
func (m *Metrics) RecordVerdict(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "relayed"
	}
	m.VerdictsTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery records one send attempt.
func (m *Metrics) RecordDelivery(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.DeliveryDurationSecs.Observe(duration.Seconds())
	if err != nil {
		m.DeliveriesTotal.WithLabelValues("failure").Inc()
		return
	}
	m.DeliveriesTotal.WithLabelValues("success").Inc()
}

// WatchClientConnected adjusts the live feed client gauge by delta.
func (m *Metrics) WatchClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WatchClients.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
