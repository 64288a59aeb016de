package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "labelspool"

// Metrics holds the delivery instruments. Register once with New and pass
// Hooks() into the queue options.
type Metrics struct {
	Delivered       *prometheus.CounterVec
	DeadLettered    *prometheus.CounterVec
	Retried         *prometheus.CounterVec
	DeliveryLatency *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	Paused          *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_delivered_total",
			Help:      "Print jobs acknowledged by the bridge.",
		}, []string{"printer"}),

		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_dead_lettered_total",
			Help:      "Print jobs moved to the dead-letter store.",
		}, []string{"printer"}),

		Retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_retries_total",
			Help:      "Failed delivery attempts that were scheduled for retry.",
		}, []string{"printer"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_seconds",
			Help:      "Time from send to bridge acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"printer"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for delivery, including the one in flight.",
		}, []string{"printer"}),

		Paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_paused",
			Help:      "1 while the printer queue is paused.",
		}, []string{"printer"}),
	}

	reg.MustRegister(
		m.Delivered,
		m.DeadLettered,
		m.Retried,
		m.DeliveryLatency,
		m.QueueDepth,
		m.Paused,
	)
	return m
}

// Hooks returns queue hooks that record into m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnDelivered: func(printer string, _ PrintJob, latency time.Duration) {
			m.Delivered.WithLabelValues(printer).Inc()
			m.DeliveryLatency.WithLabelValues(printer).Observe(latency.Seconds())
		},
		OnRetry: func(printer string, _ PrintJob, _ error, _ time.Duration) {
			m.Retried.WithLabelValues(printer).Inc()
		},
		OnDeadLettered: func(printer string, entry DeadLetterEntry) {
			m.DeadLettered.WithLabelValues(printer).Add(float64(len(entry.Jobs)))
		},
		OnDepth: func(printer string, depth int) {
			m.QueueDepth.WithLabelValues(printer).Set(float64(depth))
		},
		OnPause: func(printer string, paused bool) {
			v := 0.0
			if paused {
				v = 1
			}
			m.Paused.WithLabelValues(printer).Set(v)
		},
	}
}
