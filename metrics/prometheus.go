package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors on registry, or on the
// default registerer when registry is nil.
func NewPrometheusRecorder(registry prometheus.Registerer) *PrometheusRecorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		counters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "awesome402",
				Name:      "events_total",
				Help:      "Payment protocol events by type, network and outcome",
			},
			[]string{"type", "network", "outcome"},
		),
		histogram: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "awesome402",
				Name:      "latency_seconds",
				Help:      "Verify and settle latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation", "network"},
		),
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"type":    name,
		"network": labels["network"],
		"outcome": labels["outcome"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"network":   labels["network"],
	}).Observe(d.Seconds())
}
