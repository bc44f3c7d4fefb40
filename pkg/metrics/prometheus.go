package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var eventLabels = []string{"name", "modality", "outcome", "component", "provider"}

// PrometheusObserver exports events as counters and latency events
// (names ending in "_ms") as histograms.
type PrometheusObserver struct {
	events  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusObserver registers its collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "kamishibai"
	}
	o := &PrometheusObserver{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by name.",
		}, eventLabels),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_ms",
			Help:      "Upstream call latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"name", "provider"}),
	}
	if reg != nil {
		if err := reg.Register(o.events); err != nil {
			return nil, err
		}
		if err := reg.Register(o.latency); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	if strings.HasSuffix(ev.Name, "_ms") {
		o.latency.WithLabelValues(ev.Name, ev.Tags["provider"]).Observe(ev.Value)
		return
	}
	value := ev.Value
	if value <= 0 {
		value = 1
	}
	o.events.WithLabelValues(
		ev.Name,
		ev.Tags["modality"],
		ev.Tags["outcome"],
		ev.Tags["component"],
		ev.Tags["provider"],
	).Add(value)
}

// Collectors exposes the underlying collectors, mainly for tests.
func (o *PrometheusObserver) Collectors() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	return o.events, o.latency
}
