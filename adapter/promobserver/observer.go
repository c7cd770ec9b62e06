// Package promobserver exports xcqrs bus events as Prometheus metrics.
package promobserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trickstertwo/xcqrs"
)

// Observer is an xcqrs.Observer that counts lifecycle events and records their
// durations. Labels are bounded by the registered message names.
type Observer struct {
	Events   *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

var _ xcqrs.Observer = (*Observer)(nil)

// New registers the bus metrics on reg under namespace (default "xcqrs").
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func New(reg prometheus.Registerer, namespace string) *Observer {
	if namespace == "" {
		namespace = "xcqrs"
	}
	f := promauto.With(reg)
	return &Observer{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Bus lifecycle events by type, message kind and name",
		}, []string{"type", "kind", "name"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Bus lifecycle events carrying an error, by type and message kind",
		}, []string{"type", "kind"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "duration_seconds",
			Help:      "Duration of dispatches, policies, projections and sends",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type", "kind"}),
	}
}

// OnEvent implements xcqrs.Observer.
func (o *Observer) OnEvent(e xcqrs.Event) {
	kind := kindLabel(e.Kind)
	o.Events.WithLabelValues(string(e.Type), kind, e.Name).Inc()
	if e.Err != nil {
		o.Failures.WithLabelValues(string(e.Type), kind).Inc()
	}
	if e.Duration > 0 {
		o.Duration.WithLabelValues(string(e.Type), kind).Observe(e.Duration.Seconds())
	}
}

func kindLabel(k xcqrs.Kind) string {
	if k == 0 {
		return "none"
	}
	return k.String()
}

// RegisterGauges exposes the bus's mailbox depth, observer drops and average
// dispatch time as gauges sampled at scrape time.
func RegisterGauges(reg prometheus.Registerer, namespace string, bus *xcqrs.Bus) {
	if namespace == "" {
		namespace = "xcqrs"
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mailbox_depth",
		Help:      "Batches waiting in the bus mailbox",
	}, func() float64 { return float64(bus.GetMetrics().MailboxDepth) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observer_dropped",
		Help:      "Observer events dropped because the pool buffer was full",
	}, func() float64 { return float64(bus.GetMetrics().ObserverDropped) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_avg_ms",
		Help:      "Moving average of dispatch processing time in milliseconds",
	}, func() float64 { return bus.GetMetrics().AvgProcessingTimeMs })
}
