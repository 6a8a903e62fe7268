// Package metrics provides Prometheus instrumentation for the Flow
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowlimit-go/flowlimit"
)

// CollectorOption configures a FlowCollector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry sets the Prometheus registerer metrics are registered
// against. Default: prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets overrides the wait-time histogram's bucket boundaries.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// FlowCollector implements flowlimit.Observer, recording admission
// decisions, wait latency, and point-in-time accounting state for every
// flow in a Registry.
//
//	collector := metrics.NewFlowCollector()
//	registry.SetObserver(collector)
type FlowCollector struct {
	admitted *prometheus.CounterVec
	rejected *prometheus.CounterVec
	waitTime *prometheus.HistogramVec
	tokens   *prometheus.GaugeVec
	allowed  *prometheus.GaugeVec
	version  *prometheus.GaugeVec
}

// NewFlowCollector creates a FlowCollector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_flow_admitted_units_total   counter (flow)
//   - {namespace}_flow_rejected_units_total   counter (flow, reason)
//   - {namespace}_flow_wait_seconds           histogram (flow)
//   - {namespace}_flow_tokens                 gauge (flow)
//   - {namespace}_flow_allowed                gauge (flow)
//   - {namespace}_flow_version                gauge (flow)
func NewFlowCollector(opts ...CollectorOption) *FlowCollector {
	cfg := &collectorConfig{
		namespace: "flowlimit",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	admitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_admitted_units_total",
		Help:      "Total units admitted per flow.",
	}, []string{"flow"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_rejected_units_total",
		Help:      "Total units rejected per flow, by reason.",
	}, []string{"flow", "reason"})

	waitTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_wait_seconds",
		Help:      "Time a Take call spent blocked on a flow's waiter gate.",
		Buckets:   cfg.buckets,
	}, []string{"flow"})

	tokens := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_tokens",
		Help:      "Tokens remaining in the flow's bucket as of the last interval reset.",
	}, []string{"flow"})

	allowed := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_allowed",
		Help:      "Units admitted during the interval that just ended.",
	}, []string{"flow"})

	version := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "flow_version",
		Help:      "Current generation counter of the flow.",
	}, []string{"flow"})

	cfg.registry.MustRegister(admitted, rejected, waitTime, tokens, allowed, version)

	return &FlowCollector{
		admitted: admitted,
		rejected: rejected,
		waitTime: waitTime,
		tokens:   tokens,
		allowed:  allowed,
		version:  version,
	}
}

var _ flowlimit.Observer = (*FlowCollector)(nil)

func (c *FlowCollector) OnAdmit(flow string, n int64) {
	c.admitted.WithLabelValues(flow).Add(float64(n))
}

func (c *FlowCollector) OnReject(flow string, n int64, reason flowlimit.RejectReason) {
	c.rejected.WithLabelValues(flow, string(reason)).Add(float64(n))
}

func (c *FlowCollector) OnWait(flow string, d time.Duration) {
	c.waitTime.WithLabelValues(flow).Observe(d.Seconds())
}

func (c *FlowCollector) OnInterval(flow string, tokens, allowed int64, version uint32) {
	c.tokens.WithLabelValues(flow).Set(float64(tokens))
	c.allowed.WithLabelValues(flow).Set(float64(allowed))
	c.version.WithLabelValues(flow).Set(float64(version))
}
