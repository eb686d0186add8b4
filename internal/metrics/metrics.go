// Package metrics exposes Prometheus collectors for the delivery pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quicky"

// Collector owns a registry and the pipeline's collectors.
type Collector struct {
	registry *prometheus.Registry

	admissions      *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	broadcasts      prometheus.Counter
	deliveries      prometheus.Counter
	published       prometheus.Counter
	publishFailures prometheus.Counter
	consumed        *prometheus.CounterVec
}

// NewCollector registers the pipeline collectors on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_requests_total",
			Help:      "Requests seen by the admission controller, by result.",
		}, []string{"result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Read cache lookups, by result.",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_broadcasts_total",
			Help:      "Messages broadcast to a realtime room.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_deliveries_total",
			Help:      "Realtime events emitted to individual connections.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Chat message events appended to the durable log.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failures_total",
			Help:      "Chat message events that could not be appended.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Durable log records handled by the consumer, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.admissions,
		c.cacheLookups,
		c.broadcasts,
		c.deliveries,
		c.published,
		c.publishFailures,
		c.consumed,
	)
	return c
}

// RegisterGauge exposes a sampled value such as queue depth or presence size.
func (c *Collector) RegisterGauge(name, help string, sample func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, sample))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveAdmission(accepted bool) {
	c.admissions.WithLabelValues(result(accepted, "accepted", "rejected")).Inc()
}

func (c *Collector) ObserveCacheLookup(hit bool) {
	c.cacheLookups.WithLabelValues(result(hit, "hit", "miss")).Inc()
}

func (c *Collector) ObserveBroadcast(recipients int) {
	c.broadcasts.Inc()
	c.deliveries.Add(float64(recipients))
}

func (c *Collector) ObserveDelivery() {
	c.deliveries.Inc()
}

func (c *Collector) ObservePublish(err error) {
	if err != nil {
		c.publishFailures.Inc()
		return
	}
	c.published.Inc()
}

func (c *Collector) ObserveConsumed(outcome string) {
	c.consumed.WithLabelValues(outcome).Inc()
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
