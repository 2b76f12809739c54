// Package metrics owns the Prometheus collectors exported by DMCF.
//
// All recording methods are nil-safe so components can run (and be tested)
// without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelai/dmcf/internal/logger"
)

// Metrics groups every DMCF collector behind one private registry.
type Metrics struct {
	registry *prometheus.Registry

	evaluations       *prometheus.CounterVec
	fallbackUses      prometheus.Counter
	cacheLookups      *prometheus.CounterVec
	blocksCreated     *prometheus.CounterVec
	unblocks          *prometheus.CounterVec
	droppedEvents     prometheus.Counter
	livePackets       prometheus.Counter
	inferenceHealthy  prometheus.Gauge
	fusionLatencySecs prometheus.Histogram
}

// New creates and registers the collectors under namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	instance := &Metrics{
		registry: registry,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Detection evaluations by fused verdict.",
		}, []string{"verdict"}),
		fallbackUses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_fallback_total",
			Help:      "Fusions that used the local fallback heuristic.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_lookups_total",
			Help:      "Decision cache lookups by result.",
		}, []string{"result"}),
		blocksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_created_total",
			Help:      "Block records created, by source.",
		}, []string{"source"}),
		unblocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unblocks_total",
			Help:      "Unblock attempts by outcome.",
		}, []string{"outcome"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the event bus buffer was full.",
		}),
		livePackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_packets_total",
			Help:      "Live packet summaries received from the capture agent.",
		}),
		inferenceHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inference_healthy",
			Help:      "1 when the inference service passed its last liveness probe.",
		}),
		fusionLatencySecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fusion_duration_seconds",
			Help:      "Time spent producing a fused verdict, cache misses only.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		}),
	}

	registry.MustRegister(
		instance.evaluations,
		instance.fallbackUses,
		instance.cacheLookups,
		instance.blocksCreated,
		instance.unblocks,
		instance.droppedEvents,
		instance.livePackets,
		instance.inferenceHealthy,
		instance.fusionLatencySecs,
	)
	logger.MetricsLog.Debugf("registered collectors namespace=%s", namespace)
	return instance
}

// RegisterGaugeFunc exports a value sampled at scrape time (active blocks,
// tracked IPs).
func (instance *Metrics) RegisterGaugeFunc(namespace, name, help string, sample func() float64) {
	if instance == nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, sample)
	if err := instance.registry.Register(gauge); err != nil {
		logger.MetricsLog.Warnf("register gauge %s failed: %v", name, err)
	}
}

// Handler serves the Prometheus exposition format.
func (instance *Metrics) Handler() http.Handler {
	if instance == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(instance.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (instance *Metrics) Registry() *prometheus.Registry {
	if instance == nil {
		return nil
	}
	return instance.registry
}

func (instance *Metrics) ObserveEvaluation(verdict string) {
	if instance == nil {
		return
	}
	instance.evaluations.WithLabelValues(verdict).Inc()
}

func (instance *Metrics) ObserveFallback() {
	if instance == nil {
		return
	}
	instance.fallbackUses.Inc()
}

func (instance *Metrics) ObserveCacheLookup(hit bool) {
	if instance == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	instance.cacheLookups.WithLabelValues(result).Inc()
}

func (instance *Metrics) ObserveFusionSeconds(seconds float64) {
	if instance == nil {
		return
	}
	instance.fusionLatencySecs.Observe(seconds)
}

func (instance *Metrics) ObserveBlockCreated(source string) {
	if instance == nil {
		return
	}
	instance.blocksCreated.WithLabelValues(source).Inc()
}

func (instance *Metrics) ObserveUnblock(outcome string) {
	if instance == nil {
		return
	}
	instance.unblocks.WithLabelValues(outcome).Inc()
}

func (instance *Metrics) ObserveDroppedEvent() {
	if instance == nil {
		return
	}
	instance.droppedEvents.Inc()
}

func (instance *Metrics) ObserveLivePacket() {
	if instance == nil {
		return
	}
	instance.livePackets.Inc()
}

func (instance *Metrics) SetInferenceHealthy(healthy bool) {
	if instance == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	instance.inferenceHealthy.Set(value)
}
