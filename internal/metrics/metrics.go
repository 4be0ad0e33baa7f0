// Package metrics exports generation boundaries as Prometheus series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forkevo/internal/evo"
	"forkevo/internal/model"
)

const namespace = "forkevo"

// Collector holds the series updated by controller hooks.
type Collector struct {
	registry *prometheus.Registry

	generations  prometheus.Counter
	culled       prometheus.Counter
	respawned    prometheus.Counter
	terminations *prometheus.CounterVec
	bestFitness  prometheus.Gauge
	meanFitness  prometheus.Gauge
	generation   prometheus.Gauge
	triggers     *prometheus.CounterVec
}

// New registers every series on registry; a nil registry gets a fresh one.
func New(registry *prometheus.Registry) (*Collector, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation boundaries crossed.",
		}),
		culled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_culled_total",
			Help:      "Agents ranked below the survival cut.",
		}),
		respawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_respawned_total",
			Help:      "Culled agents respawned as clones of an elite.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episode_terminations_total",
			Help:      "Episode endings by reason.",
		}, []string{"reason"}),
		bestFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Best fitness of the last finished generation.",
		}),
		meanFitness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mean_fitness",
			Help:      "Mean fitness of the last finished generation.",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Last finished generation.",
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_triggers_total",
			Help:      "Generation boundaries by trigger.",
		}, []string{"trigger"}),
	}
	collectors := []prometheus.Collector{
		c.generations, c.culled, c.respawned, c.terminations,
		c.bestFitness, c.meanFitness, c.generation, c.triggers,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records one boundary.
func (c *Collector) ObserveGeneration(diag model.GenerationDiagnostics) {
	c.generations.Inc()
	c.culled.Add(float64(diag.CulledCount))
	c.bestFitness.Set(diag.BestFitness)
	c.meanFitness.Set(diag.MeanFitness)
	c.generation.Set(float64(diag.Generation))
	c.triggers.WithLabelValues(diag.Trigger).Inc()
	for reason, n := range diag.Terminations {
		c.terminations.WithLabelValues(reason).Add(float64(n))
	}
}

func (c *Collector) ObserveRespawn(record model.LineageRecord) {
	if record.Operation == "respawn" {
		c.respawned.Inc()
	}
}

// Hooks chains the collector in front of next.
func (c *Collector) Hooks(next evo.Hooks) evo.Hooks {
	out := next
	out.OnGenerationEnd = func(diag model.GenerationDiagnostics) {
		c.ObserveGeneration(diag)
		if next.OnGenerationEnd != nil {
			next.OnGenerationEnd(diag)
		}
	}
	out.OnRespawn = func(record model.LineageRecord) {
		c.ObserveRespawn(record)
		if next.OnRespawn != nil {
			next.OnRespawn(record)
		}
	}
	return out
}
