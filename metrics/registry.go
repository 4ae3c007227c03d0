package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registry lazily creates and registers a Prometheus collector the
// first time a given stat name is used, so callers never have to
// declare metrics up front.
type registry struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	summaries  map[string]prometheus.Summary
}

func newRegistry(registerer prometheus.Registerer) *registry {
	return &registry{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		summaries:  make(map[string]prometheus.Summary),
	}
}

func (r *registry) counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	r.registerer.MustRegister(c)
	r.counters[name] = c
	return c
}

func (r *registry) gauge(name string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
	r.registerer.MustRegister(g)
	r.gauges[name] = g
	return g
}

func (r *registry) summary(name string) prometheus.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summaries[name]; ok {
		return s
	}
	s := prometheus.NewSummary(prometheus.SummaryOpts{Name: name})
	r.registerer.MustRegister(s)
	r.summaries[name] = s
	return s
}
