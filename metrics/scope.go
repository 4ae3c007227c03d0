// Package metrics is a thin, prefix-scoped wrapper around the
// Prometheus client, mirroring the teacher's metrics.Scope but
// renamed and trimmed to the counters vism actually emits.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope records a stat, automatically prefixing its name with every
// NewScope ancestor's prefix.
type Scope interface {
	NewScope(names ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	Observe(stat string, seconds float64)

	MustRegister(...prometheus.Collector)
}

type promScope struct {
	prometheus.Registerer
	*registry
	prefix string
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope reporting into registerer.
func NewPromScope(registerer prometheus.Registerer, names ...string) Scope {
	return &promScope{
		Registerer: registerer,
		prefix:     strings.Join(names, "_") + "_",
		registry:   newRegistry(registerer),
	}
}

func (s *promScope) NewScope(names ...string) Scope {
	return NewPromScope(s.Registerer, s.prefix+strings.Join(names, "_"))
}

func (s *promScope) Inc(stat string, value int64) {
	s.counter(s.prefix + stat).Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.gauge(s.prefix + stat).Set(float64(value))
}

func (s *promScope) Observe(stat string, seconds float64) {
	s.summary(s.prefix + stat + "_seconds").Observe(seconds)
}

// noopScope discards everything; used where a caller has no registry
// (e.g. unit tests).
type noopScope struct{}

func NewNoopScope() Scope { return noopScope{} }

func (noopScope) NewScope(...string) Scope             { return noopScope{} }
func (noopScope) Inc(string, int64)                    {}
func (noopScope) Gauge(string, int64)                  {}
func (noopScope) Observe(string, float64)              {}
func (noopScope) MustRegister(...prometheus.Collector) {}

// Timed is a convenience helper recording the wall-clock duration of
// fn under stat.
func Timed(s Scope, stat string, fn func()) {
	start := time.Now()
	fn()
	s.Observe(stat, time.Since(start).Seconds())
}
