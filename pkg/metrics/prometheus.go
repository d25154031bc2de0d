package metrics

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type kind int

const (
	counter kind = iota
	gauge
	histogram
)

type family struct {
	kind   kind
	labels []string
}

// families are registered up front so the hot path only reads the vectors.
var families = map[string]family{
	CombineRounds:    {counter, []string{"log", "replica"}},
	CombineBatchSize: {histogram, []string{"log", "replica"}},
	LocalTail:        {gauge, []string{"log", "replica"}},
	LogTail:          {gauge, []string{"log"}},
	LogHead:          {gauge, []string{"log"}},
	LogFullWaits:     {counter, []string{"log"}},
}

// Prometheus implements Collector on top of a prometheus registry. The
// metrics named in this package are registered by NewPrometheus; any other
// name is created on first use and its label names are fixed by that first
// observation.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	p := &Prometheus{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for name, f := range families {
		switch f.kind {
		case counter:
			p.counters[name] = p.newCounter(name, f.labels)
		case gauge:
			p.gauges[name] = p.newGauge(name, f.labels)
		case histogram:
			p.histograms[name] = p.newHistogram(name, f.labels)
		}
	}
	return p
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.RLock()
	vec, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.counters[name]; !ok {
			vec = p.newCounter(name, labelNames(labels))
			p.counters[name] = vec
		}
		p.mu.Unlock()
	}
	vec.With(labels).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.RLock()
	vec, ok := p.gauges[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.gauges[name]; !ok {
			vec = p.newGauge(name, labelNames(labels))
			p.gauges[name] = vec
		}
		p.mu.Unlock()
	}
	vec.With(labels).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.RLock()
	vec, ok := p.histograms[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.histograms[name]; !ok {
			vec = p.newHistogram(name, labelNames(labels))
			p.histograms[name] = vec
		}
		p.mu.Unlock()
	}
	vec.With(labels).Observe(value)
}

func (p *Prometheus) newCounter(name string, labels []string) *prometheus.CounterVec {
	return register(p.reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      helpFor(name),
	}, labels))
}

func (p *Prometheus) newGauge(name string, labels []string) *prometheus.GaugeVec {
	return register(p.reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      helpFor(name),
	}, labels))
}

func (p *Prometheus) newHistogram(name string, labels []string) *prometheus.HistogramVec {
	return register(p.reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      helpFor(name),
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, labels))
}

// register adds c to the registry. When another Prometheus sharing the
// registry already registered the same metric, the existing vector wins.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
