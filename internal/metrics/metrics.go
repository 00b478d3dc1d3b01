// Package metrics defines the observer interface components report counters
// and gauges through, and an in-process registry that implements it.
//
// Nothing here is exported as time series; the registry snapshot is served
// as JSON by the control plane.
package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Sink receives metric updates. Components take a Sink at construction.
type Sink interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Nop discards every update.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64) {}
func (Nop) SetGauge(string, map[string]string, float64)   {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Point is one metric value in a snapshot.
type Point struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is a sorted copy of every counter and gauge.
type Snapshot struct {
	Counters []Point `json:"counters"`
	Gauges   []Point `json:"gauges"`
}

type entry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry is an in-memory Sink.
type Registry struct {
	mu       sync.Mutex
	counters map[string]entry
	gauges   map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]entry),
		gauges:   make(map[string]entry),
	}
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.counters[k]
	if e.name == "" {
		e = entry{name: name, labels: lcopy}
	}
	e.value += delta
	r.counters[k] = e
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	k, lcopy := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[k] = entry{name: name, labels: lcopy, value: value}
}

// Counter returns the current value of a counter, zero if never incremented.
func (r *Registry) Counter(name string, labels map[string]string) float64 {
	k, _ := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[k].value
}

// Gauge returns the current value of a gauge.
func (r *Registry) Gauge(name string, labels map[string]string) float64 {
	k, _ := key(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[k].value
}

// Snapshot copies the registry contents sorted by name.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{
		Counters: make([]Point, 0, len(r.counters)),
		Gauges:   make([]Point, 0, len(r.gauges)),
	}
	for _, e := range r.counters {
		out.Counters = append(out.Counters, point(e))
	}
	for _, e := range r.gauges {
		out.Gauges = append(out.Gauges, point(e))
	}
	sortPoints(out.Counters)
	sortPoints(out.Gauges)
	return out
}

func point(e entry) Point {
	var labels map[string]string
	if len(e.labels) > 0 {
		labels = make(map[string]string, len(e.labels))
		for k, v := range e.labels {
			labels[k] = v
		}
	}
	return Point{Name: e.name, Labels: labels, Value: e.value}
}

func sortPoints(ps []Point) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Name != ps[j].Name {
			return ps[i].Name < ps[j].Name
		}
		ki, _ := key(ps[i].Name, ps[i].Labels)
		kj, _ := key(ps[j].Name, ps[j].Labels)
		return ki < kj
	})
}

func key(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	lcopy := make(map[string]string, len(labels))
	for _, k := range keys {
		lcopy[k] = labels[k]
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ","), lcopy
}
