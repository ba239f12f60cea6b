// Copyright 2025 The go-acp Authors
// This file is part of the go-acp library.
//
// The go-acp library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-acp library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-acp library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics provides general system and process level metrics
// collection: counters for message accept/reject decisions, gauges for supply
// and queue depths, and meters for throughput. The health endpoint exposes a
// snapshot of the default registry.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter holds an int64 value that can be incremented and decremented.
type Counter struct {
	count atomic.Int64
}

// NewCounter constructs a new Counter.
func NewCounter() *Counter {
	return new(Counter)
}

// Inc increments the counter by the given amount.
func (c *Counter) Inc(i int64) {
	c.count.Add(i)
}

// Dec decrements the counter by the given amount.
func (c *Counter) Dec(i int64) {
	c.count.Add(-i)
}

// Count returns the current count.
func (c *Counter) Count() int64 {
	return c.count.Load()
}

// Clear sets the counter to zero.
func (c *Counter) Clear() {
	c.count.Store(0)
}

// Gauge holds an int64 value that can be set arbitrarily.
type Gauge struct {
	value atomic.Int64
}

// NewGauge constructs a new Gauge.
func NewGauge() *Gauge {
	return new(Gauge)
}

// Update updates the gauge's value.
func (g *Gauge) Update(v int64) {
	g.value.Store(v)
}

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// Meter counts events and computes a mean throughput rate since creation.
type Meter struct {
	count     atomic.Int64
	startTime time.Time
}

// NewMeter constructs a new Meter.
func NewMeter() *Meter {
	return &Meter{startTime: time.Now()}
}

// Mark records the occurrence of n events.
func (m *Meter) Mark(n int64) {
	m.count.Add(n)
}

// Count returns the number of events recorded.
func (m *Meter) Count() int64 {
	return m.count.Load()
}

// RateMean returns the meter's mean rate of events per second.
func (m *Meter) RateMean() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.Count()) / elapsed
}

// Registry holds references to a set of metrics by name.
// This type is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]interface{}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]interface{})}
}

// DefaultRegistry is the registry used by the package-level helpers.
var DefaultRegistry = NewRegistry()

// GetOrRegisterCounter returns an existing Counter or constructs and registers one.
func (r *Registry) GetOrRegisterCounter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		return m.(*Counter)
	}
	c := NewCounter()
	r.metrics[name] = c
	return c
}

// GetOrRegisterGauge returns an existing Gauge or constructs and registers one.
func (r *Registry) GetOrRegisterGauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		return m.(*Gauge)
	}
	g := NewGauge()
	r.metrics[name] = g
	return g
}

// GetOrRegisterMeter returns an existing Meter or constructs and registers one.
func (r *Registry) GetOrRegisterMeter(name string) *Meter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok {
		return m.(*Meter)
	}
	m := NewMeter()
	r.metrics[name] = m
	return m
}

// Each calls the given function for each registered metric.
func (r *Registry) Each(fn func(name string, metric interface{})) {
	r.mu.RLock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.mu.RLock()
		m, ok := r.metrics[name]
		r.mu.RUnlock()
		if ok {
			fn(name, m)
		}
	}
}

// Snapshot returns the current numeric value of every registered metric.
func (r *Registry) Snapshot() map[string]interface{} {
	out := make(map[string]interface{})
	r.Each(func(name string, metric interface{}) {
		switch m := metric.(type) {
		case *Counter:
			out[name] = m.Count()
		case *Gauge:
			out[name] = m.Value()
		case *Meter:
			out[name] = map[string]interface{}{"count": m.Count(), "rate": m.RateMean()}
		}
	})
	return out
}

// GetOrRegisterCounter returns a Counter from the default registry.
func GetOrRegisterCounter(name string) *Counter {
	return DefaultRegistry.GetOrRegisterCounter(name)
}

// GetOrRegisterGauge returns a Gauge from the default registry.
func GetOrRegisterGauge(name string) *Gauge {
	return DefaultRegistry.GetOrRegisterGauge(name)
}

// GetOrRegisterMeter returns a Meter from the default registry.
func GetOrRegisterMeter(name string) *Meter {
	return DefaultRegistry.GetOrRegisterMeter(name)
}
