// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes fastpath classification and hook lifecycle
// statistics as Prometheus metrics.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registration stages for RegistrationErrors.
const (
	StageRegister = "register"
	StageTeardown = "teardown"
)

// Metrics holds all fastpath Prometheus metrics.
type Metrics struct {
	Packets            *prometheus.CounterVec
	HooksRegistered    *prometheus.GaugeVec
	RegistrationErrors *prometheus.CounterVec
	Namespaces         prometheus.GaugeFunc

	nsCount  atomic.Pointer[func() int]
	registry *prometheus.Registry
}

// NewMetrics creates the collectors and a private registry holding them
// plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpath_packets_total",
			Help: "Packets classified, by hook point, verdict and matching rule",
		}, []string{"hook", "verdict", "reason"}),

		HooksRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fastpath_hooks_registered",
			Help: "Hooks currently registered with the host stack",
		}, []string{"scope"}),

		RegistrationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fastpath_registration_errors_total",
			Help: "Failed hook registrations and teardowns",
		}, []string{"stage", "scope"}),
	}
	m.Namespaces = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fastpath_namespaces",
		Help: "Network namespaces with the hook table registered",
	}, func() float64 {
		if fn := m.nsCount.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(m)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the registry the API serves.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetNamespaceSource sets the function backing fastpath_namespaces.
func (m *Metrics) SetNamespaceSource(fn func() int) {
	m.nsCount.Store(&fn)
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Packets.Describe(ch)
	m.HooksRegistered.Describe(ch)
	m.RegistrationErrors.Describe(ch)
	m.Namespaces.Describe(ch)
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Packets.Collect(ch)
	m.HooksRegistered.Collect(ch)
	m.RegistrationErrors.Collect(ch)
	m.Namespaces.Collect(ch)
}

// HooksAttached implements hooks.Observer.
func (m *Metrics) HooksAttached(scope string, delta int) {
	m.HooksRegistered.WithLabelValues(scope).Add(float64(delta))
}

// RegistrationFailed implements hooks.Observer.
func (m *Metrics) RegistrationFailed(scope string) {
	m.RegistrationErrors.WithLabelValues(StageRegister, scope).Inc()
}

// TeardownFailed implements hooks.Observer.
func (m *Metrics) TeardownFailed(scope string) {
	m.RegistrationErrors.WithLabelValues(StageTeardown, scope).Inc()
}
