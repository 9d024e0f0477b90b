// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
)

// CounterSource reports per-chain packet counters from the host stack.
type CounterSource interface {
	ChainCounters() ([]kernel.ChainCounter, error)
}

var (
	chainPacketsDesc = prometheus.NewDesc(
		"fastpath_chain_packets_total",
		"Packets that entered a fastpath hook chain",
		[]string{"namespace", "hook"}, nil,
	)
	chainBytesDesc = prometheus.NewDesc(
		"fastpath_chain_bytes_total",
		"Bytes that entered a fastpath hook chain",
		[]string{"namespace", "hook"}, nil,
	)
)

// ChainCollector reads host chain counters at scrape time.
type ChainCollector struct {
	source CounterSource
	logger *logging.Logger
}

// NewChainCollector creates a collector over source.
func NewChainCollector(source CounterSource, logger *logging.Logger) *ChainCollector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	return &ChainCollector{source: source, logger: logger}
}

// Describe implements prometheus.Collector
func (c *ChainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- chainPacketsDesc
	ch <- chainBytesDesc
}

// Collect implements prometheus.Collector
func (c *ChainCollector) Collect(ch chan<- prometheus.Metric) {
	counters, err := c.source.ChainCounters()
	if err != nil {
		// Non-fatal; the scrape carries the other metrics.
		c.logger.WithError(err).Debug("chain counters unavailable")
		return
	}
	for _, cc := range counters {
		ns, hook := cc.Namespace.String(), cc.Hook.String()
		ch <- prometheus.MustNewConstMetric(chainPacketsDesc, prometheus.CounterValue, float64(cc.Packets), ns, hook)
		ch <- prometheus.MustNewConstMetric(chainBytesDesc, prometheus.CounterValue, float64(cc.Bytes), ns, hook)
	}
}

// RegisterChains adds a ChainCollector over source to the registry.
func (m *Metrics) RegisterChains(source CounterSource, logger *logging.Logger) error {
	return m.registry.Register(NewChainCollector(source, logger))
}
