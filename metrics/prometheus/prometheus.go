// Copyright 2024 The solsight Authors
// This file is part of the solsight library.
//
// The solsight library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The solsight library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the solsight library. If not, see <http://www.gnu.org/licenses/>.

// Package prometheus exposes the process-wide go-metrics registry in
// Prometheus exposition format.
package prometheus

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"

	"github.com/solsight/solsight/log"
)

var logger = log.NewModuleLogger(log.Node)

// Collector adapts a go-metrics registry to a prometheus.Collector.
type Collector struct {
	registry  metrics.Registry
	namespace string
}

func NewCollector(registry metrics.Registry, namespace string) *Collector {
	return &Collector{registry: registry, namespace: namespace}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	// Unchecked collector: metrics appear and disappear at runtime.
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, i interface{}) {
		fqName := c.namespace + "_" + sanitize(name)
		switch m := i.(type) {
		case metrics.Counter:
			ch <- mustMetric(fqName, prometheus.CounterValue, float64(m.Count()))
		case metrics.Gauge:
			ch <- mustMetric(fqName, prometheus.GaugeValue, float64(m.Value()))
		case metrics.GaugeFloat64:
			ch <- mustMetric(fqName, prometheus.GaugeValue, m.Value())
		case metrics.Meter:
			ch <- mustMetric(fqName+"_total", prometheus.CounterValue, float64(m.Count()))
			ch <- mustMetric(fqName+"_rate1", prometheus.GaugeValue, m.Rate1())
		case metrics.Timer:
			ch <- mustMetric(fqName+"_total", prometheus.CounterValue, float64(m.Count()))
			ch <- mustMetric(fqName+"_mean", prometheus.GaugeValue, m.Mean())
		}
	})
}

func mustMetric(name string, typ prometheus.ValueType, value float64) prometheus.Metric {
	return prometheus.MustNewConstMetric(
		prometheus.NewDesc(name, "", nil, nil), typ, value)
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

// Serve exposes /metrics on addr with the default go-metrics registry.
func Serve(addr, namespace string) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(metrics.DefaultRegistry, namespace))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server terminated", "err", err)
		}
	}()
	logger.Info("metrics endpoint is listening", "addr", addr)
	return server
}
