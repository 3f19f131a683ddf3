// metrics.go: Metrics collection for connectors and calculator servers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names emitted by this package.
const (
	MetricConnectorInvocations    = "servicebind_connector_invocations_total"
	MetricConnectorInvokeDuration = "servicebind_connector_invoke_duration_seconds"
	MetricConnectorTransitions    = "servicebind_connector_transitions_total"
	MetricConnectorState          = "servicebind_connector_state"

	MetricServerRequests        = "servicebind_server_requests_total"
	MetricServerRequestDuration = "servicebind_server_request_duration_seconds"
	MetricServerActiveRequests  = "servicebind_server_active_requests"
	MetricServerRateLimited     = "servicebind_server_rate_limited_total"

	MetricRegistryResolutions = "servicebind_registry_resolutions_total"
	MetricHealthChecks        = "servicebind_health_checks_total"
)

// MetricsCollector is the sink used by connectors, registries and servers.
//
// Implementations must be safe for concurrent use. Label sets are fixed per
// metric name; see the Metric* constants.
//
// Example usage:
//
//	collector.IncrementCounter(MetricConnectorInvocations,
//	    map[string]string{"operation": "add", "outcome": "success"}, 1)
//	collector.SetGauge(MetricConnectorState, nil, float64(StateBound))
//	collector.RecordHistogram(MetricConnectorInvokeDuration,
//	    map[string]string{"operation": "add"}, 0.0021)
type MetricsCollector interface {
	// Counter metrics
	IncrementCounter(name string, labels map[string]string, value int64)

	// Gauge metrics
	SetGauge(name string, labels map[string]string, value float64)

	// Histogram metrics
	RecordHistogram(name string, labels map[string]string, value float64)

	// Get current metrics snapshot
	GetMetrics() map[string]interface{}
}

// NoOpMetricsCollector discards everything.
type NoOpMetricsCollector struct{}

// NewNoOpMetricsCollector returns a collector that records nothing.
func NewNoOpMetricsCollector() *NoOpMetricsCollector { return &NoOpMetricsCollector{} }

func (NoOpMetricsCollector) IncrementCounter(string, map[string]string, int64)  {}
func (NoOpMetricsCollector) SetGauge(string, map[string]string, float64)        {}
func (NoOpMetricsCollector) RecordHistogram(string, map[string]string, float64) {}
func (NoOpMetricsCollector) GetMetrics() map[string]interface{}                 { return map[string]interface{}{} }

// DefaultMetricsCollector provides a basic in-memory metrics collector
type DefaultMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewDefaultMetricsCollector creates a new default metrics collector
func NewDefaultMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// IncrementCounter implements MetricsCollector
func (dmc *DefaultMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.counters[MetricKey(name, labels)] += value
}

// SetGauge implements MetricsCollector
func (dmc *DefaultMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()
	dmc.gauges[MetricKey(name, labels)] = value
}

// RecordHistogram implements MetricsCollector
func (dmc *DefaultMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	dmc.mu.Lock()
	defer dmc.mu.Unlock()

	key := MetricKey(name, labels)
	dmc.histograms[key] = append(dmc.histograms[key], value)

	// Keep only last 1000 values to prevent memory growth
	if len(dmc.histograms[key]) > 1000 {
		dmc.histograms[key] = dmc.histograms[key][len(dmc.histograms[key])-1000:]
	}
}

// Counter returns the current value of a counter.
func (dmc *DefaultMetricsCollector) Counter(name string, labels map[string]string) int64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.counters[MetricKey(name, labels)]
}

// Gauge returns the current value of a gauge.
func (dmc *DefaultMetricsCollector) Gauge(name string, labels map[string]string) float64 {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()
	return dmc.gauges[MetricKey(name, labels)]
}

// GetMetrics implements MetricsCollector
func (dmc *DefaultMetricsCollector) GetMetrics() map[string]interface{} {
	dmc.mu.RLock()
	defer dmc.mu.RUnlock()

	metrics := make(map[string]interface{})
	for k, v := range dmc.counters {
		metrics[k] = v
	}
	for k, v := range dmc.gauges {
		metrics[k] = v
	}
	for k, v := range dmc.histograms {
		if len(v) == 0 {
			continue
		}
		sum, minVal, maxVal := 0.0, v[0], v[0]
		for _, val := range v {
			sum += val
			if val < minVal {
				minVal = val
			}
			if val > maxVal {
				maxVal = val
			}
		}
		metrics[k+"_count"] = len(v)
		metrics[k+"_sum"] = sum
		metrics[k+"_min"] = minVal
		metrics[k+"_max"] = maxVal
		metrics[k+"_avg"] = sum / float64(len(v))
	}
	return metrics
}

// MetricKey flattens a metric name and its labels into a stable map key,
// for example "servicebind_server_requests_total{operation=add,status=ok}".
func MetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
)

type metricDef struct {
	kind   metricKind
	help   string
	labels []string
}

var metricCatalog = map[string]metricDef{
	MetricConnectorInvocations:    {kindCounter, "Calls issued through connectors, by outcome", []string{"operation", "outcome"}},
	MetricConnectorInvokeDuration: {kindHistogram, "Duration of connector calls that reached the service", []string{"operation"}},
	MetricConnectorTransitions:    {kindCounter, "Connector lifecycle transitions", []string{"from", "to"}},
	MetricConnectorState:          {kindGauge, "Current connector state (0 unbound, 1 binding, 2 bound, 3 failed)", nil},
	MetricServerRequests:          {kindCounter, "Requests handled by calculator servers", []string{"operation", "status"}},
	MetricServerRequestDuration:   {kindHistogram, "Server side request duration", []string{"operation"}},
	MetricServerActiveRequests:    {kindGauge, "Requests currently in flight on the server", nil},
	MetricServerRateLimited:       {kindCounter, "Requests rejected by the server rate limiter", []string{"transport"}},
	MetricRegistryResolutions:     {kindCounter, "Service resolutions by result", []string{"result"}},
	MetricHealthChecks:            {kindCounter, "Health probes by resulting status", []string{"status"}},
}

// PrometheusMetricsCollector exports the package metrics through a
// Prometheus registry. Names outside the package catalog are ignored.
type PrometheusMetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsCollector registers every package metric on registry.
// A nil registry gets a fresh one, available through Registry.
func NewPrometheusMetricsCollector(registry *prometheus.Registry) *PrometheusMetricsCollector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	p := &PrometheusMetricsCollector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	for name, def := range metricCatalog {
		switch def.kind {
		case kindCounter:
			p.counters[name] = factory.NewCounterVec(prometheus.CounterOpts{Name: name, Help: def.help}, def.labels)
		case kindGauge:
			p.gauges[name] = factory.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: def.help}, def.labels)
		case kindHistogram:
			p.histograms[name] = factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    name,
				Help:    def.help,
				Buckets: prometheus.DefBuckets,
			}, def.labels)
		}
	}
	return p
}

// Registry returns the registry the metrics live in, for use with promhttp.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// IncrementCounter implements MetricsCollector
func (p *PrometheusMetricsCollector) IncrementCounter(name string, labels map[string]string, value int64) {
	vec, ok := p.counters[name]
	if !ok {
		return
	}
	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(float64(value))
	}
}

// SetGauge implements MetricsCollector
func (p *PrometheusMetricsCollector) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := p.gauges[name]
	if !ok {
		return
	}
	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// RecordHistogram implements MetricsCollector
func (p *PrometheusMetricsCollector) RecordHistogram(name string, labels map[string]string, value float64) {
	vec, ok := p.histograms[name]
	if !ok {
		return
	}
	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// GetMetrics gathers the registry and flattens counters and gauges into
// values keyed by MetricKey. Histograms contribute _count and _sum entries.
func (p *PrometheusMetricsCollector) GetMetrics() map[string]interface{} {
	out := make(map[string]interface{})
	families, err := p.registry.Gather()
	if err != nil {
		return out
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := MetricKey(family.GetName(), labels)
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key+"_count"] = m.GetHistogram().GetSampleCount()
				out[key+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out
}
