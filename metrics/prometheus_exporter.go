package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter serves metrics at a /metrics HTTP endpoint using the
// standard Prometheus client library's text exposition encoder. It adapts
// this package's Registry (and any CustomCollector) into prometheus.Collector
// so scrapes go through promhttp rather than a hand-rolled formatter.

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "ori" produces "ori_chain_height").
	Namespace string
	// EnableRuntime controls whether Go runtime metrics (goroutines,
	// memory, GC) are included in the output.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:     "ori",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// CustomCollector is an interface for registering arbitrary metric producers
// that are called during each scrape.
type CustomCollector interface {
	// Collect returns a set of metric data points; the exporter converts
	// each into a gauge sample.
	Collect() []MetricLine
}

// MetricLine represents a single Prometheus metric data point with optional labels.
type MetricLine struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// PrometheusExporter bridges a Registry (and any custom collectors) into a
// dedicated prometheus.Registry and serves it over HTTP via promhttp.
type PrometheusExporter struct {
	mu         sync.RWMutex
	config     PrometheusConfig
	registry   *Registry
	promReg    *prometheus.Registry
	collectors map[string]CustomCollector
}

// NewPrometheusExporter creates a new exporter that reads from the given registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	pe := &PrometheusExporter{
		config:     config,
		registry:   registry,
		promReg:    prometheus.NewRegistry(),
		collectors: make(map[string]CustomCollector),
	}
	pe.promReg.MustRegister(bridgeCollector{pe})
	if config.EnableRuntime {
		pe.promReg.MustRegister(prometheus.NewGoCollector())
		pe.promReg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	return pe
}

// RegisterCollector adds a named custom collector. If a collector with the
// same name exists, it is replaced.
func (pe *PrometheusExporter) RegisterCollector(name string, c CustomCollector) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.collectors[name] = c
}

// UnregisterCollector removes a previously registered custom collector.
func (pe *PrometheusExporter) UnregisterCollector(name string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	delete(pe.collectors, name)
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(pe.config.Path, promhttp.HandlerFor(pe.promReg, promhttp.HandlerOpts{}))
	return mux
}

// promName converts a dot-separated metric name to Prometheus format:
// dots and dashes become underscores, and the namespace prefix is prepended.
func (pe *PrometheusExporter) promName(name string) string {
	sanitized := strings.ReplaceAll(name, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	if pe.config.Namespace != "" {
		return pe.config.Namespace + "_" + sanitized
	}
	return sanitized
}

// bridgeCollector adapts a PrometheusExporter's Registry snapshot and custom
// collectors into the prometheus.Collector interface.
type bridgeCollector struct {
	pe *PrometheusExporter
}

func (bc bridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	// Unchecked collector: descriptors are generated dynamically in Collect.
}

func (bc bridgeCollector) Collect(ch chan<- prometheus.Metric) {
	pe := bc.pe

	pe.registry.mu.RLock()
	counterNames := sortedKeys(pe.registry.counters)
	for _, name := range counterNames {
		c := pe.registry.counters[name]
		desc := prometheus.NewDesc(pe.promName(name), name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(c.Value()))
	}
	gaugeNames := sortedKeys(pe.registry.gauges)
	for _, name := range gaugeNames {
		g := pe.registry.gauges[name]
		desc := prometheus.NewDesc(pe.promName(name), name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(g.Value()))
	}
	histNames := sortedKeys(pe.registry.histograms)
	for _, name := range histNames {
		h := pe.registry.histograms[name]
		promName := pe.promName(name)
		countDesc := prometheus.NewDesc(promName+"_count", name+" count", nil, nil)
		ch <- prometheus.MustNewConstMetric(countDesc, prometheus.GaugeValue, float64(h.Count()))
		sumDesc := prometheus.NewDesc(promName+"_sum", name+" sum", nil, nil)
		ch <- prometheus.MustNewConstMetric(sumDesc, prometheus.GaugeValue, h.Sum())
		if h.Count() > 0 {
			meanDesc := prometheus.NewDesc(promName+"_mean", name+" mean", nil, nil)
			ch <- prometheus.MustNewConstMetric(meanDesc, prometheus.GaugeValue, h.Mean())
		}
	}
	pe.registry.mu.RUnlock()

	pe.mu.RLock()
	collectors := make(map[string]CustomCollector, len(pe.collectors))
	for k, v := range pe.collectors {
		collectors[k] = v
	}
	pe.mu.RUnlock()

	for _, c := range collectors {
		for _, line := range c.Collect() {
			labelNames := make([]string, 0, len(line.Labels))
			labelValues := make([]string, 0, len(line.Labels))
			keys := make([]string, 0, len(line.Labels))
			for k := range line.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				labelNames = append(labelNames, k)
				labelValues = append(labelValues, line.Labels[k])
			}
			desc := prometheus.NewDesc(pe.promName(line.Name), line.Name, labelNames, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, line.Value, labelValues...)
		}
	}
}

// sortedKeys returns a sorted list of keys from a map of any metric type.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
