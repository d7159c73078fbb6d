package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// Vec types for labeled metrics
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type NoopStat struct{}

type noopCounterVec struct{}
type noopGaugeVec struct{}

func (n noopCounterVec) With(labels ...string) Counter { return NoopStat{} }
func (n noopGaugeVec) With(labels ...string) Gauge     { return NoopStat{} }

func (n NoopStat) Observe(float64) {
}

func (n NoopStat) Set(float64) {
}

func (n NoopStat) Dec() {
}

func (n NoopStat) Sub(float64) {
}

func (n NoopStat) SetToCurrentTime() {
}

func (n NoopStat) Inc() {
}

func (n NoopStat) Add(float64) {
}

// Prometheus Vec wrappers
type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p *prometheusGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

// Telemetry owns a prometheus registry scoped to one manager instance.
// A nil *Telemetry is valid: every constructor degrades to noop stats, so
// callers never branch on whether metrics are enabled.
type Telemetry struct {
	registry *prometheus.Registry
	clientID uint64
}

// New creates a telemetry instance with its own prometheus registry.
// Process and Go runtime collectors are registered for CPU/memory metrics.
func New(clientID uint64) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	return &Telemetry{
		registry: registry,
		clientID: clientID,
	}
}

func (t *Telemetry) constLabels() map[string]string {
	return map[string]string{
		"client_id": strconv.FormatUint(t.clientID, 10),
	}
}

func (t *Telemetry) NewCounter(name string, help string) Counter {
	if t == nil {
		return NoopStat{}
	}

	ret := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "realtime",
		Name:        name,
		Help:        help,
		ConstLabels: t.constLabels(),
	})

	t.registry.MustRegister(ret)
	return ret
}

func (t *Telemetry) NewGauge(name string, help string) Gauge {
	if t == nil {
		return NoopStat{}
	}

	ret := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "realtime",
		Name:        name,
		Help:        help,
		ConstLabels: t.constLabels(),
	})

	t.registry.MustRegister(ret)
	return ret
}

func (t *Telemetry) NewHistogram(name, help string, buckets []float64) Histogram {
	if t == nil {
		return NoopStat{}
	}

	ret := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "realtime",
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: t.constLabels(),
	})

	t.registry.MustRegister(ret)
	return ret
}

func (t *Telemetry) NewCounterVec(name, help string, labels []string) CounterVec {
	if t == nil {
		return noopCounterVec{}
	}

	ret := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "realtime",
		Name:        name,
		Help:        help,
		ConstLabels: t.constLabels(),
	}, labels)

	t.registry.MustRegister(ret)
	return &prometheusCounterVec{vec: ret}
}

func (t *Telemetry) NewGaugeVec(name, help string, labels []string) GaugeVec {
	if t == nil {
		return noopGaugeVec{}
	}

	ret := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "realtime",
		Name:        name,
		Help:        help,
		ConstLabels: t.constLabels(),
	}, labels)

	t.registry.MustRegister(ret)
	return &prometheusGaugeVec{vec: ret}
}

// Handler returns the HTTP handler for the prometheus scrape endpoint.
// Returns nil when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}
