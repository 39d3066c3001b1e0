// Package metrics exports host activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felixgeelhaar/plughost/internal/domain/plugin"
	"github.com/felixgeelhaar/plughost/internal/ports"
)

const namespace = "plughost"

// Prom implements the metrics ports on a private Prometheus registry.
type Prom struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	requests        *prometheus.CounterVec
	lifecycleCalls  *prometheus.HistogramVec
	integrityFailed prometheus.Counter
	upgrades        *prometheus.CounterVec
}

// NewProm creates the collectors and registers them on a fresh registry.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Messages published on the bus by publishing plugin.",
		}, []string{"plugin"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_errors_total",
			Help: "Subscriber handlers that failed or panicked, by subscribing plugin.",
		}, []string{"plugin"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "requests_total",
			Help: "Bus requests by requesting plugin and outcome.",
		}, []string{"plugin", "outcome"}),
		lifecycleCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "lifecycle_call_seconds",
			Help:    "Duration of lifecycle calls into sandboxed plugins.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action", "status"}),
		integrityFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sandbox", Name: "integrity_failures_total",
			Help: "Plugin code rejected by the integrity check.",
		}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upgrade", Name: "outcomes_total",
			Help: "Shadow upgrade outcomes.",
		}, []string{"plugin", "outcome"}),
	}
	p.registry.MustRegister(p.published, p.handlerErrors, p.requests, p.lifecycleCalls, p.integrityFailed, p.upgrades)
	return p
}

// Register adds extra collectors to the registry.
func (p *Prom) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Gatherer exposes the registry.
func (p *Prom) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// IncPublished counts a publish by pluginName.
func (p *Prom) IncPublished(pluginName string) { p.published.WithLabelValues(pluginName).Inc() }

// IncHandlerErrors counts a failed handler owned by pluginName.
func (p *Prom) IncHandlerErrors(pluginName string) {
	p.handlerErrors.WithLabelValues(pluginName).Inc()
}

// IncRequests counts a request by pluginName with its outcome.
func (p *Prom) IncRequests(pluginName, outcome string) {
	p.requests.WithLabelValues(pluginName, outcome).Inc()
}

// ObserveLifecycleCall records the duration of one lifecycle call.
func (p *Prom) ObserveLifecycleCall(action, status string, durationSeconds float64) {
	p.lifecycleCalls.WithLabelValues(action, status).Observe(durationSeconds)
}

// IncIntegrityFailures counts plugin code rejected by the integrity check.
func (p *Prom) IncIntegrityFailures() { p.integrityFailed.Inc() }

// IncUpgrades counts one upgrade outcome for pluginName.
func (p *Prom) IncUpgrades(pluginName, outcome string) {
	p.upgrades.WithLabelValues(pluginName, outcome).Inc()
}

var (
	_ ports.BusMetrics     = (*Prom)(nil)
	_ ports.SandboxMetrics = (*Prom)(nil)
	_ ports.UpgradeMetrics = (*Prom)(nil)
)

// RecordSource lists installed plugin records.
type RecordSource interface {
	Records() []plugin.Record
}

// pluginCollector reports one gauge per installed plugin, read at scrape
// time: plughost_plugin_info{plugin,version,state,sandboxed} 1.
type pluginCollector struct {
	src  RecordSource
	desc *prometheus.Desc
}

// NewPluginCollector creates a collector over src.
func NewPluginCollector(src RecordSource) prometheus.Collector {
	return &pluginCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "plugin", "info"),
			"Installed plugins with their version and lifecycle state.",
			[]string{"plugin", "version", "state", "sandboxed"}, nil,
		),
	}
}

func (c *pluginCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *pluginCollector) Collect(ch chan<- prometheus.Metric) {
	for _, r := range c.src.Records() {
		sandboxed := "false"
		if r.Sandboxed {
			sandboxed = "true"
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, 1, r.Name, r.Version, string(r.State), sandboxed)
	}
}
