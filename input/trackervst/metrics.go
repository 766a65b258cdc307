package trackervst

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/readout"
)

// Metrics holds the Prometheus metrics of one readout instance. It is the
// generator's readout.MetricsReporter.
type Metrics struct {
	timestampCount prometheus.Gauge
	timestampRate  prometheus.Gauge
	generatorRate  prometheus.Gauge
	hardwareRate   prometheus.Gauge
	transferRate   prometheus.Gauge

	containers    prometheus.Counter
	fillers       prometheus.Counter
	partials      prometheus.Counter
	fetches       prometheus.Counter
	faults        prometheus.Counter
	bytes         prometheus.Counter
	sinkErrors    prometheus.Counter
	publishErrors prometheus.Counter
}

var _ readout.MetricsReporter = (*Metrics)(nil)

// newMetrics creates and registers the instance metrics. A nil registry
// yields nil metrics. Registration conflicts are logged and the metric keeps
// working unregistered.
func newMetrics(registry *metric.MetricsRegistry, instance string, logger *slog.Logger) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"instance": instance}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "vst", Name: name, Help: help, ConstLabels: labels,
		})
		if err := registry.RegisterGauge(instance, name, g); err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
		return g
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "vst", Name: name, Help: help, ConstLabels: labels,
		})
		if err := registry.RegisterCounter(instance, name, c); err != nil {
			logger.Warn("metric registration failed", "metric", name, "error", err)
		}
		return c
	}

	return &Metrics{
		timestampCount: gauge("timestamp_count", "Event windows read since the run started"),
		timestampRate:  gauge("timestamp_rate", "Event windows per second between containers"),
		generatorRate:  gauge("generator_timestamp_rate", "Event windows per second of container processing time"),
		hardwareRate:   gauge("hw_timestamp_rate", "Event windows per second of device transfer time"),
		transferRate:   gauge("pcie_transfer_rate_bytes", "Bytes per second of device transfer time"),

		containers:    counter("containers_total", "Real containers produced"),
		fillers:       counter("fillers_total", "Empty filler containers produced"),
		partials:      counter("partial_containers_total", "Containers that stopped short of block_count_max"),
		fetches:       counter("fetches_total", "Device fetch attempts"),
		faults:        counter("fetch_faults_total", "Transient fetch faults absorbed by retry"),
		bytes:         counter("bytes_total", "Payload bytes assembled"),
		sinkErrors:    counter("raw_sink_errors_total", "Raw output write failures"),
		publishErrors: counter("publish_errors_total", "Containers that could not be published"),
	}
}

// Report implements readout.MetricsReporter
func (m *Metrics) Report(t readout.Telemetry) {
	m.timestampCount.Set(float64(t.TimestampCount))
	m.timestampRate.Set(t.TimestampRate)
	m.generatorRate.Set(t.GeneratorRate)
	m.hardwareRate.Set(t.HardwareRate)
	m.transferRate.Set(t.TransferRate)

	m.containers.Inc()
	if t.Partial {
		m.partials.Inc()
	}
	m.fetches.Add(float64(t.Fetches))
	m.faults.Add(float64(t.Faults))
	m.bytes.Add(float64(t.Bytes))
	m.sinkErrors.Add(float64(t.SinkErrors))
}
