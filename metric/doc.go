// Package metric provides the Prometheus registry of the process and the
// HTTP server that exposes it.
//
// MetricsRegistry registers a small set of core metrics (component status,
// published messages, errors, health and NATS connection state) together with
// the Go runtime and process collectors. Components register their own
// collectors through the MetricsRegistrar methods, keyed by component and
// metric name so a second registration of the same key is rejected as
// invalid rather than panicking.
//
//	registry := metric.NewMetricsRegistry()
//	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "trkdaq_tracker_timestamp_rate"})
//	if err := registry.RegisterGauge("tracker-vst", "timestamp_rate", gauge); err != nil {
//		logger.Warn("metric registration failed", "error", err)
//	}
//
// Server serves the registry on /metrics (OpenMetrics enabled) and a plain
// /health endpoint. Run blocks until its context is cancelled, which makes it
// a natural member of an errgroup.
package metric
