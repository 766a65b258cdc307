// Package health aggregates the health of the running components and the
// NATS connection into one status served on /health.
//
// Three levels are reported: healthy, degraded (running, but errors have been
// recorded) and unhealthy. The aggregate takes the worst level present.
//
//	monitor := health.NewMonitor(registry, metricsRegistry.CoreMetrics())
//	monitor.AddCheck("nats", func() health.Status {
//	    if client.IsHealthy() {
//	        return health.NewHealthy("nats", "connected")
//	    }
//	    return health.NewUnhealthy("nats", client.Status().String())
//	})
//	server := metric.NewServer(addr, path, metricsRegistry,
//	    metric.WithHealthHandler(monitor.Handler("trkdaq")))
//
// Error messages are sanitized before they are exposed: URLs, file paths, IP
// addresses and credentials are replaced by placeholders.
package health
