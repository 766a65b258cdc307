package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the process.
const Namespace = "trkdaq"

// Metrics contains the process-level metrics shared by all components.
// Readout-specific metrics live with the component that produces them.
type Metrics struct {
	ComponentStatus   *prometheus.GaugeVec
	MessagesPublished *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "component",
			Name:      "status",
			Help:      "Component lifecycle state (0=created, 1=initialized, 2=started, 3=stopped, 4=failed)",
		}, []string{"component"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Total number of messages published",
		}, []string{"component", "subject"}),

		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "publish_duration_seconds",
			Help:      "Publish latency in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of errors",
		}, []string{"component", "type"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status (0=unhealthy, 1=healthy)",
		}, []string{"component"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "rtt_milliseconds",
			Help:      "NATS round-trip time in milliseconds",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
		}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ComponentStatus,
		c.MessagesPublished,
		c.PublishDuration,
		c.ErrorsTotal,
		c.HealthCheckStatus,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordComponentStatus updates the lifecycle state of a component
func (c *Metrics) RecordComponentStatus(component string, state int) {
	c.ComponentStatus.WithLabelValues(component).Set(float64(state))
}

// RecordMessagePublished increments published message counter
func (c *Metrics) RecordMessagePublished(component, subject string) {
	c.MessagesPublished.WithLabelValues(component, subject).Inc()
}

// RecordPublishDuration records how long one publish took
func (c *Metrics) RecordPublishDuration(component string, d time.Duration) {
	c.PublishDuration.WithLabelValues(component).Observe(d.Seconds())
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	c.HealthCheckStatus.WithLabelValues(component).Set(boolToFloat(healthy))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	c.NATSConnected.Set(boolToFloat(connected))
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
