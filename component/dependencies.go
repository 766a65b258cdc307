package component

import (
	"log/slog"

	"github.com/c360/trkdaq/metric"
	"github.com/c360/trkdaq/natsclient"
	"github.com/c360/trkdaq/types"
)

// PlatformMeta provides platform identity to components.
type PlatformMeta = types.PlatformMeta

// Dependencies provides the external dependencies a factory may wire into a
// component. Every field except Platform may be nil.
type Dependencies struct {
	NATSClient      *natsclient.Client      // NATS client for publishing
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus
	Logger          *slog.Logger            // Structured logger, defaults to slog.Default()
	Platform        PlatformMeta            // Platform identity (organization, platform, stand)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
