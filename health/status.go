package health

import (
	"regexp"
	"time"

	"github.com/c360/trkdaq/component"
)

// Status levels
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|tls)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, or of the whole process when it
// carries sub-statuses.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the counters a component reports alongside its health.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports whether the status level is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded reports whether the status level is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy reports whether the status level is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from an
// error before it leaves the process on /health.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return unixPathRegex.ReplaceAllString(msg, "[PATH]")
}

// FromComponentHealth converts a component's HealthStatus. A healthy
// component that has recorded errors is reported as degraded.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	var s Status
	switch {
	case !ch.Healthy:
		s = NewUnhealthy(name, "component unhealthy")
	case ch.ErrorCount > 0:
		s = NewDegraded(name, "component running with errors")
	default:
		s = NewHealthy(name, "component healthy")
	}
	if ch.LastError != "" {
		s.Message = sanitizeErrorMessage(ch.LastError)
	}
	s.Metrics = &Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	}
	return s
}
