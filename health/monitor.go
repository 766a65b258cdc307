package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/metric"
)

// ComponentLister is satisfied by *component.Registry.
type ComponentLister interface {
	ListComponents() map[string]component.Discoverable
}

// Check produces the current status of something that is not a component,
// such as the NATS connection.
type Check func() Status

// Monitor tracks component health. Statuses are pushed with Update or pulled
// from a ComponentLister and registered checks by Refresh.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check

	components ComponentLister
	metrics    *metric.Metrics
}

// NewMonitor creates a monitor. components and metrics may be nil.
func NewMonitor(components ComponentLister, metrics *metric.Metrics) *Monitor {
	return &Monitor{
		statuses:   make(map[string]Status),
		checks:     make(map[string]Check),
		components: components,
		metrics:    metrics,
	}
}

// AddCheck registers a named check evaluated on every Refresh.
func (m *Monitor) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records the status for name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordHealthStatus(name, status.IsHealthy())
	}
}

// Get returns the last recorded status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove forgets name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Refresh pulls the health of every listed component and runs every check.
func (m *Monitor) Refresh() {
	if m.components != nil {
		for name, comp := range m.components.ListComponents() {
			m.Update(name, FromComponentHealth(name, comp.Health()))
		}
	}

	m.mu.RLock()
	checks := maps.Clone(m.checks)
	m.mu.RUnlock()

	for name, check := range checks {
		m.Update(name, check())
	}
}

// Watch refreshes every interval until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) error {
	m.Refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// AggregateHealth combines every recorded status, ordered by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := slices.Sorted(maps.Keys(m.statuses))
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, m.statuses[name])
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subs)
}

// Handler serves the aggregate as JSON: 200 unless unhealthy, then 503.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		m.Refresh()
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
