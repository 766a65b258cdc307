package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/component"
	"github.com/c360/trkdaq/metric"
)

type stubComponent struct {
	component.Discoverable
	health component.HealthStatus
}

func (s stubComponent) Health() component.HealthStatus { return s.health }

type stubLister map[string]component.Discoverable

func (l stubLister) ListComponents() map[string]component.Discoverable { return l }

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("trkdaq", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StatusHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestFromComponentHealth(t *testing.T) {
	ok := FromComponentHealth("vst", component.HealthStatus{Healthy: true, Uptime: time.Minute})
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, time.Minute, ok.Metrics.Uptime)

	degraded := FromComponentHealth("vst", component.HealthStatus{Healthy: true, ErrorCount: 2})
	assert.True(t, degraded.IsDegraded())

	failed := FromComponentHealth("vst", component.HealthStatus{
		Healthy:   false,
		LastError: "open /dev/mu2e0: permission denied",
	})
	assert.True(t, failed.IsUnhealthy())
	assert.Equal(t, "open [PATH]: permission denied", failed.Message)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"dial nats://10.0.0.1:4222 refused", "dial [URL] refused"},
		{"dial tcp 10.0.0.1:4222: refused", "dial tcp [IP]: refused"},
		{"auth failed password=hunter2", "auth failed [REDACTED]"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeErrorMessage(tt.in))
	}
}

func TestMonitor_Refresh(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	lister := stubLister{
		"vst-0": stubComponent{health: component.HealthStatus{Healthy: true}},
		"vst-1": stubComponent{health: component.HealthStatus{Healthy: false}},
	}
	m := NewMonitor(lister, registry.CoreMetrics())
	m.AddCheck("nats", func() Status { return NewHealthy("nats", "connected") })

	m.Refresh()

	status, ok := m.Get("vst-1")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())

	agg := m.AggregateHealth("trkdaq")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "nats", agg.SubStatuses[0].Component)

	core := registry.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.HealthCheckStatus.WithLabelValues("vst-0")))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.HealthCheckStatus.WithLabelValues("vst-1")))

	m.Remove("vst-1")
	_, ok = m.Get("vst-1")
	assert.False(t, ok)
}

func TestMonitor_Handler(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	m := NewMonitor(nil, nil)
	m.AddCheck("nats", func() Status {
		if healthy.Load() {
			return NewHealthy("nats", "connected")
		}
		return NewUnhealthy("nats", "reconnecting")
	})

	srv := httptest.NewServer(m.Handler("trkdaq"))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	var body Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trkdaq", body.Component)
	assert.True(t, body.Healthy)

	healthy.Store(false)
	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMonitor_WatchStopsOnCancel(t *testing.T) {
	m := NewMonitor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
