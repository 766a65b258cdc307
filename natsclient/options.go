package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/trkdaq/metric"
)

// ClientOption is a functional option for configuring the Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the ping interval for connection health checks
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithHealthInterval sets the RTT probe interval. Zero disables the probe.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("health interval must not be negative: %v", d)
		}
		c.healthInterval = d
		return nil
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithHealthCallback sets a callback invoked on every health transition
func WithHealthCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithCircuitBreakerThreshold sets the number of consecutive failures that
// open the circuit.
func WithCircuitBreakerThreshold(threshold int) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be at least 1: %d", threshold)
		}
		c.circuitThreshold = int32(threshold)
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("max backoff must be positive: %v", d)
		}
		c.maxBackoff = d
		return nil
	}
}

// WithCredentials sets username/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithClientName sets the connection name reported to the server
func WithClientName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithMetrics records connection state, RTT, reconnects and circuit breaker
// state into the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry != nil {
			c.metrics = registry.CoreMetrics()
		}
		return nil
	}
}
