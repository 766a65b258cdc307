package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error values returned before any I/O is attempted
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client manages one NATS connection, its JetStream context and a circuit
// breaker that stops hammering an unreachable server.
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger
	metrics  *metric.Metrics

	conn *nats.Conn
	js   jetstream.JetStream

	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	healthInterval time.Duration

	username   string
	password   string
	token      string
	clientName string

	onHealthChange func(bool)

	healthDone chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("nats", url)

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	return m.status.Load().(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics == nil {
		return
	}
	m.metrics.RecordNATSStatus(status == StatusConnected)
	if status == StatusCircuitOpen {
		m.metrics.RecordCircuitBreakerState(1)
	} else {
		m.metrics.RecordCircuitBreakerState(0)
	}
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit once the threshold is
// reached within one round.
func (m *Client) recordFailure() {
	total := m.failures.Add(1)
	m.lastFailure.Store(time.Now())
	round := m.circuitFailures.Add(1)

	m.logger.Debug("NATS failure recorded", "total", total, "round", round)

	if round < m.circuitThreshold {
		return
	}

	current := m.Backoff()
	m.backoff.Store(min(current*2, m.maxBackoff))
	m.circuitFailures.Store(0)

	status := m.Status()
	if status == StatusCircuitOpen {
		m.logger.Warn("circuit breaker still open", "backoff", m.Backoff())
		return
	}
	if m.status.CompareAndSwap(status, StatusCircuitOpen) {
		m.setStatus(StatusCircuitOpen)
		m.logger.Warn("circuit breaker opened", "failures", round, "backoff", current)
		time.AfterFunc(current, m.testCircuit)
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.lastFailure.Store(time.Time{})

	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

// testCircuit half-opens the breaker so the next Connect may try again.
func (m *Client) testCircuit() {
	if m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		m.setStatus(StatusDisconnected)
		m.logger.Debug("circuit breaker half-open")
	}
}

// WaitForConnection waits until the client is connected or ctx ends.
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}

	return opts
}

// GetStatus returns current status information
func (m *Client) GetStatus() *Status {
	status := &Status{
		Status:          m.Status(),
		FailureCount:    m.failures.Load(),
		LastFailureTime: m.lastFailure.Load().(time.Time),
	}
	if rtt, err := m.RTT(); err == nil {
		status.RTT = rtt
	}
	return status
}

// Connect establishes the connection and the JetStream context. It fails
// fast with ErrCircuitOpen while the breaker is open.
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "circuit check")
	}

	m.setStatus(StatusConnecting)
	m.logger.Info("connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.buildConnectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}

	if res.err != nil {
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		m.setStatus(StatusDisconnected)
		return errors.WrapFatal(err, "Client", "Connect", "create JetStream context")
	}

	m.mu.Lock()
	m.conn = res.conn
	m.js = js
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("connected to NATS")

	if m.healthInterval > 0 {
		m.startHealthMonitoring()
	}
	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

// Close drains and closes the connection. It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.stopHealthMonitoring()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.js = nil
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()

	defer m.setStatus(StatusDisconnected)

	if conn == nil {
		return nil
	}

	drainTimeout := m.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var drainErr error
	select {
	case err := <-drained:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain timeout")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain")
	}

	conn.Close()
	if drainErr != nil {
		m.logger.Error("NATS drain failed, connection force closed", "error", drainErr)
	}
	return drainErr
}

func (m *Client) connection() (*nats.Conn, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "connection", "connection check")
	}
	return conn, nil
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn, err := m.connection()
	if err != nil {
		return 0, err
	}
	return conn.RTT()
}

// Publish publishes data on a core NATS subject.
func (m *Client) Publish(ctx context.Context, subject string, data []byte) error {
	return m.PublishMsg(ctx, subject, data, nil)
}

// PublishMsg publishes data with headers on a core NATS subject.
func (m *Client) PublishMsg(ctx context.Context, subject string, data []byte, header nats.Header) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Client", "PublishMsg", "context check")
	}
	conn, err := m.connection()
	if err != nil {
		return err
	}

	if err := conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		return errors.WrapTransient(err, "Client", "PublishMsg", "publish "+subject)
	}
	return nil
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

func (m *Client) jetStreamReady(method string) (jetstream.JetStream, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, errors.WrapTransient(ErrCircuitOpen, "Client", method, "circuit check")
	}
	if m.Status() != StatusConnected {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", method, "connection check")
	}
	return m.JetStream()
}

// EnsureStream creates the stream or updates it to match cfg.
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.jetStreamReady("EnsureStream")
	if err != nil {
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create or update stream "+cfg.Name)
	}

	m.resetCircuit()
	m.logger.Info("JetStream stream ready", "stream", cfg.Name, "subjects", cfg.Subjects)
	return stream, nil
}

// PublishToStream publishes to a subject captured by a JetStream stream and
// waits for the acknowledgement. A non-empty msgID is sent as Nats-Msg-Id so
// the server drops duplicates of a retried publish.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte, msgID string) error {
	js, err := m.jetStreamReady("PublishToStream")
	if err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := js.Publish(ctx, subject, data, opts...)
	if err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	if ack.Duplicate {
		m.logger.Debug("duplicate publish dropped by stream", "stream", ack.Stream, "msg_id", msgID)
	}

	m.resetCircuit()
	return nil
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	m.logger.Warn("NATS disconnected", "error", err)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("NATS reconnected")
	if m.metrics != nil {
		m.metrics.RecordNATSReconnect()
	}
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS async error", "error", err)
}

func (m *Client) startHealthMonitoring() {
	m.stopHealthMonitoring()

	m.mu.Lock()
	done := make(chan struct{})
	m.healthDone = done
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rtt, err := m.RTT()
				healthy := err == nil
				if healthy && m.metrics != nil {
					m.metrics.RecordNATSRTT(rtt)
				}

				switch status := m.Status(); {
				case healthy && status == StatusReconnecting:
					m.setStatus(StatusConnected)
				case !healthy && status == StatusConnected:
					m.setStatus(StatusReconnecting)
				}
			}
		}
	}()
}

func (m *Client) stopHealthMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthDone != nil {
		close(m.healthDone)
		m.healthDone = nil
	}
}
