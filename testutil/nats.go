package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// PublishedMsg is one message captured by MockPublisher.
type PublishedMsg struct {
	Subject string
	Data    []byte
	Header  nats.Header
	MsgID   string
	Stream  bool
}

// MockPublisher is an in-memory publisher matching the natsclient.Client
// publish methods.
type MockPublisher struct {
	mu       sync.RWMutex
	messages []PublishedMsg
	closed   bool

	// FailNext makes the next n publishes fail with a transient error.
	FailNext int
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (p *MockPublisher) record(msg PublishedMsg) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	if p.FailNext > 0 {
		p.FailNext--
		return fmt.Errorf("nats: timeout")
	}
	msg.Data = append([]byte(nil), msg.Data...)
	p.messages = append(p.messages, msg)
	return nil
}

// PublishMsg records a core NATS publish.
func (p *MockPublisher) PublishMsg(_ context.Context, subject string, data []byte, header nats.Header) error {
	return p.record(PublishedMsg{Subject: subject, Data: data, Header: header})
}

// PublishToStream records a JetStream publish.
func (p *MockPublisher) PublishToStream(_ context.Context, subject string, data []byte, msgID string) error {
	return p.record(PublishedMsg{Subject: subject, Data: data, MsgID: msgID, Stream: true})
}

// Messages returns a copy of every recorded message.
func (p *MockPublisher) Messages() []PublishedMsg {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]PublishedMsg(nil), p.messages...)
}

// Count returns the number of recorded messages.
func (p *MockPublisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages)
}

// Close makes later publishes fail.
func (p *MockPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// WaitForCount polls until at least n messages were recorded.
func WaitForCount(t *testing.T, p *MockPublisher, n int, timeout time.Duration) []PublishedMsg {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Count() >= n {
			return p.Messages()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d messages, got %d", n, p.Count())
	return nil
}
