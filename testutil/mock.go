package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/c360/trkdaq/dtc"
)

// FetchStep is one scripted Fetch result.
type FetchStep struct {
	Events []dtc.SubEvent
	Err    error
}

// MockTransferPort is a scripted dtc.TransferPort. Steps are returned in
// order; once they run out every call returns Default.
type MockTransferPort struct {
	mu sync.Mutex

	Steps   []FetchStep
	Default FetchStep

	// OnFetch runs before a step is returned, with the zero-based call index.
	OnFetch func(call int)

	// RequestErr is returned by RequestRange.
	RequestErr error

	FetchCalls []dtc.EventWindowTag
	Requests   []dtc.RangeRequest

	deviceTime time.Duration
	PerFetch   time.Duration // Device time added by each Fetch
	Resets     int
}

// NewMockTransferPort returns a port that replays steps.
func NewMockTransferPort(steps ...FetchStep) *MockTransferPort {
	return &MockTransferPort{Steps: steps}
}

// Fetch returns the next scripted step.
func (p *MockTransferPort) Fetch(_ context.Context, tag dtc.EventWindowTag) ([]dtc.SubEvent, error) {
	p.mu.Lock()
	call := len(p.FetchCalls)
	p.FetchCalls = append(p.FetchCalls, tag)
	p.deviceTime += p.PerFetch
	step := p.Default
	if call < len(p.Steps) {
		step = p.Steps[call]
	}
	hook := p.OnFetch
	p.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return step.Events, step.Err
}

// RequestRange records req.
func (p *MockTransferPort) RequestRange(_ context.Context, req dtc.RangeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	return p.RequestErr
}

// Calls returns the number of Fetch calls.
func (p *MockTransferPort) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.FetchCalls)
}

// RangeRequests returns a copy of the recorded range requests.
func (p *MockTransferPort) RangeRequests() []dtc.RangeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dtc.RangeRequest(nil), p.Requests...)
}

// ResetDeviceTime implements dtc.DeviceTimer.
func (p *MockTransferPort) ResetDeviceTime() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceTime = 0
	p.Resets++
}

// DeviceTime implements dtc.DeviceTimer.
func (p *MockTransferPort) DeviceTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceTime
}

// Data returns a step that yields events.
func Data(events ...dtc.SubEvent) FetchStep {
	return FetchStep{Events: events}
}

// Fault returns a step that fails with err.
func Fault(err error) FetchStep {
	return FetchStep{Err: err}
}

// Empty returns n steps that yield nothing.
func Empty(n int) []FetchStep {
	return make([]FetchStep, n)
}

// SubEvents returns sub-events of the given sizes, each in its own
// allocation. Byte values count up from seed.
func SubEvents(tag dtc.EventWindowTag, seed byte, sizes ...int) []dtc.SubEvent {
	events := make([]dtc.SubEvent, len(sizes))
	for i, n := range sizes {
		data := make([]byte, n)
		for j := range data {
			data[j] = seed
			seed++
		}
		events[i] = dtc.SubEvent{Data: data, Tag: tag}
	}
	return events
}

// ContiguousSubEvents returns sub-events of the given sizes that sit back
// to back in one backing array.
func ContiguousSubEvents(tag dtc.EventWindowTag, seed byte, sizes ...int) []dtc.SubEvent {
	total := 0
	for _, n := range sizes {
		total += n
	}
	page := make([]byte, total)
	for i := range page {
		page[i] = seed
		seed++
	}

	events := make([]dtc.SubEvent, len(sizes))
	off := 0
	for i, n := range sizes {
		events[i] = dtc.SubEvent{Data: page[off : off+n], Tag: tag}
		off += n
	}
	return events
}

// Concat joins the payloads of events.
func Concat(events ...[]dtc.SubEvent) []byte {
	var out []byte
	for _, group := range events {
		for _, ev := range group {
			out = append(out, ev.Data...)
		}
	}
	return out
}

// MockSink records raw sink writes.
type MockSink struct {
	mu     sync.Mutex
	Writes [][]byte
	Err    error
}

// Append records a copy of p and returns Err.
func (s *MockSink) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Writes = append(s.Writes, append([]byte(nil), p...))
	return nil
}

// Bytes returns the concatenation of all writes.
func (s *MockSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, w := range s.Writes {
		out = append(out, w...)
	}
	return out
}

// Count returns the number of successful writes.
func (s *MockSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Writes)
}
