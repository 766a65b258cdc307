// Package testutil provides fakes for the hardware and transport
// collaborators of the readout stack.
//
// MockTransferPort replays a script of fetch results and records every call.
// SubEvents and ContiguousSubEvents build sub-events that either live in
// separate allocations or share one backing array, so coalescing can be
// exercised without a simulator.
//
// MockSink records raw sink writes and can inject failures.
//
// MockPublisher is an in-memory stand-in for natsclient.Client that keeps
// every published message together with its headers and message id.
//
// All mocks are safe for concurrent use.
package testutil
