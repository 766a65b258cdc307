// Package errors implements the three-class error model used across trkdaq.
//
// # Classification
//
// Every error that crosses a package boundary is either:
//
//   - Transient: a device stall, a lost NATS connection or a context deadline.
//     Callers may retry.
//   - Invalid: bad configuration values or malformed simulation images.
//     Retrying will not help.
//   - Fatal: device faults, resource exhaustion, an exhausted first readout
//     block. The run ends.
//
// Classification survives wrapping. IsTransient, IsFatal and IsInvalid walk
// the chain with errors.As before falling back to the sentinel values and
// to message patterns for errors that come from third-party libraries.
//
// # Wrapping
//
// Wrapped errors follow one format:
//
//	"component.method: action failed: %w"
//
// Use Wrap to add context while keeping the class of the inner error, and
// WrapTransient, WrapInvalid or WrapFatal to set the class explicitly:
//
//	if err := port.Fetch(ctx, tag); err != nil {
//	    return errors.WrapTransient(err, "Simulator", "Fetch", "dma read")
//	}
//
// # Readout usage
//
// The readout retry policy treats any error for which IsFatal reports true as
// a fatal hardware fault and stops immediately. Every other fault consumes
// one attempt of the retry budget.
package errors
