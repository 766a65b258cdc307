// Package retry provides the two retry shapes used by trkdaq.
//
// Do runs an operation with exponential backoff and jitter, respecting
// context cancellation. It is used for network work such as connecting to
// NATS and publishing containers:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Publish(ctx, subject, data)
//	})
//
// Bounded runs an operation a fixed number of times with no delay and no
// context checks. It is meant for hardware calls that carry their own
// timeout, where added spacing would only slow the readout loop down:
//
//	calls, err := retry.Bounded(6, func(attempt int) error {
//	    events, err := port.Fetch(ctx, tag)
//	    ...
//	})
//
// Both stop early when the operation returns an error wrapped with
// NonRetryable.
package retry
