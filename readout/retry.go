package readout

import (
	"context"
	"log/slog"

	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/pkg/retry"
)

// DefaultMaxRetries is the number of fetch retries after the first attempt.
const DefaultMaxRetries = 5

// Outcome tags the result of one retried fetch.
type Outcome int

// Fetch outcomes
const (
	OutcomeData Outcome = iota
	OutcomeExhausted
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeData:
		return "data"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of one RetryPolicy.Attempt.
type FetchResult struct {
	Events   []dtc.SubEvent
	Attempts int // Calls made to the fetch function
	Faults   int // Calls that returned a recoverable fault
	Outcome  Outcome
	Err      error // Fatal fault, or the last recoverable fault when exhausted
}

// FetchFunc performs one hardware fetch.
type FetchFunc func(ctx context.Context) ([]dtc.SubEvent, error)

// RetryPolicy retries a fetch back to back until it returns data.
type RetryPolicy struct {
	maxRetries int
	logger     *slog.Logger
}

var errEmptyFetch = errors.New("fetch returned no sub-events")

// NewRetryPolicy returns a policy that makes at most maxRetries+1 calls.
func NewRetryPolicy(maxRetries int, logger *slog.Logger) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryPolicy{maxRetries: maxRetries, logger: logger}
}

// MaxRetries returns the retry budget.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Attempt calls fn until it returns at least one sub-event. Recoverable
// faults and empty results use up the budget. A fault classified fatal ends
// the attempt at once and is returned unmodified.
func (p *RetryPolicy) Attempt(ctx context.Context, fn FetchFunc) FetchResult {
	var res FetchResult
	var fatal error

	calls, err := retry.Bounded(p.maxRetries+1, func(attempt int) error {
		events, err := fn(ctx)
		if err != nil {
			if errors.IsFatal(err) {
				fatal = err
				return retry.NonRetryable(err)
			}
			res.Faults++
			p.logger.Warn("fetch fault, retrying",
				"attempt", attempt+1,
				"budget", p.maxRetries+1,
				"error", err)
			return err
		}
		if len(events) == 0 {
			return errEmptyFetch
		}
		res.Events = events
		return nil
	})
	res.Attempts = calls

	switch {
	case err == nil:
		res.Outcome = OutcomeData
	case fatal != nil:
		res.Outcome = OutcomeFatal
		res.Err = fatal
	default:
		res.Outcome = OutcomeExhausted
		if !errors.Is(err, errEmptyFetch) {
			res.Err = err
		}
	}
	return res
}
