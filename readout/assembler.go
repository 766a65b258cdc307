package readout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
)

// DefaultBlockCountMax is the number of blocks in a complete container.
const DefaultBlockCountMax = 2500

// reserveBytesPerBlock is the initial buffer estimate per block: sixteen
// sub-events of up to 201 bytes.
const reserveBytesPerBlock = 16 * 201

// RawSink receives a copy of every copy unit in arrival order.
type RawSink interface {
	Append(p []byte) error
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	BlockCountMax     int
	MaxRetries        int // Negative selects DefaultMaxRetries
	MaxContainerBytes int
	InitialReserve    int // Defaults to BlockCountMax*16*201, capped at MaxContainerBytes
}

func (c AssemblerConfig) withDefaults() AssemblerConfig {
	if c.BlockCountMax <= 0 {
		c.BlockCountMax = DefaultBlockCountMax
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxContainerBytes <= 0 {
		c.MaxContainerBytes = DefaultMaxContainerBytes
	}
	if c.InitialReserve <= 0 {
		c.InitialReserve = c.BlockCountMax * reserveBytesPerBlock
	}
	if c.InitialReserve > c.MaxContainerBytes {
		c.InitialReserve = c.MaxContainerBytes
	}
	return c
}

// AssemblerDeps holds the collaborators of an Assembler.
type AssemblerDeps struct {
	Port    dtc.TransferPort
	Tracker *ContinuityTracker
	Sink    RawSink      // Optional
	Stop    func() bool  // Optional cooperative stop flag
	Logger  *slog.Logger // Optional
}

// Stats describes one assembly cycle.
type Stats struct {
	Fetches    int
	Faults     int
	CopyUnits  int
	Reallocs   int
	SinkErrors int
	Partial    bool
	Cancelled  bool
}

// Assembler fills containers from a transfer port.
type Assembler struct {
	cfg     AssemblerConfig
	port    dtc.TransferPort
	tracker *ContinuityTracker
	policy  *RetryPolicy
	growth  GrowthManager
	sink    RawSink
	stop    func() bool
	logger  *slog.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(cfg AssemblerConfig, deps AssemblerDeps) *Assembler {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stop := deps.Stop
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Assembler{
		cfg:     cfg,
		port:    deps.Port,
		tracker: deps.Tracker,
		policy:  NewRetryPolicy(cfg.MaxRetries, logger),
		growth:  GrowthManager{BlockCountMax: cfg.BlockCountMax, MaxBytes: cfg.MaxContainerBytes},
		sink:    deps.Sink,
		stop:    stop,
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (a *Assembler) Config() AssemblerConfig {
	return a.cfg
}

func (a *Assembler) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || a.stop()
}

// Assemble fills one container with BlockCountMax blocks fetched for tag.
//
// It returns a partial container when a later block exhausts its retries or
// when ctx is cancelled or the stop flag is raised between blocks. Exhausting
// the retries on the first block returns ErrFetchExhaustedFirstBlock. Fatal
// port faults are returned unmodified.
func (a *Assembler) Assemble(ctx context.Context, hdr Header, tag dtc.EventWindowTag) (*Container, Stats, error) {
	var st Stats
	c := NewContainer(hdr, a.cfg.InitialReserve)
	fetch := func(ctx context.Context) ([]dtc.SubEvent, error) {
		return a.port.Fetch(ctx, tag)
	}

	for c.BlockCount < a.cfg.BlockCountMax {
		if a.stopped(ctx) {
			st.Cancelled = true
			break
		}

		res := a.policy.Attempt(ctx, fetch)
		st.Fetches += res.Attempts
		st.Faults += res.Faults

		if res.Outcome == OutcomeFatal {
			return nil, st, res.Err
		}
		if res.Outcome == OutcomeExhausted {
			if a.stopped(ctx) {
				st.Cancelled = true
				break
			}
			if c.BlockCount == 0 {
				return nil, st, errors.WrapFatal(
					fmt.Errorf("%w: window %d after %d attempts: %v",
						ErrFetchExhaustedFirstBlock, tag.Raw(), res.Attempts, res.Err),
					"Assembler", "Assemble", "first block fetch")
			}
			a.logger.Warn("fetch retries exhausted, returning partial container",
				"sequence_id", c.SequenceID,
				"blocks", c.BlockCount,
				"block_count_max", a.cfg.BlockCountMax,
				"attempts", res.Attempts,
				"last_error", res.Err)
			break
		}

		if err := a.fold(c, res.Events, &st); err != nil {
			return nil, st, err
		}
	}

	st.Partial = c.Partial(a.cfg.BlockCountMax)
	return c, st, nil
}

// fold appends one block of sub-events to c.
func (a *Assembler) fold(c *Container, events []dtc.SubEvent, st *Stats) error {
	grew, err := a.growth.EnsureCapacity(c, ByteCount(events))
	if err != nil {
		return err
	}
	if grew {
		st.Reallocs++
		a.logger.Debug("container buffer grown",
			"sequence_id", c.SequenceID,
			"blocks", c.BlockCount,
			"capacity", c.Capacity())
	}

	for _, unit := range Coalesce(events) {
		c.Bytes = append(c.Bytes, unit.Data...)
		st.CopyUnits++
		if a.sink == nil {
			continue
		}
		if err := a.sink.Append(unit.Data); err != nil {
			st.SinkErrors++
			a.logger.Warn("raw sink write failed", "bytes", len(unit.Data), "error", err)
		}
	}

	if c.BlockCount == 0 {
		c.Timestamp = a.tracker.Stamp(events[0].Tag)
	}
	c.BlockEnds = append(c.BlockEnds, len(c.Bytes))
	c.BlockCount++
	return nil
}
