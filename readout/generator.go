package readout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/trkdaq/dtc"
	"github.com/c360/trkdaq/errors"
)

// DefaultPreloadPollInterval is how often ProduceNext checks for preload completion.
const DefaultPreloadPollInterval = 5 * time.Millisecond

// Source is the pull contract the host drives.
type Source interface {
	// ProduceNext returns the next container, or ErrEndOfStream.
	ProduceNext(ctx context.Context) (*Container, error)
	// ShouldStop reports whether a stop was requested.
	ShouldStop() bool
	// RequestStop asks the source to stop at the next check.
	RequestStop()
}

// Phase is the generator state within one cycle.
type Phase int32

// Generator phases
const (
	PhaseIdle Phase = iota
	PhaseWaitingForPreload
	PhaseRequesting
	PhaseAssembling
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForPreload:
		return "waiting_for_preload"
	case PhaseRequesting:
		return "requesting"
	case PhaseAssembling:
		return "assembling"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RegisterWrite is one ROC register passthrough write applied before each
// real container.
type RegisterWrite struct {
	Link    dtc.Link `json:"link"`
	Address uint16   `json:"address"`
	Value   uint16   `json:"value"`
}

// Config configures a Generator.
type Config struct {
	BoardID     uint8
	FanOut      int    // Number of generators sharing the sequence, at least 1
	SendEmpties bool   // Emit fillers for sequence ids owned by other boards
	MaxEvents   uint64 // Zero means unlimited

	RunNumber uint32
	SimMode   dtc.SimMode

	DelayTicks      uint32
	HeartbeatsAfter int
	RegisterWrites  []RegisterWrite

	PreloadPollInterval time.Duration

	Assembler AssemblerConfig
}

// Telemetry is reported once per real container. Rates are per second and
// zero when their time base is zero.
type Telemetry struct {
	SequenceID     uint64
	Blocks         int
	Bytes          int
	Partial        bool
	Fetches        int
	Faults         int
	SinkErrors     int
	TimestampCount uint64  // Blocks read since the run started
	TimestampRate  float64 // Blocks per second since the previous report
	GeneratorRate  float64 // Blocks per second of processing time
	HardwareRate   float64 // Blocks per second of device transfer time
	TransferRate   float64 // Bytes per second of device transfer time
}

// MetricsReporter receives telemetry.
type MetricsReporter interface {
	Report(t Telemetry)
}

// GeneratorDeps holds the collaborators of a Generator. Only Port is required.
type GeneratorDeps struct {
	Port      dtc.TransferPort
	Timer     dtc.DeviceTimer
	Registers dtc.RegisterAccess
	Stopper   dtc.Stopper
	Sink      RawSink
	Metrics   MetricsReporter
	Logger    *slog.Logger
}

// Generator produces containers on demand.
type Generator struct {
	cfg       Config
	state     *State
	assembler *Assembler
	port      dtc.TransferPort
	timer     dtc.DeviceTimer
	registers dtc.RegisterAccess
	stopper   dtc.Stopper
	metrics   MetricsReporter
	logger    *slog.Logger

	phase      atomic.Int32
	stop       atomic.Bool
	preloading atomic.Bool
	preloadErr atomic.Pointer[error]
	preloadSet atomic.Bool

	timestampsRead uint64
	lastReport     time.Time
}

var _ Source = (*Generator)(nil)

// NewGenerator creates a generator with a fresh run State.
func NewGenerator(cfg Config, deps GeneratorDeps) (*Generator, error) {
	if deps.Port == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Generator", "NewGenerator", "transfer port check")
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = 1
	}
	if cfg.PreloadPollInterval <= 0 {
		cfg.PreloadPollInterval = DefaultPreloadPollInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Generator{
		cfg:        cfg,
		state:      NewState(),
		port:       deps.Port,
		timer:      deps.Timer,
		registers:  deps.Registers,
		stopper:    deps.Stopper,
		metrics:    deps.Metrics,
		logger:     logger,
		lastReport: time.Now(),
	}
	g.assembler = NewAssembler(cfg.Assembler, AssemblerDeps{
		Port:    deps.Port,
		Tracker: NewContinuityTracker(g.state),
		Sink:    deps.Sink,
		Stop:    g.stop.Load,
		Logger:  logger,
	})
	g.cfg.Assembler = g.assembler.Config()
	return g, nil
}

// State returns the run state. It must only be read from the goroutine that
// calls ProduceNext.
func (g *Generator) State() *State {
	return g.state
}

// Phase returns the current phase.
func (g *Generator) Phase() Phase {
	return Phase(g.phase.Load())
}

func (g *Generator) setPhase(p Phase) {
	g.phase.Store(int32(p))
}

// ShouldStop reports whether RequestStop was called.
func (g *Generator) ShouldStop() bool {
	return g.stop.Load()
}

// RequestStop asks the generator to stop. An assembly in progress ends after
// its current block and yields a partial container.
func (g *Generator) RequestStop() {
	if g.stop.CompareAndSwap(false, true) {
		g.logger.Info("stop requested", "phase", g.Phase().String())
	}
}

// Close disables the hardware emulators. Call it after the last ProduceNext
// has returned.
func (g *Generator) Close() error {
	g.RequestStop()
	g.setPhase(PhaseStopped)
	if g.stopper == nil {
		return nil
	}
	return errors.Wrap(g.stopper.DisableEmulators(), "Generator", "Close", "disable emulators")
}

// StartPreload runs load in its own goroutine. ProduceNext waits for it to
// finish before producing anything. Only the first call has an effect.
func (g *Generator) StartPreload(ctx context.Context, load func(ctx context.Context) error) {
	if !g.preloadSet.CompareAndSwap(false, true) {
		return
	}
	g.preloading.Store(true)

	go func() {
		start := time.Now()
		g.logger.Info("preload started, run start waits for it to finish")
		if err := load(ctx); err != nil {
			g.preloadErr.Store(&err)
			g.logger.Error("preload failed", "error", err)
		} else {
			g.logger.Info("preload finished", "duration", time.Since(start))
		}
		g.preloading.Store(false)
	}()
}

// PreloadDone reports whether no preload is running.
func (g *Generator) PreloadDone() bool {
	return !g.preloading.Load()
}

func (g *Generator) halted(ctx context.Context) bool {
	return g.stop.Load() || ctx.Err() != nil
}

// waitForPreload polls until the preload finishes. It returns false if the
// generator is stopped first.
func (g *Generator) waitForPreload(ctx context.Context) bool {
	if g.PreloadDone() {
		return true
	}
	g.setPhase(PhaseWaitingForPreload)

	ticker := time.NewTicker(g.cfg.PreloadPollInterval)
	defer ticker.Stop()
	for !g.PreloadDone() {
		if g.halted(ctx) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// owns reports whether this board produces the real container for seq.
func (g *Generator) owns(seq uint64) bool {
	fanOut := uint64(g.cfg.FanOut)
	board := uint64(g.cfg.BoardID)
	mod := seq % fanOut
	return mod == board || (mod == 0 && board == fanOut)
}

// ProduceNext returns the next container for this board. It returns
// ErrEndOfStream once stopped or after MaxEvents containers, and a fatal
// error when the run cannot continue.
func (g *Generator) ProduceNext(ctx context.Context) (*Container, error) {
	if !g.waitForPreload(ctx) {
		g.setPhase(PhaseStopped)
		return nil, ErrEndOfStream
	}
	if p := g.preloadErr.Load(); p != nil {
		g.setPhase(PhaseStopped)
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", ErrPreloadFailed, *p),
			"Generator", "ProduceNext", "preload check")
	}

	seq := g.state.EventCounter
	if g.halted(ctx) || (g.cfg.MaxEvents > 0 && seq > g.cfg.MaxEvents) {
		g.setPhase(PhaseStopped)
		return nil, ErrEndOfStream
	}
	g.state.EventCounter++

	if g.cfg.SendEmpties && !g.owns(seq) {
		g.setPhase(PhaseIdle)
		return NewFiller(seq, g.cfg.BoardID), nil
	}

	c, err := g.produceReal(ctx, seq)
	if err != nil {
		g.setPhase(PhaseStopped)
		return nil, err
	}
	if c == nil {
		g.setPhase(PhaseStopped)
		return nil, ErrEndOfStream
	}
	g.setPhase(PhaseIdle)
	return c, nil
}

func (g *Generator) produceReal(ctx context.Context, seq uint64) (*Container, error) {
	procStart := time.Now()
	blockMax := g.cfg.Assembler.BlockCountMax
	start := dtc.EventWindowTag(uint64(blockMax) * (seq - 1))

	g.setPhase(PhaseRequesting)
	if g.cfg.SimMode != dtc.SimModeDisabled {
		req := dtc.RangeRequest{
			Count:           -1,
			Start:           start,
			Increment:       true,
			DelayTicks:      g.cfg.DelayTicks,
			AheadCount:      1,
			HeartbeatsAfter: g.cfg.HeartbeatsAfter,
		}
		g.logger.Debug("requesting window range", "start", start.Raw(), "sequence_id", seq)
		if err := g.port.RequestRange(ctx, req); err != nil {
			if errors.IsFatal(err) {
				return nil, err
			}
			g.logger.Warn("range request failed", "start", start.Raw(), "error", err)
		}
	}
	g.applyRegisterWrites(ctx)

	g.setPhase(PhaseAssembling)
	if g.timer != nil {
		g.timer.ResetDeviceTime()
	}
	hdr := Header{
		SequenceID: seq,
		BoardID:    g.cfg.BoardID,
		RunNumber:  g.cfg.RunNumber,
		SimMode:    g.cfg.SimMode,
	}
	c, st, err := g.assembler.Assemble(ctx, hdr, start)
	if err != nil {
		return nil, err
	}
	if st.Cancelled && c.BlockCount == 0 {
		g.logger.Info("assembly cancelled before any data", "sequence_id", seq)
		return nil, nil
	}
	if st.Partial {
		g.logger.Info("partial container",
			"sequence_id", seq,
			"blocks", c.BlockCount,
			"block_count_max", blockMax,
			"cancelled", st.Cancelled)
	}

	g.report(c, st, time.Since(procStart))
	return c, nil
}

// applyRegisterWrites performs the configured ROC writes and logs the
// read-back value. Failures are logged only.
func (g *Generator) applyRegisterWrites(ctx context.Context) {
	if g.registers == nil {
		return
	}
	for _, w := range g.cfg.RegisterWrites {
		if err := g.registers.WriteROCRegister(ctx, w.Link, w.Address, w.Value); err != nil {
			g.logger.Warn("ROC register write failed",
				"link", w.Link, "address", w.Address, "error", err)
			continue
		}
		v, err := g.registers.ReadROCRegister(ctx, w.Link, w.Address)
		if err != nil {
			g.logger.Warn("ROC register read-back failed",
				"link", w.Link, "address", w.Address, "error", err)
			continue
		}
		g.logger.Debug("ROC register read-back",
			"link", w.Link, "address", w.Address, "value", v, "written", w.Value)
	}
}

func (g *Generator) report(c *Container, st Stats, procTime time.Duration) {
	g.timestampsRead += uint64(c.BlockCount)

	now := time.Now()
	sinceLast := now.Sub(g.lastReport)
	g.lastReport = now

	var hwTime time.Duration
	if g.timer != nil {
		hwTime = g.timer.DeviceTime()
	}

	if g.metrics == nil {
		return
	}
	g.metrics.Report(Telemetry{
		SequenceID:     c.SequenceID,
		Blocks:         c.BlockCount,
		Bytes:          c.Used(),
		Partial:        st.Partial,
		Fetches:        st.Fetches,
		Faults:         st.Faults,
		SinkErrors:     st.SinkErrors,
		TimestampCount: g.timestampsRead,
		TimestampRate:  perSecond(float64(c.BlockCount), sinceLast),
		GeneratorRate:  perSecond(float64(c.BlockCount), procTime),
		HardwareRate:   perSecond(float64(c.BlockCount), hwTime),
		TransferRate:   perSecond(float64(c.Used()), hwTime),
	})
}

func perSecond(n float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return n / d.Seconds()
}
