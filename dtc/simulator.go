package dtc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/c360/trkdaq/errors"
)

// DefaultPageSize matches the DMA buffer size of the DTC driver.
const DefaultPageSize = 32 * 1024

// RegisterKey addresses one ROC register.
type RegisterKey struct {
	Link    Link
	Address uint16
}

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// PageSize is the DMA page size. Sub-events of one window are packed into
	// the current page until the next one does not fit.
	PageSize int

	// StallEvery makes every Nth Fetch fail with a transient stall. Zero
	// disables stalls.
	StallEvery int

	// RequireRequests serves windows only while RequestRange has windows
	// outstanding. Set it for every sim mode that drives the CFO.
	RequireRequests bool

	// FetchLatency is added to every Fetch and counted as device time.
	FetchLatency time.Duration

	// Version is reported by DesignVersion.
	Version string
}

// Simulator is a software DTC that plays back a simulation image.
type Simulator struct {
	cfg    SimulatorConfig
	logger *slog.Logger

	mu        sync.Mutex
	image     []Window
	cursor    int
	fetches   int
	pending   int // outstanding windows, negative when unbounded
	requests  []RangeRequest
	transfers time.Duration

	registers        *xsync.MapOf[RegisterKey, uint16]
	detectorEmulator atomic.Bool
	cfoEmulator      atomic.Bool
}

var (
	_ TransferPort   = (*Simulator)(nil)
	_ DeviceTimer    = (*Simulator)(nil)
	_ RegisterAccess = (*Simulator)(nil)
	_ Stopper        = (*Simulator)(nil)
	_ SimLoader      = (*Simulator)(nil)
	_ VersionReader  = (*Simulator)(nil)
)

// NewSimulator creates a simulator that plays back image.
func NewSimulator(cfg SimulatorConfig, image []Window, logger *slog.Logger) *Simulator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Version == "" {
		cfg.Version = "sim-dtc"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Simulator{
		cfg:       cfg,
		logger:    logger.With("dtc", "simulator"),
		image:     image,
		registers: xsync.NewMapOf[RegisterKey, uint16](),
	}
	s.detectorEmulator.Store(true)
	return s
}

// Fetch returns the sub-events of the next window in the image. The
// requested tag is advisory; playback order decides which window is served.
func (s *Simulator) Fetch(ctx context.Context, tag EventWindowTag) ([]SubEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Simulator", "Fetch", "context check")
	}
	if !s.detectorEmulator.Load() {
		return nil, errors.WrapFatal(errors.ErrDeviceDisabled, "Simulator", "Fetch", "emulator check")
	}

	start := time.Now()
	if s.cfg.FetchLatency > 0 {
		timer := time.NewTimer(s.cfg.FetchLatency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.WrapTransient(ctx.Err(), "Simulator", "Fetch", "transfer wait")
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.transfers += time.Since(start) }()

	s.fetches++
	if s.cfg.StallEvery > 0 && s.fetches%s.cfg.StallEvery == 0 {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: window %d", errors.ErrDeviceStall, tag.Raw()), "Simulator", "Fetch", "dma read")
	}
	if len(s.image) == 0 {
		return nil, nil
	}
	if s.cfg.RequireRequests && s.pending == 0 {
		return nil, nil
	}

	win := s.image[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.image)
	if s.pending > 0 {
		s.pending--
	}

	return s.pack(win), nil
}

// pack copies the window payloads into DMA pages and returns sub-events that
// alias those pages.
func (s *Simulator) pack(win Window) []SubEvent {
	events := make([]SubEvent, 0, len(win.SubEvents))
	var page []byte
	for _, p := range win.SubEvents {
		if page == nil || len(page)+len(p) > cap(page) {
			page = make([]byte, 0, max(s.cfg.PageSize, len(p)))
		}
		off := len(page)
		page = append(page, p...)
		events = append(events, SubEvent{Data: page[off:len(page)], Tag: win.Tag})
	}
	return events
}

// RequestRange records the request and makes the requested windows
// available to Fetch.
func (s *Simulator) RequestRange(_ context.Context, req RangeRequest) error {
	if req.Count == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Simulator", "RequestRange", "window count")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	switch {
	case req.Unbounded():
		s.pending = -1
	case s.pending >= 0:
		s.pending += req.Count
	}
	s.cfoEmulator.Store(true)

	s.logger.Debug("range requested",
		"count", req.Count,
		"start", req.Start.Raw(),
		"delay_ticks", req.DelayTicks,
		"heartbeats_after", req.HeartbeatsAfter)
	return nil
}

// Requests returns a copy of every range request received.
func (s *Simulator) Requests() []RangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RangeRequest(nil), s.requests...)
}

// Fetches returns the number of Fetch calls that reached the device.
func (s *Simulator) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// ResetDeviceTime clears the accumulated transfer time.
func (s *Simulator) ResetDeviceTime() {
	s.mu.Lock()
	s.transfers = 0
	s.mu.Unlock()
}

// DeviceTime returns the transfer time accumulated since the last reset.
func (s *Simulator) DeviceTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers
}

// WriteROCRegister stores value in the register file.
func (s *Simulator) WriteROCRegister(_ context.Context, link Link, address, value uint16) error {
	if !link.Valid() {
		return errors.WrapInvalid(fmt.Errorf("link %d out of range", link),
			"Simulator", "WriteROCRegister", "link validation")
	}
	s.registers.Store(RegisterKey{Link: link, Address: address}, value)
	return nil
}

// ReadROCRegister returns the stored value, or zero for a register that was
// never written.
func (s *Simulator) ReadROCRegister(_ context.Context, link Link, address uint16) (uint16, error) {
	if !link.Valid() {
		return 0, errors.WrapInvalid(fmt.Errorf("link %d out of range", link),
			"Simulator", "ReadROCRegister", "link validation")
	}
	v, _ := s.registers.Load(RegisterKey{Link: link, Address: address})
	return v, nil
}

// DisableEmulators turns off the detector and CFO emulators. Later Fetch
// calls fail with ErrDeviceDisabled.
func (s *Simulator) DisableEmulators() error {
	s.detectorEmulator.Store(false)
	s.cfoEmulator.Store(false)
	s.logger.Info("detector and CFO emulation disabled")
	return nil
}

// EmulatorsEnabled reports the detector and CFO emulator state.
func (s *Simulator) EmulatorsEnabled() (detector, cfo bool) {
	return s.detectorEmulator.Load(), s.cfoEmulator.Load()
}

// LoadSimFile replaces the image with the contents of path and restarts
// playback from its first window.
func (s *Simulator) LoadSimFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WrapInvalid(err, "Simulator", "LoadSimFile", "open sim file")
	}
	defer f.Close()

	image, err := ReadImage(ctx, f)
	if err != nil {
		return errors.Wrap(err, "Simulator", "LoadSimFile", "decode sim file")
	}

	s.mu.Lock()
	s.image = image
	s.cursor = 0
	s.mu.Unlock()
	s.detectorEmulator.Store(true)

	s.logger.Info("simulation image loaded", "path", path, "windows", len(image))
	return nil
}

// DesignVersion returns the configured firmware version string.
func (s *Simulator) DesignVersion() string {
	return s.cfg.Version
}
