package dtc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/trkdaq/errors"
)

// TagBits is the width of the hardware event window counter.
const TagBits = 48

// TagMask selects the valid bits of an event window tag.
const TagMask = uint64(1)<<TagBits - 1

// EventWindowTag identifies one detector readout window. Hardware values are
// bounded to TagBits and wrap to zero.
type EventWindowTag uint64

// Raw returns the tag value as delivered by hardware.
func (t EventWindowTag) Raw() uint64 {
	return uint64(t) & TagMask
}

// SubEvent is one hardware-delivered chunk of bytes belonging to a window.
type SubEvent struct {
	Data []byte
	Tag  EventWindowTag
}

// ByteCount returns the payload size of the sub-event.
func (s SubEvent) ByteCount() int {
	return len(s.Data)
}

// RangeRequest asks the CFO to issue readout requests for a run of windows.
type RangeRequest struct {
	Count           int            // Number of windows, negative for unbounded
	Start           EventWindowTag // First window tag
	Increment       bool           // Increment the tag for every request
	DelayTicks      uint32         // Delay between requests in 40 MHz clock ticks
	AheadCount      int            // Requests sent ahead of data
	HeartbeatsAfter int            // Null heartbeats sent after the requests
}

// Unbounded reports whether the request has no window limit.
func (r RangeRequest) Unbounded() bool {
	return r.Count < 0
}

// TransferPort is the hardware transfer engine readout pulls data from.
type TransferPort interface {
	// Fetch returns the sub-events ready for the window. An empty result with
	// a nil error means nothing was ready yet. Transient stalls are reported
	// as transient classified errors; device faults are fatal.
	Fetch(ctx context.Context, tag EventWindowTag) ([]SubEvent, error)

	// RequestRange starts issuing window requests. It does not wait for data.
	RequestRange(ctx context.Context, req RangeRequest) error
}

// DeviceTimer reports time spent in hardware transfers.
type DeviceTimer interface {
	ResetDeviceTime()
	DeviceTime() time.Duration
}

// Link selects one of the DTC's ROC links.
type Link uint8

// MaxLinks is the number of ROC links on one DTC.
const MaxLinks = 6

// Valid reports whether the link exists on the DTC.
func (l Link) Valid() bool {
	return l < MaxLinks
}

// RegisterAccess provides ROC register passthrough.
type RegisterAccess interface {
	WriteROCRegister(ctx context.Context, link Link, address, value uint16) error
	ReadROCRegister(ctx context.Context, link Link, address uint16) (uint16, error)
}

// Stopper disables the emulators that drive data production.
type Stopper interface {
	DisableEmulators() error
}

// SimLoader loads a simulation image into device memory.
type SimLoader interface {
	LoadSimFile(ctx context.Context, path string) error
}

// VersionReader reports the device firmware design version.
type VersionReader interface {
	DesignVersion() string
}

// SimMode selects how the DTC produces data.
type SimMode int

// Simulation modes supported by the DTC firmware
const (
	SimModeDisabled SimMode = iota
	SimModeTracker
	SimModeCalorimeter
	SimModeCosmicVeto
	SimModeNoCFO
	SimModeROCEmulator
	SimModeLoopback
	SimModePerformance
	SimModeLargeFile
)

var simModeNames = []string{
	"disabled",
	"tracker",
	"calorimeter",
	"cosmicveto",
	"nocfo",
	"rocemulator",
	"loopback",
	"performance",
	"largefile",
}

// String returns the lower-case mode name
func (m SimMode) String() string {
	if m < 0 || int(m) >= len(simModeNames) {
		return "unknown"
	}
	return simModeNames[m]
}

// ParseSimMode accepts a mode name in any case or its numeric value.
func ParseSimMode(s string) (SimMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return SimModeDisabled, nil
	}
	for i, n := range simModeNames {
		if n == name {
			return SimMode(i), nil
		}
	}
	if n, err := strconv.Atoi(name); err == nil && n >= 0 && n < len(simModeNames) {
		return SimMode(n), nil
	}
	return SimModeDisabled, errors.WrapInvalid(
		fmt.Errorf("unknown sim mode %q", s), "dtc", "ParseSimMode", "sim mode lookup")
}
