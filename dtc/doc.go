// Package dtc describes the hardware transfer port that readout pulls
// detector data from, and ships a software Simulator of a DTC (data
// transfer controller) for test stands without hardware.
//
// The port contract is deliberately narrow. Fetch returns the sub-events
// the engine has ready for a readout window; RequestRange asks the clock
// and fan-out controller (CFO) to start issuing window requests. Anything
// beyond that is an optional capability discovered with a type assertion:
//
//	DeviceTimer     time spent in hardware transfers, for rate metrics
//	RegisterAccess  ROC register passthrough writes and reads
//	Stopper         disabling the detector and CFO emulators at end of run
//	SimLoader       loading a simulation image into device memory
//
// Sub-events returned by Fetch share backing arrays with the DMA pages they
// were read into. Two sub-events are physically contiguous when the second
// starts exactly where the first ends in the same page; callers use this to
// copy runs of sub-events with a single operation. Sub-events must be
// treated as read-only.
//
// # Simulation images
//
// A simulation image is a sequence of records, each a 16-byte little-endian
// header followed by the payload:
//
//	offset 0  uint64  payload byte count
//	offset 8  uint64  event window tag (low 48 bits)
//	offset 16 ...     payload
//
// Consecutive records that carry the same tag belong to one window. The
// Simulator plays the windows back in order and starts again from the
// first window once the image is exhausted, so raw tags repeat.
package dtc
