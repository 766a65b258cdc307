package readout

import "github.com/c360/trkdaq/dtc"

// CopyUnit is a run of physically contiguous sub-events copied as one.
type CopyUnit struct {
	Data   []byte
	Events int
}

// Coalesce merges sub-events whose bytes sit back to back in the same
// backing array. Empty sub-events are dropped. The concatenation of the
// returned units equals the concatenation of the inputs.
func Coalesce(events []dtc.SubEvent) []CopyUnit {
	units := make([]CopyUnit, 0, len(events))
	for _, ev := range events {
		if len(ev.Data) == 0 {
			continue
		}
		if n := len(units); n > 0 && contiguous(units[n-1].Data, ev.Data) {
			last := &units[n-1]
			last.Data = last.Data[:len(last.Data)+len(ev.Data)]
			last.Events++
			continue
		}
		units = append(units, CopyUnit{Data: ev.Data, Events: 1})
	}
	return units
}

// contiguous reports whether b starts at the byte just past the end of a and
// a can be extended over all of b.
func contiguous(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 || cap(a) < len(a)+len(b) {
		return false
	}
	return &a[:len(a)+1][len(a)] == &b[0]
}

// ByteCount sums the payload sizes of events.
func ByteCount(events []dtc.SubEvent) int {
	n := 0
	for _, ev := range events {
		n += ev.ByteCount()
	}
	return n
}
