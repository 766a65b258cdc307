package readout

import "github.com/c360/trkdaq/dtc"

// ContinuityTracker converts wrapping hardware window tags into strictly
// increasing logical timestamps.
type ContinuityTracker struct {
	state *State
}

// NewContinuityTracker returns a tracker that records its progress in state.
func NewContinuityTracker(state *State) *ContinuityTracker {
	return &ContinuityTracker{state: state}
}

// Stamp returns the logical timestamp for tag.
//
// A tag above the highest seen is returned unchanged and becomes the new
// highest. Any other tag is offset by LoopCount*(highest+1), where LoopCount
// is incremented each time the raw tag is exactly zero. The first tag of a
// run only initialises the highest value.
func (t *ContinuityTracker) Stamp(tag dtc.EventWindowTag) uint64 {
	raw := tag.Raw()
	s := t.state

	if !s.seen {
		s.seen = true
		s.HighestTimestampSeen = raw
		return raw
	}
	if raw > s.HighestTimestampSeen {
		s.HighestTimestampSeen = raw
		return raw
	}
	if raw == 0 {
		s.LoopCount++
	}
	return raw + s.LoopCount*(s.HighestTimestampSeen+1)
}
