package readout

// State is the run state shared by the Generator and the ContinuityTracker.
// It is owned by the single goroutine that pulls containers and is never
// locked.
type State struct {
	EventCounter         uint64
	HighestTimestampSeen uint64
	LoopCount            uint64

	seen bool
}

// NewState returns the state at the start of a run.
func NewState() *State {
	return &State{EventCounter: 1}
}
