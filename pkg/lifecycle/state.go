package lifecycle

// State is the position of a call in its capture lifecycle. Transitions
// only move forward; Ended and Failed are terminal.
type State string

const (
	StateIdle           State = "idle"
	StateSnoopRequested State = "snoop_requested"
	StateSnoopReady     State = "snoop_ready"
	StateMediaRequested State = "media_requested"
	StateMediaReady     State = "media_ready"
	StateBridged        State = "bridged"
	StateActive         State = "active"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

var validTransitions = map[State][]State{
	StateIdle:           {StateSnoopRequested},
	StateSnoopRequested: {StateSnoopReady},
	StateSnoopReady:     {StateMediaRequested},
	StateMediaRequested: {StateMediaReady},
	StateMediaReady:     {StateBridged},
	StateBridged:        {StateActive},
	StateActive:         {StateEnded},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// CanTransition reports whether moving from s to next is legal. Every
// non-terminal state may fail; Ended is only reachable from Active.
func (s State) CanTransition(next State) bool {
	if next == StateFailed {
		return !s.Terminal()
	}
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
