package syncer

// State is the position of one target in the sync pipeline
type State string

const (
	StateIdle              State = "Idle"
	StateExtracting        State = "Extracting"
	StateReconciling       State = "Reconciling"
	StateResolving         State = "Resolving"
	StateWritingEdges      State = "WritingEdges"
	StateDone              State = "Done"
	StateFailed            State = "Failed"
	StatePartiallyComplete State = "PartiallyComplete"
)

var transitions = map[State][]State{
	StateIdle:         {StateExtracting, StateFailed},
	StateExtracting:   {StateReconciling, StateFailed},
	StateReconciling:  {StateResolving, StateDone, StateFailed},
	StateResolving:    {StateWritingEdges, StateFailed},
	StateWritingEdges: {StateDone, StatePartiallyComplete, StateFailed},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StatePartiallyComplete
}

// CanTransition reports whether the pipeline may move from one state to another
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
