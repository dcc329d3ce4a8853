package txn

// State is the lifecycle position of a Transaction.
type State int

const (
	StateActive State = iota
	StatePreparing
	StateCommitting
	StateCommitted
	StateAborting
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePreparing:
		return "preparing"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCommitted || s == StateAborted }

// finalizing covers the states in which participants are being driven.
func (s State) finalizing() bool {
	return s == StatePreparing || s == StateCommitting || s == StateAborting
}
