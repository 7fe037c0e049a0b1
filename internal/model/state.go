package model

// State is a position in the live-session state machine:
// CREATED → SPAWNING → RUNNING → TERMINATING → CLEANED, with NOT_FOUND as the
// terminal state for a lookup miss.
type State int

// Lifecycle states.
const (
	StateCreated State = iota
	StateSpawning
	StateRunning
	StateTerminating
	StateCleaned
	StateNotFound
)

var stateNames = [...]string{
	StateCreated:     "CREATED",
	StateSpawning:    "SPAWNING",
	StateRunning:     "RUNNING",
	StateTerminating: "TERMINATING",
	StateCleaned:     "CLEANED",
	StateNotFound:    "NOT_FOUND",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}
