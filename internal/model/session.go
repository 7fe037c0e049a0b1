package model

import "time"

// Session status constants.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusKilled    = "killed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Language constants.
const (
	LanguageCPP = "cpp"
	LanguageC   = "c"
)

// Outcome records which activity ended a live run. Exactly one outcome is
// recorded per run.
type Outcome string

// Outcome constants.
const (
	OutcomeNone         Outcome = ""
	OutcomeExited       Outcome = "exited"
	OutcomeWallLimit    Outcome = "wall_limit"
	OutcomeIdleLimit    Outcome = "idle_limit"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeSpawnFailed  Outcome = "spawn_failed"
)

// Outcomes lists every terminal outcome, for metric label pre-initialisation.
var Outcomes = []Outcome{
	OutcomeExited,
	OutcomeWallLimit,
	OutcomeIdleLimit,
	OutcomeDisconnected,
	OutcomeCancelled,
	OutcomeSpawnFailed,
}

// Status returns the terminal session status an outcome maps to.
func (o Outcome) Status() string {
	switch o {
	case OutcomeExited:
		return StatusCompleted
	case OutcomeSpawnFailed:
		return StatusFailed
	default:
		return StatusKilled
	}
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusCreated: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusExpired: true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusKilled:    true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	_, ok := validTransitions[status]
	return !ok
}

// Descriptor identifies one compiled, runnable unit. It is the only entity
// that references its workspace, and it is consumed by the first live channel
// that opens it.
type Descriptor struct {
	ID            string    `json:"id"`
	Language      string    `json:"language"`
	WorkspacePath string    `json:"workspace_path"`
	ArtifactPath  string    `json:"artifact_path"`
	Limits        Limits    `json:"limits"`
	CreatedAt     time.Time `json:"created_at"`
}

// Session is the persisted history record of one session.
type Session struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Language    string     `json:"language"`
	Outcome     Outcome    `json:"outcome,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	WallLimitMS int64      `json:"wall_limit_ms"`
	IdleLimitMS int64      `json:"idle_limit_ms"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// OutputChunk is a single persisted chunk of live-run output.
type OutputChunk struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Chunk     string    `json:"chunk"`
	CreatedAt time.Time `json:"created_at"`
}
