package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a session status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// SessionStats holds aggregate session statistics.
type SessionStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Finish describes the terminal state of a session.
type Finish struct {
	Status     string
	Outcome    model.Outcome
	ExitCode   *int
	Error      string
	DurationMS *int
}

// Store defines the persistence operations for session history.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]*model.Session, int, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	FinishSession(ctx context.Context, id string, f Finish) error
	GetSessionStats(ctx context.Context) (*SessionStats, error)
	InsertOutputChunk(ctx context.Context, sessionID string, seq int, chunk string) error
	GetOutputChunks(ctx context.Context, sessionID string) ([]model.OutputChunk, error)
	Close() error
}
