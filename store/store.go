// Package store persists monitor records across daemon restarts. The
// backing database is SQLite; state transitions are written here before
// they are announced anywhere else.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a monitor.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSleeping  Status = "sleeping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusSleeping, StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ExitReason records why a monitor reached a terminal status.
type ExitReason string

const (
	ExitPRClean       ExitReason = "pr_clean"
	ExitMaxIterations ExitReason = "max_iterations"
	ExitProcessError  ExitReason = "process_error"
	ExitUserStopped   ExitReason = "user_stopped"
)

// Monitor is one persisted monitor record.
type Monitor struct {
	ID              string
	Repo            string // "owner/name"
	Number          int    // PR number
	PID             int    // loop process PID, 0 when not running
	Status          Status
	Iteration       int
	MaxIterations   int
	IntervalMinutes int
	CommentsFixed   int
	ExitReason      ExitReason // empty until terminal
	LogFile         string
	StartedAt       time.Time
	LastCheckAt     *time.Time
	NextCheckAt     *time.Time
	EndedAt         *time.Time
}

// PRRef returns the canonical "owner/name#number" identity of the PR.
func (m *Monitor) PRRef() string {
	return fmt.Sprintf("%s#%d", m.Repo, m.Number)
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Repo       string
	Status     Status
	ActiveOnly bool // only running or sleeping monitors
}

// ErrNotFound is returned when no monitor matches the requested ID.
var ErrNotFound = errors.New("monitor not found")

// Store is the persistence interface the manager writes through.
type Store interface {
	// Insert saves a new monitor record.
	Insert(ctx context.Context, m *Monitor) error

	// Update overwrites the record with the given ID.
	Update(ctx context.Context, m *Monitor) error

	// Get returns the monitor with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Monitor, error)

	// ActiveForPR returns the non-terminal monitor for the PR, or nil
	// when there is none.
	ActiveForPR(ctx context.Context, repo string, number int) (*Monitor, error)

	// List returns monitors matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Monitor, error)

	// MarkOrphans fails every monitor left in a non-terminal status,
	// returning how many were updated. Called once at daemon startup,
	// before any new monitor starts: a record that claims to be running
	// then refers to a process that did not survive the restart.
	MarkOrphans(ctx context.Context, endedAt time.Time) (int, error)

	// Close releases the underlying database.
	Close() error
}
