// Package runtime implements the per-service process state machine: spawn
// into a PTY, pump output into the log ring, drive the graceful-stop
// escalation and relaunch crashed services under a restart budget.
package runtime

import (
	"time"

	"github.com/prochub/prochub/internal/supervisor/pty"
)

// State is the lifecycle state of a managed service.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// ExitInfo records how the last child process ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Status is a point-in-time snapshot of a service's runtime state.
type Status struct {
	ID        string     `json:"id"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Exit      *ExitInfo  `json:"exit,omitempty"`
	Epoch     uint64     `json:"epoch"`
}

// Options tunes the state machine timers. Zero values fall back to the
// production defaults; tests inject short durations.
type Options struct {
	// GraceTimeout is how long a graceful stop waits after writing the
	// shutdown command before escalating to TERM.
	GraceTimeout time.Duration
	// KillTimeout is how long to wait after TERM before KILL.
	KillTimeout time.Duration

	// BackoffInitial is the first auto-restart delay; it doubles on every
	// consecutive failure up to BackoffCap.
	BackoffInitial time.Duration
	BackoffCap     time.Duration

	// BudgetMax relaunches within a rolling BudgetWindow; one more failure
	// latches the service crashed.
	BudgetMax    int
	BudgetWindow time.Duration

	Cols int
	Rows int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = 10 * time.Second
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = 5 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.BudgetMax <= 0 {
		o.BudgetMax = 5
	}
	if o.BudgetWindow <= 0 {
		o.BudgetWindow = 60 * time.Second
	}
	if o.Cols <= 0 {
		o.Cols = pty.DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = pty.DefaultRows
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// TransitionListener observes state changes. It is invoked with the service
// lock held and must not call back into the service.
type TransitionListener func(st Status, from State)
