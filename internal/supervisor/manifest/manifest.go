// Package manifest defines the durable service catalogue: service
// definitions, groups, and the file-backed store that owns them.
package manifest

import (
	"path/filepath"
	"regexp"
	"time"

	"github.com/prochub/prochub/internal/common/errors"
)

// DefaultShutdownCommand is written to the PTY on a graceful stop when the
// manifest does not configure its own.
const DefaultShutdownCommand = "stop"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ScheduleAction is the operation a schedule fires against its service.
type ScheduleAction string

const (
	ActionStart   ScheduleAction = "start"
	ActionStop    ScheduleAction = "stop"
	ActionRestart ScheduleAction = "restart"
)

// Schedule is a cron-driven action bound to one service.
type Schedule struct {
	Enabled  bool           `json:"enabled"`
	CronExpr string         `json:"cron_expr"`
	Action   ScheduleAction `json:"action"`
	Timezone string         `json:"timezone,omitempty"`
}

// Manifest is the declarative description of a managed service.
type Manifest struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	RunAs   string            `json:"run_as,omitempty"`

	AutoStart       bool   `json:"auto_start"`
	AutoRestart     bool   `json:"auto_restart"`
	ClearLogOnStart bool   `json:"clear_log_on_start"`
	ShutdownCommand string `json:"shutdown_command,omitempty"`
	LogPath         string `json:"log_path,omitempty"`

	Tags  []string `json:"tags,omitempty"`
	Group string   `json:"group,omitempty"`
	Order int      `json:"order"`

	Schedule *Schedule `json:"schedule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Group is a UI-facing collection of services.
type Group struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
	Color string `json:"color,omitempty"`
}

// ReorderEntry moves one service to a group and position.
type ReorderEntry struct {
	ID    string `json:"id"`
	Group string `json:"group,omitempty"`
	Order int    `json:"order"`
}

// ValidID reports whether id is a well-formed service or group identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// EffectiveShutdownCommand returns the configured shutdown command or the
// default.
func (m *Manifest) EffectiveShutdownCommand() string {
	if m.ShutdownCommand != "" {
		return m.ShutdownCommand
	}
	return DefaultShutdownCommand
}

// Validate checks the manifest for structural problems.
func (m *Manifest) Validate() error {
	if !ValidID(m.ID) {
		return errors.InvalidArgument("service id must match [A-Za-z0-9_.-]+")
	}
	if m.Name == "" {
		return errors.InvalidArgument("service name is required")
	}
	if m.Command == "" {
		return errors.InvalidArgument("service command is required")
	}
	if m.Cwd != "" && !filepath.IsAbs(m.Cwd) {
		return errors.InvalidArgument("cwd must be an absolute path")
	}
	if m.Schedule != nil {
		switch m.Schedule.Action {
		case ActionStart, ActionStop, ActionRestart:
		default:
			return errors.InvalidArgument("schedule action must be start, stop or restart")
		}
		if m.Schedule.CronExpr == "" {
			return errors.InvalidArgument("schedule cron expression is required")
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate without aliasing the
// store's view.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.Args != nil {
		out.Args = append([]string(nil), m.Args...)
	}
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Env != nil {
		out.Env = make(map[string]string, len(m.Env))
		for k, v := range m.Env {
			out.Env[k] = v
		}
	}
	if m.Schedule != nil {
		sched := *m.Schedule
		out.Schedule = &sched
	}
	return &out
}
