package domain

import "time"

// ProcessSpec describes how to launch a tool-host subprocess.
type ProcessSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
}

// ProcessStatus represents the lifecycle state of a supervised subprocess.
type ProcessStatus string

const (
	ProcessStatusRunning ProcessStatus = "running"
	ProcessStatusExited  ProcessStatus = "exited"
	ProcessStatusKilled  ProcessStatus = "killed"
)

// ExitEvent carries the outcome of a subprocess that has terminated.
// Delivered exactly once per process, when its handle's Done channel closes.
type ExitEvent struct {
	ExitCode   int       `json:"exit_code"`
	Err        error     `json:"-"`
	StderrTail string    `json:"stderr_tail,omitempty"`
	EndedAt    time.Time `json:"ended_at"`
}
