package models

import "time"

// TerminalStatus represents the lifecycle state of a terminal.
// Exited and error are final: there are no transitions out of them.
type TerminalStatus string

const (
	TerminalCreating TerminalStatus = "creating"
	TerminalRunning  TerminalStatus = "running"
	TerminalExited   TerminalStatus = "exited"
	TerminalError    TerminalStatus = "error"
)

// Final reports whether the status is terminal.
func (s TerminalStatus) Final() bool {
	return s == TerminalExited || s == TerminalError
}

// TerminalMode selects what process a terminal runs: a plain shell or a
// coding CLI provider ("claude", "codex").
const (
	ModeShell = "shell"
)

// TerminalRecord is the registry's public view of a terminal. The registry
// exclusively owns the underlying process handle and output buffer; records
// handed out are copies.
type TerminalRecord struct {
	ID              string         `json:"terminalId"`
	Status          TerminalStatus `json:"status"`
	Mode            string         `json:"mode"`
	Cwd             string         `json:"cwd"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	ResumeSessionID string         `json:"resumeSessionId,omitempty"`
	Provider        string         `json:"provider,omitempty"`
	ExitCode        *int           `json:"exitCode,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastActivityAt  time.Time      `json:"lastActivityAt"`
}

// CreateTerminalRequest describes a terminal to spawn.
type CreateTerminalRequest struct {
	// Mode is "shell" or a provider name ("claude", "codex").
	Mode string `json:"mode"`
	// Shell overrides the spawned binary for shell mode. Defaults to $SHELL.
	Shell string `json:"shell,omitempty"`
	// ShellArgs are extra arguments passed to the spawned binary.
	ShellArgs []string `json:"shellArgs,omitempty"`
	Cwd       string   `json:"cwd"`
	Title     string   `json:"title,omitempty"`
	Cols      uint16   `json:"cols,omitempty"`
	Rows      uint16   `json:"rows,omitempty"`
	// ResumeSessionID resumes an existing coding CLI session on startup.
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// TerminalEventKind tags registry lifecycle events consumed by the hub.
type TerminalEventKind string

const (
	TerminalCreatedEvent     TerminalEventKind = "terminal.created"
	TerminalStartedEvent     TerminalEventKind = "terminal.started"
	TerminalExitedEvent      TerminalEventKind = "terminal.exited"
	TerminalErrorEvent       TerminalEventKind = "terminal.error"
	TerminalTitleEvent       TerminalEventKind = "terminal.title"
	TerminalIdleWarningEvent TerminalEventKind = "terminal.idle.warning"
)

// TerminalEvent is emitted by the registry on lifecycle changes.
type TerminalEvent struct {
	Kind     TerminalEventKind `json:"kind"`
	Terminal TerminalRecord    `json:"terminal"`
}
