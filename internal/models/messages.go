package models

import "fmt"

// MessageType tags outbound hub messages. The set is closed: clients must
// ignore unknown types, the server never invents ad-hoc ones.
type MessageType string

const (
	HelloMessage              MessageType = "hello"
	ResultMessage             MessageType = "result"
	ErrorMessage              MessageType = "error"
	TerminalListMessage       MessageType = "terminal.list"
	TerminalOutputMessage     MessageType = "terminal.output"
	TerminalCreatedMessage    MessageType = "terminal.created"
	TerminalStartedMessage    MessageType = "terminal.started"
	TerminalExitedMessage     MessageType = "terminal.exited"
	TerminalErrorMessage      MessageType = "terminal.error"
	TerminalTitleMessage      MessageType = "terminal.title"
	TerminalIdleWarning       MessageType = "terminal.idle.warning"
	TerminalAssociatedMessage MessageType = "terminal.session.associated"
	SessionsUpdatedMessage    MessageType = "sessions.updated"
	SettingsUpdatedMessage    MessageType = "settings.updated"
	LoggingToggledMessage     MessageType = "logging.toggled"
)

// ServerMessage is the envelope for every outbound hub message.
type ServerMessage struct {
	Type MessageType `json:"type"`
	// ID echoes the client command id on result/error responses and carries
	// a generated id on broadcasts.
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// HelloPayload is the full state snapshot sent once per connection.
type HelloPayload struct {
	Settings     Settings         `json:"settings"`
	Projects     []ProjectGroup   `json:"projects"`
	Terminals    []TerminalRecord `json:"terminals"`
	FeatureFlags map[string]bool  `json:"featureFlags,omitempty"`
}

// TerminalOutputPayload carries raw terminal output for one terminal.
type TerminalOutputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// AssociationPayload announces a terminal↔session binding.
type AssociationPayload struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Provider   string `json:"provider"`
}

// SessionsUpdatedPayload carries a complete project-group snapshot.
type SessionsUpdatedPayload struct {
	Projects []ProjectGroup `json:"projects"`
}

// ErrorPayload carries a command failure back to the requester.
type ErrorPayload struct {
	Error string `json:"error"`
}

// CommandType tags inbound client commands.
type CommandType string

const (
	CmdTerminalCreate CommandType = "terminal.create"
	CmdTerminalAttach CommandType = "terminal.attach"
	CmdTerminalDetach CommandType = "terminal.detach"
	CmdTerminalInput  CommandType = "terminal.input"
	CmdTerminalResize CommandType = "terminal.resize"
	CmdTerminalKill   CommandType = "terminal.kill"
	CmdTerminalRename CommandType = "terminal.rename"
	CmdTerminalList   CommandType = "terminal.list"
	CmdSessionKill    CommandType = "session.kill"
	CmdSettingsPatch  CommandType = "settings.patch"
	CmdLoggingToggle  CommandType = "logging.toggle"
)

// ClientCommand is the envelope for every inbound hub command. Fields beyond
// Type and ID are populated per command; Validate narrows the union before
// anything is routed.
type ClientCommand struct {
	Type CommandType `json:"type"`
	ID   string      `json:"id,omitempty"`

	TerminalID  string                 `json:"terminalId,omitempty"`
	Create      *CreateTerminalRequest `json:"create,omitempty"`
	Data        string                 `json:"data,omitempty"`
	Cols        uint16                 `json:"cols,omitempty"`
	Rows        uint16                 `json:"rows,omitempty"`
	Title       *string                `json:"title,omitempty"`
	Description *string                `json:"description,omitempty"`
	// SessionKey is the "provider:sessionId" composite key for session
	// commands.
	SessionKey string         `json:"sessionKey,omitempty"`
	Settings   *SettingsPatch `json:"settings,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

// Validate checks that the command names a known type and carries the fields
// that type requires.
func (c *ClientCommand) Validate() error {
	switch c.Type {
	case CmdTerminalCreate:
		if c.Create == nil {
			return fmt.Errorf("%s requires a create request", c.Type)
		}
	case CmdTerminalAttach, CmdTerminalDetach, CmdTerminalKill:
		if c.TerminalID == "" {
			return fmt.Errorf("%s requires terminalId", c.Type)
		}
	case CmdTerminalInput:
		if c.TerminalID == "" {
			return fmt.Errorf("%s requires terminalId", c.Type)
		}
	case CmdTerminalResize:
		if c.TerminalID == "" || c.Cols == 0 || c.Rows == 0 {
			return fmt.Errorf("%s requires terminalId, cols and rows", c.Type)
		}
	case CmdTerminalRename:
		if c.TerminalID == "" || (c.Title == nil && c.Description == nil) {
			return fmt.Errorf("%s requires terminalId and a title or description", c.Type)
		}
	case CmdSessionKill:
		if c.SessionKey == "" {
			return fmt.Errorf("%s requires sessionKey", c.Type)
		}
	case CmdTerminalList:
	case CmdSettingsPatch:
		if c.Settings == nil {
			return fmt.Errorf("%s requires a settings patch", c.Type)
		}
	case CmdLoggingToggle:
		if c.Enabled == nil {
			return fmt.Errorf("%s requires enabled", c.Type)
		}
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}
