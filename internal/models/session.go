package models

import "time"

// CodingCliSession is one persisted coding-CLI conversation discovered on
// disk. Identity is the (Provider, SessionID) pair; CompositeKey is the
// canonical external reference.
type CodingCliSession struct {
	SessionID    string     `json:"sessionId"`
	Provider     string     `json:"provider"`
	ProjectPath  string     `json:"projectPath"`
	Cwd          string     `json:"cwd,omitempty"`
	Title        string     `json:"title,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	MessageCount int        `json:"messageCount,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	Archived     bool       `json:"archived"`
	Deleted      bool       `json:"deleted"`
	SourceFile   string     `json:"sourceFile"`
}

// CompositeKey returns the canonical "provider:sessionId" reference.
func (s *CodingCliSession) CompositeKey() string {
	return s.Provider + ":" + s.SessionID
}

// ProjectGroup aggregates all sessions sharing a project root. Groups are
// rebuilt wholesale on every indexer refresh, never patched incrementally.
type ProjectGroup struct {
	ProjectPath string             `json:"projectPath"`
	Color       string             `json:"color,omitempty"`
	Sessions    []CodingCliSession `json:"sessions"`
}

// SessionOverride carries locally stored fields merged over a parsed session
// at read time. The on-disk transcript is never mutated.
type SessionOverride struct {
	Title    *string `json:"title,omitempty" yaml:"title,omitempty"`
	Summary  *string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Archived *bool   `json:"archived,omitempty" yaml:"archived,omitempty"`
	Deleted  *bool   `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// TerminalOverride carries locally stored per-terminal fields (user renames).
type TerminalOverride struct {
	Title       *string `json:"title,omitempty" yaml:"title,omitempty"`
	Description *string `json:"description,omitempty" yaml:"description,omitempty"`
}
