package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// Store persists settings plus per-session and per-terminal overrides. All
// mutations are written through to disk; a Store constructed without a path
// operates in memory only (used by tests).
type Store struct {
	mu   sync.RWMutex
	path string
	data storeData
}

type storeData struct {
	Settings          models.Settings                    `yaml:"settings"`
	SessionOverrides  map[string]models.SessionOverride  `yaml:"session_overrides,omitempty"`
	TerminalOverrides map[string]models.TerminalOverride `yaml:"terminal_overrides,omitempty"`
}

// StoreSnapshot is the full store contents, returned by Snapshot for the hub
// handshake.
type StoreSnapshot struct {
	Settings          models.Settings                    `json:"settings"`
	SessionOverrides  map[string]models.SessionOverride  `json:"sessionOverrides,omitempty"`
	TerminalOverrides map[string]models.TerminalOverride `json:"terminalOverrides,omitempty"`
}

// NewStore loads the store from path, falling back to defaults when the file
// does not exist yet. A corrupt file is renamed aside rather than discarded.
func NewStore(path string) *Store {
	s := &Store{
		path: path,
		data: storeData{
			Settings:          models.DefaultSettings(),
			SessionOverrides:  make(map[string]models.SessionOverride),
			TerminalOverrides: make(map[string]models.TerminalOverride),
		},
	}

	if path == "" {
		return s
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("⚠️  Failed to read settings file %s: %v", path, err)
		}
		return s
	}

	var loaded storeData
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		logger.Warnf("⚠️  Settings file %s is corrupt, starting fresh: %v", path, err)
		_ = os.Rename(path, path+".corrupt")
		return s
	}

	if loaded.SessionOverrides == nil {
		loaded.SessionOverrides = make(map[string]models.SessionOverride)
	}
	if loaded.TerminalOverrides == nil {
		loaded.TerminalOverrides = make(map[string]models.TerminalOverride)
	}
	if loaded.Settings.IdleWarnMinutes == 0 && loaded.Settings.IdleAutoKillMinutes == 0 {
		loaded.Settings = models.DefaultSettings()
	}
	s.data = loaded
	return s
}

// GetSettings returns a copy of the current settings.
func (s *Store) GetSettings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Settings
}

// PatchSettings applies a partial update and persists the result.
func (s *Store) PatchSettings(patch models.SettingsPatch) models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.DefaultShell != nil {
		s.data.Settings.DefaultShell = *patch.DefaultShell
	}
	if patch.IdleWarnMinutes != nil {
		s.data.Settings.IdleWarnMinutes = *patch.IdleWarnMinutes
	}
	if patch.IdleAutoKillMinutes != nil {
		s.data.Settings.IdleAutoKillMinutes = *patch.IdleAutoKillMinutes
	}
	if patch.ClaudeStorageDirs != nil {
		s.data.Settings.ClaudeStorageDirs = patch.ClaudeStorageDirs
	}
	if patch.CodexStorageDirs != nil {
		s.data.Settings.CodexStorageDirs = patch.CodexStorageDirs
	}
	if patch.FeatureFlags != nil {
		if s.data.Settings.FeatureFlags == nil {
			s.data.Settings.FeatureFlags = make(map[string]bool)
		}
		for k, v := range patch.FeatureFlags {
			s.data.Settings.FeatureFlags[k] = v
		}
	}

	s.saveLocked()
	return s.data.Settings
}

// Snapshot returns the full store contents.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StoreSnapshot{
		Settings:          s.data.Settings,
		SessionOverrides:  make(map[string]models.SessionOverride, len(s.data.SessionOverrides)),
		TerminalOverrides: make(map[string]models.TerminalOverride, len(s.data.TerminalOverrides)),
	}
	for k, v := range s.data.SessionOverrides {
		snap.SessionOverrides[k] = v
	}
	for k, v := range s.data.TerminalOverrides {
		snap.TerminalOverrides[k] = v
	}
	return snap
}

// SessionOverride returns the override for a composite "provider:sessionId"
// key, if any.
func (s *Store) SessionOverride(compositeKey string) (models.SessionOverride, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, ok := s.data.SessionOverrides[compositeKey]
	return ov, ok
}

// SessionOverrideKeys lists all composite keys with stored overrides.
func (s *Store) SessionOverrideKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data.SessionOverrides))
	for k := range s.data.SessionOverrides {
		keys = append(keys, k)
	}
	return keys
}

// PatchSessionOverride merges fields into the override for compositeKey.
func (s *Store) PatchSessionOverride(compositeKey string, fields models.SessionOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ov := s.data.SessionOverrides[compositeKey]
	if fields.Title != nil {
		ov.Title = fields.Title
	}
	if fields.Summary != nil {
		ov.Summary = fields.Summary
	}
	if fields.Archived != nil {
		ov.Archived = fields.Archived
	}
	if fields.Deleted != nil {
		ov.Deleted = fields.Deleted
	}
	s.data.SessionOverrides[compositeKey] = ov
	s.saveLocked()
}

// TerminalOverride returns the override for a terminal id, if any.
func (s *Store) TerminalOverride(terminalID string) (models.TerminalOverride, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ov, ok := s.data.TerminalOverrides[terminalID]
	return ov, ok
}

// PatchTerminalOverride merges fields into the override for terminalID.
func (s *Store) PatchTerminalOverride(terminalID string, fields models.TerminalOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ov := s.data.TerminalOverrides[terminalID]
	if fields.Title != nil {
		ov.Title = fields.Title
	}
	if fields.Description != nil {
		ov.Description = fields.Description
	}
	s.data.TerminalOverrides[terminalID] = ov
	s.saveLocked()
}

// DeleteSession removes the override entry for a composite key.
func (s *Store) DeleteSession(compositeKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.SessionOverrides, compositeKey)
	s.saveLocked()
}

// DeleteTerminal removes the override entry for a terminal id.
func (s *Store) DeleteTerminal(terminalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.TerminalOverrides, terminalID)
	s.saveLocked()
}

// saveLocked writes the store atomically. Caller must hold the write lock.
func (s *Store) saveLocked() {
	if s.path == "" {
		return
	}

	raw, err := yaml.Marshal(&s.data)
	if err != nil {
		logger.Warnf("⚠️  Failed to marshal settings: %v", err)
		return
	}

	tmp := fmt.Sprintf("%s.tmp.%d", s.path, os.Getpid())
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		logger.Warnf("⚠️  Failed to create settings directory: %v", err)
		return
	}
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		logger.Warnf("⚠️  Failed to write settings: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logger.Warnf("⚠️  Failed to replace settings file: %v", err)
		_ = os.Remove(tmp)
	}
}
