package models

// Settings holds user-tunable configuration persisted by the config store.
type Settings struct {
	// DefaultShell is spawned for shell-mode terminals when the create
	// request does not name one. Empty falls back to $SHELL.
	DefaultShell string `json:"defaultShell,omitempty" yaml:"default_shell,omitempty"`

	// IdleWarnMinutes is how long a terminal may sit without activity
	// before a single idle warning is emitted.
	IdleWarnMinutes int `json:"idleWarnMinutes" yaml:"idle_warn_minutes"`

	// IdleAutoKillMinutes is how long a terminal may sit without activity
	// before it is force-killed. Zero disables auto-kill.
	IdleAutoKillMinutes int `json:"idleAutoKillMinutes" yaml:"idle_auto_kill_minutes"`

	// ClaudeStorageDirs adds extra transcript roots for the claude provider.
	ClaudeStorageDirs []string `json:"claudeStorageDirs,omitempty" yaml:"claude_storage_dirs,omitempty"`

	// CodexStorageDirs adds extra transcript roots for the codex provider.
	CodexStorageDirs []string `json:"codexStorageDirs,omitempty" yaml:"codex_storage_dirs,omitempty"`

	// FeatureFlags toggles optional UI behavior; forwarded verbatim in the
	// hub handshake.
	FeatureFlags map[string]bool `json:"featureFlags,omitempty" yaml:"feature_flags,omitempty"`
}

// DefaultSettings returns the settings used when no file exists yet.
func DefaultSettings() Settings {
	return Settings{
		IdleWarnMinutes:     50,
		IdleAutoKillMinutes: 60,
	}
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	DefaultShell        *string         `json:"defaultShell,omitempty"`
	IdleWarnMinutes     *int            `json:"idleWarnMinutes,omitempty"`
	IdleAutoKillMinutes *int            `json:"idleAutoKillMinutes,omitempty"`
	ClaudeStorageDirs   []string        `json:"claudeStorageDirs,omitempty"`
	CodexStorageDirs    []string        `json:"codexStorageDirs,omitempty"`
	FeatureFlags        map[string]bool `json:"featureFlags,omitempty"`
}
