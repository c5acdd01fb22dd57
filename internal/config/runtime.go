package config

import (
	"os"
	"path/filepath"
)

// RuntimeConfig holds the filesystem layout for the current process.
type RuntimeConfig struct {
	// StateDir holds freshell's own persistent state (settings, overrides).
	StateDir string
	// HomeDir is the user home directory; coding CLI tools keep their
	// transcript stores underneath it.
	HomeDir string
	// TempDir is where scratch files go.
	TempDir string
}

// Runtime is the global runtime configuration instance.
var Runtime *RuntimeConfig

func init() {
	Runtime = DetectRuntime()
}

// DetectRuntime determines the directory layout for this process.
// FRESHELL_STATE_DIR overrides the default ~/.freshell state directory.
func DetectRuntime() *RuntimeConfig {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.Getenv("HOME")
		if homeDir == "" {
			homeDir = "."
		}
	}

	stateDir := os.Getenv("FRESHELL_STATE_DIR")
	if stateDir == "" {
		stateDir = filepath.Join(homeDir, ".freshell")
	}

	cfg := &RuntimeConfig{
		StateDir: stateDir,
		HomeDir:  homeDir,
		TempDir:  os.TempDir(),
	}

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		// Not fatal: the store falls back to in-memory operation.
		cfg.StateDir = ""
	}

	return cfg
}

// SettingsPath returns the path of the persisted settings file, or "" when
// no state directory is available.
func (rc *RuntimeConfig) SettingsPath() string {
	if rc.StateDir == "" {
		return ""
	}
	return filepath.Join(rc.StateDir, "settings.yaml")
}

// AuthToken returns the token clients must present before the WebSocket
// upgrade. An empty token disables authentication (local development).
func (rc *RuntimeConfig) AuthToken() string {
	return os.Getenv("FRESHELL_AUTH_TOKEN")
}
