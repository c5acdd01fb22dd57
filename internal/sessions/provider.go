package sessions

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/freshell/freshell/internal/models"
)

// Provider adapts one coding CLI's on-disk transcript layout to the indexer.
// Providers only read transcript files; they never write to CLI storage.
type Provider interface {
	// Name is the stable provider identifier ("claude", "codex").
	Name() string

	// StorageDirs returns the transcript roots to scan. Settings may add
	// extra roots beyond the provider's default location.
	StorageDirs(settings models.Settings) []string

	// ListSessionFiles walks the given roots and returns every transcript
	// file path that looks like a session.
	ListSessionFiles(dirs []string) []string

	// ParseSessionFile parses one transcript into session snapshots. Most
	// files hold exactly one session; a parse error fails only that file.
	ParseSessionFile(path string) ([]models.CodingCliSession, error)
}

// titleMaxRunes caps derived session titles.
const titleMaxRunes = 80

// deriveTitle normalizes a raw message into a session title: whitespace is
// collapsed and the result truncated on a rune boundary.
func deriveTitle(raw string) string {
	collapsed := strings.Join(strings.Fields(raw), " ")
	runes := []rune(collapsed)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return collapsed
}

// homeDir resolves the user home, tolerating odd environments.
func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}

// expandDirs resolves ~ prefixes and drops roots that do not exist.
func expandDirs(dirs []string) []string {
	var out []string
	for _, dir := range dirs {
		if strings.HasPrefix(dir, "~/") {
			dir = filepath.Join(homeDir(), dir[2:])
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			out = append(out, dir)
		}
	}
	return out
}
