package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// CodexProvider reads Codex CLI rollouts. Sessions live under
// ~/.codex/sessions in date-nested directories as rollout-*.jsonl files; the
// first line is a session_meta record naming the session id and cwd.
type CodexProvider struct{}

func NewCodexProvider() *CodexProvider { return &CodexProvider{} }

func (p *CodexProvider) Name() string { return "codex" }

func (p *CodexProvider) StorageDirs(settings models.Settings) []string {
	dirs := []string{filepath.Join(homeDir(), ".codex", "sessions")}
	dirs = append(dirs, settings.CodexStorageDirs...)
	return expandDirs(dirs)
}

func (p *CodexProvider) ListSessionFiles(dirs []string) []string {
	var files []string
	for _, root := range dirs {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, ".jsonl") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			logger.Warnf("⚠️  Failed to walk codex sessions dir %s: %v", root, err)
		}
	}
	return files
}

// codexRecord is one line of a rollout file.
type codexRecord struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type codexSessionMeta struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Timestamp string `json:"timestamp"`
}

type codexEventMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *CodexProvider) ParseSessionFile(path string) ([]models.CodingCliSession, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollout file: %w", err)
	}
	defer file.Close()

	session := models.CodingCliSession{
		Provider:   p.Name(),
		SourceFile: path,
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var firstTS, lastTS time.Time
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec codexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
			if firstTS.IsZero() || ts.Before(firstTS) {
				firstTS = ts
			}
			if ts.After(lastTS) {
				lastTS = ts
			}
		}

		switch rec.Type {
		case "session_meta":
			var meta codexSessionMeta
			if err := json.Unmarshal(rec.Payload, &meta); err != nil {
				continue
			}
			if meta.ID != "" {
				session.SessionID = meta.ID
			}
			if meta.Cwd != "" {
				session.Cwd = meta.Cwd
			}
			if ts, err := time.Parse(time.RFC3339, meta.Timestamp); err == nil {
				if firstTS.IsZero() || ts.Before(firstTS) {
					firstTS = ts
				}
			}
		case "event_msg":
			var ev codexEventMsg
			if err := json.Unmarshal(rec.Payload, &ev); err != nil {
				continue
			}
			if ev.Type == "user_message" {
				session.MessageCount++
				if session.Title == "" && ev.Message != "" {
					session.Title = deriveTitle(ev.Message)
				}
			}
		case "response_item":
			session.MessageCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan rollout file: %w", err)
	}

	if session.SessionID == "" {
		return nil, fmt.Errorf("rollout file %s has no session_meta", path)
	}

	if !firstTS.IsZero() {
		created := firstTS
		session.CreatedAt = &created
	}
	if !lastTS.IsZero() {
		session.UpdatedAt = lastTS
	} else if info, err := os.Stat(path); err == nil {
		session.UpdatedAt = info.ModTime()
	}
	session.ProjectPath = session.Cwd

	return []models.CodingCliSession{session}, nil
}
