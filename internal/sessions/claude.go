package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// ClaudeProvider reads Claude Code transcripts. Each session is one JSONL
// file named <uuid>.jsonl under a per-project directory in which the project
// path is encoded with / and . replaced by -.
type ClaudeProvider struct{}

func NewClaudeProvider() *ClaudeProvider { return &ClaudeProvider{} }

func (p *ClaudeProvider) Name() string { return "claude" }

func (p *ClaudeProvider) StorageDirs(settings models.Settings) []string {
	dirs := []string{filepath.Join(homeDir(), ".claude", "projects")}
	dirs = append(dirs, settings.ClaudeStorageDirs...)
	return expandDirs(dirs)
}

func (p *ClaudeProvider) ListSessionFiles(dirs []string) []string {
	var files []string
	for _, root := range dirs {
		projectDirs, err := os.ReadDir(root)
		if err != nil {
			logger.Warnf("⚠️  Failed to read claude projects dir %s: %v", root, err)
			continue
		}
		for _, entry := range projectDirs {
			if !entry.IsDir() {
				continue
			}
			sessionFiles, err := os.ReadDir(filepath.Join(root, entry.Name()))
			if err != nil {
				continue
			}
			for _, sf := range sessionFiles {
				if sf.IsDir() || !isSessionFileName(sf.Name()) {
					continue
				}
				files = append(files, filepath.Join(root, entry.Name(), sf.Name()))
			}
		}
	}
	return files
}

// isSessionFileName matches <uuid>.jsonl. Claude also writes non-session
// files into project dirs; the UUID shape filters those out.
func isSessionFileName(name string) bool {
	if !strings.HasSuffix(name, ".jsonl") {
		return false
	}
	stem := strings.TrimSuffix(name, ".jsonl")
	return len(stem) == 36 && strings.Count(stem, "-") == 4
}

// claudeRecord is one line of a Claude transcript. Only the fields the
// indexer needs are decoded.
type claudeRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Timestamp string          `json:"timestamp"`
	Summary   string          `json:"summary"`
	Message   json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *ClaudeProvider) ParseSessionFile(path string) ([]models.CodingCliSession, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	session := models.CodingCliSession{
		SessionID:  strings.TrimSuffix(filepath.Base(path), ".jsonl"),
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

		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Partially written lines are expected while the CLI is live.
			continue
		}

		if rec.SessionID != "" && session.SessionID == "" {
			session.SessionID = rec.SessionID
		}
		if rec.Cwd != "" && session.Cwd == "" {
			session.Cwd = rec.Cwd
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
		case "summary":
			if rec.Summary != "" {
				session.Summary = rec.Summary
			}
		case "user":
			session.MessageCount++
			if session.Title == "" {
				if text := claudeMessageText(rec.Message); text != "" {
					session.Title = deriveTitle(text)
				}
			}
		case "assistant":
			session.MessageCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session file: %w", err)
	}

	if session.Title == "" && session.Summary != "" {
		session.Title = deriveTitle(session.Summary)
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
	if session.ProjectPath == "" {
		session.ProjectPath = decodeClaudeProjectDir(filepath.Base(filepath.Dir(path)))
	}

	return []models.CodingCliSession{session}, nil
}

// claudeMessageText extracts readable text from a message, which is either a
// plain string or an array of typed content blocks.
func claudeMessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var msg claudeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return text
	}

	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		for _, block := range blocks {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}
	return ""
}

// decodeClaudeProjectDir reverses the - encoding as far as it can. The
// encoding is lossy (both / and . map to -), so this is a fallback used only
// when no record carried a cwd.
func decodeClaudeProjectDir(name string) string {
	return strings.ReplaceAll(name, "-", "/")
}
