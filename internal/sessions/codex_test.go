package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCodexFixture(t *testing.T, root string, lines []string) string {
	t.Helper()
	dir := filepath.Join(root, "2025", "08", "20")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, "rollout-2025-08-20T10-00-00.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestCodexParseSessionFile(t *testing.T) {
	root := t.TempDir()
	path := writeCodexFixture(t, root, []string{
		`{"type":"session_meta","timestamp":"2025-08-20T10:00:00Z","payload":{"id":"sess-123","cwd":"/work/api","timestamp":"2025-08-20T10:00:00Z"}}`,
		`{"type":"event_msg","timestamp":"2025-08-20T10:00:10Z","payload":{"type":"user_message","message":"add a health endpoint"}}`,
		`{"type":"response_item","timestamp":"2025-08-20T10:00:20Z","payload":{}}`,
		`{"type":"event_msg","timestamp":"2025-08-20T10:05:00Z","payload":{"type":"agent_message","message":"done"}}`,
	})

	parsed, err := NewCodexProvider().ParseSessionFile(path)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	sess := parsed[0]
	assert.Equal(t, "sess-123", sess.SessionID)
	assert.Equal(t, "codex", sess.Provider)
	assert.Equal(t, "/work/api", sess.Cwd)
	assert.Equal(t, "/work/api", sess.ProjectPath)
	assert.Equal(t, "add a health endpoint", sess.Title)
	assert.Equal(t, 2, sess.MessageCount)
	assert.Equal(t, "2025-08-20T10:05:00Z", sess.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"))
}

func TestCodexRejectsFileWithoutMeta(t *testing.T) {
	root := t.TempDir()
	path := writeCodexFixture(t, root, []string{
		`{"type":"event_msg","timestamp":"2025-08-20T10:00:10Z","payload":{"type":"user_message","message":"hello"}}`,
	})

	_, err := NewCodexProvider().ParseSessionFile(path)
	require.Error(t, err)
}

func TestCodexListSessionFilesWalksNestedDirs(t *testing.T) {
	root := t.TempDir()
	writeCodexFixture(t, root, []string{`{}`})
	require.NoError(t, os.WriteFile(filepath.Join(root, "2025", "08", "20", "other.jsonl"), []byte("{}"), 0644))

	files := NewCodexProvider().ListSessionFiles([]string{root})
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "rollout-")
}
