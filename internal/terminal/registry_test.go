package terminal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshell/freshell/internal/models"
)

type stubSettings struct {
	settings models.Settings
}

func (s stubSettings) GetSettings() models.Settings { return s.settings }

func newTestRegistry() *Registry {
	return NewRegistry(stubSettings{settings: models.DefaultSettings()})
}

// awaitEvent drains the registry event stream until an event of the wanted
// kind arrives for the given terminal.
func awaitEvent(t *testing.T, r *Registry, kind models.TerminalEventKind, terminalID string) models.TerminalEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if ev.Kind == kind && (terminalID == "" || ev.Terminal.ID == terminalID) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func shellRequest(cwd string, script string) models.CreateTerminalRequest {
	return models.CreateTerminalRequest{
		Mode:      models.ModeShell,
		Shell:     "/bin/sh",
		ShellArgs: []string{"-c", script},
		Cwd:       cwd,
	}
}

func TestCreateRunsAndExits(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	rec, err := r.Create(shellRequest(t.TempDir(), "exit 3"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, models.TerminalRunning, rec.Status)

	ev := awaitEvent(t, r, models.TerminalExitedEvent, rec.ID)
	require.NotNil(t, ev.Terminal.ExitCode)
	assert.Equal(t, 3, *ev.Terminal.ExitCode)

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.TerminalExited, got.Status)
	assert.True(t, got.Status.Final())
}

func TestSpawnFailureKeepsRecordWithErrorStatus(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	req := models.CreateTerminalRequest{
		Mode:  models.ModeShell,
		Shell: "/nonexistent/freshell-test-shell",
		Cwd:   t.TempDir(),
	}
	rec, err := r.Create(req)
	require.Error(t, err)
	assert.Equal(t, models.TerminalError, rec.Status)

	// The failed terminal stays listed so clients can surface it.
	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, models.TerminalError, got.Status)
	awaitEvent(t, r, models.TerminalErrorEvent, rec.ID)
}

func TestSetResumeSessionIDIsCompareAndSet(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	rec, err := r.Create(shellRequest(t.TempDir(), "cat"))
	require.NoError(t, err)

	assert.True(t, r.SetResumeSessionID(rec.ID, "sess-1"))
	assert.False(t, r.SetResumeSessionID(rec.ID, "sess-2"), "resumeSessionId is write-once")
	assert.False(t, r.SetResumeSessionID("missing", "sess-3"))

	got, _ := r.Get(rec.ID)
	assert.Equal(t, "sess-1", got.ResumeSessionID)

	require.NoError(t, r.Kill(rec.ID))
	awaitEvent(t, r, models.TerminalExitedEvent, rec.ID)
	assert.False(t, r.SetResumeSessionID(rec.ID, "sess-4"), "exited terminals reject binding")
}

func TestFindUnassociatedTerminalsOldestFirst(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	cwd := t.TempDir()

	first, err := r.Create(shellRequest(cwd, "cat"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := r.Create(shellRequest(cwd, "cat"))
	require.NoError(t, err)
	_, err = r.Create(shellRequest(t.TempDir(), "cat"))
	require.NoError(t, err)

	// Shell terminals carry an empty provider.
	candidates := r.FindUnassociatedTerminals("", cwd)
	require.Len(t, candidates, 2)
	assert.Equal(t, first.ID, candidates[0].ID)
	assert.Equal(t, second.ID, candidates[1].ID)

	require.True(t, r.SetResumeSessionID(first.ID, "sess-1"))
	candidates = r.FindUnassociatedTerminals("", cwd)
	require.Len(t, candidates, 1)
	assert.Equal(t, second.ID, candidates[0].ID)
}

func TestFindTerminalsBySession(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()
	cwd := t.TempDir()

	rec, err := r.Create(shellRequest(cwd, "cat"))
	require.NoError(t, err)
	require.True(t, r.SetResumeSessionID(rec.ID, "sess-1"))

	found := r.FindTerminalsBySession("", "sess-1", cwd)
	require.Len(t, found, 1)
	assert.Equal(t, rec.ID, found[0].ID)

	assert.Empty(t, r.FindTerminalsBySession("", "sess-1", "/other"))
	assert.Empty(t, r.FindTerminalsBySession("claude", "sess-1", cwd))
}

func TestAttachReplaysBufferedOutput(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	rec, err := r.Create(shellRequest(t.TempDir(), "printf freshell-marker; cat"))
	require.NoError(t, err)

	// Output lands asynchronously; poll the replay buffer.
	deadline := time.Now().Add(5 * time.Second)
	for {
		replay, _, cancel, err := r.Attach(rec.ID)
		require.NoError(t, err)
		cancel()
		if strings.Contains(string(replay), "freshell-marker") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replay buffer never received the marker")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAttachStreamsLiveOutput(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	rec, err := r.Create(shellRequest(t.TempDir(), "cat"))
	require.NoError(t, err)

	_, output, cancel, err := r.Attach(rec.ID)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, r.Write(rec.ID, []byte("ping\n")))

	deadline := time.After(5 * time.Second)
	var got strings.Builder
	for {
		select {
		case data, ok := <-output:
			if !ok {
				t.Fatal("output channel closed before marker arrived")
			}
			got.Write(data)
			if strings.Contains(got.String(), "ping") {
				return
			}
		case <-deadline:
			t.Fatalf("no live output received, got %q", got.String())
		}
	}
}

func TestUpdateTitleBlocksAutoTitle(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	rec, err := r.Create(shellRequest(t.TempDir(), "cat"))
	require.NoError(t, err)
	assert.Equal(t, "Shell", rec.Title)

	assert.True(t, r.SetAutoTitle(rec.ID, "building the api"))
	got, _ := r.Get(rec.ID)
	assert.Equal(t, "building the api", got.Title)

	assert.True(t, r.UpdateTitle(rec.ID, "my terminal"))
	assert.False(t, r.SetAutoTitle(rec.ID, "other title"), "auto titles must not clobber user renames")
	got, _ = r.Get(rec.ID)
	assert.Equal(t, "my terminal", got.Title)
}

func TestShutdownGracefullyWaitsForExit(t *testing.T) {
	r := newTestRegistry()

	rec, err := r.Create(shellRequest(t.TempDir(), "cat"))
	require.NoError(t, err)

	start := time.Now()
	r.ShutdownGracefully(5 * time.Second)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Second, "cooperative process should exit well before the deadline")
	awaitEvent(t, r, models.TerminalExitedEvent, rec.ID)
	got, _ := r.Get(rec.ID)
	assert.True(t, got.Status.Final())
}

func TestShutdownGracefullyForceKillsStragglers(t *testing.T) {
	r := newTestRegistry()

	rec, err := r.Create(shellRequest(t.TempDir(), `trap "" TERM; while :; do sleep 1; done`))
	require.NoError(t, err)

	start := time.Now()
	r.ShutdownGracefully(300 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second, "deadline must not be extended by stragglers")
	awaitEvent(t, r, models.TerminalExitedEvent, rec.ID)
}

func TestExtractTitleFromEscapeSequence(t *testing.T) {
	title, ok := extractTitleFromEscapeSequence([]byte("noise\x1b]0;my title\x07more"))
	require.True(t, ok)
	assert.Equal(t, "my title", title)

	_, ok = extractTitleFromEscapeSequence([]byte("plain output"))
	assert.False(t, ok)

	_, ok = extractTitleFromEscapeSequence([]byte("\x1b]0;unterminated"))
	assert.False(t, ok)

	title, ok = extractTitleFromEscapeSequence([]byte("\x1b]0;  tabs\tand\x01ctl  \x07"))
	require.True(t, ok)
	assert.Equal(t, "tabsandctl", title)
}
