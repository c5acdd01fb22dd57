package assoc

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshell/freshell/internal/models"
	"github.com/freshell/freshell/internal/terminal"
)

// fakeDirectory is an in-memory TerminalDirectory.
type fakeDirectory struct {
	mu        sync.Mutex
	terminals []models.TerminalRecord
}

func (d *fakeDirectory) add(rec models.TerminalRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminals = append(d.terminals, rec)
}

func (d *fakeDirectory) FindUnassociatedTerminals(provider, cwd string) []models.TerminalRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.TerminalRecord
	for _, t := range d.terminals {
		if t.Provider == provider && t.Cwd == cwd && t.ResumeSessionID == "" && !t.Status.Final() {
			out = append(out, t)
		}
	}
	return out
}

func (d *fakeDirectory) SetResumeSessionID(terminalID, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.terminals {
		t := &d.terminals[i]
		if t.ID == terminalID {
			if t.Status.Final() || t.ResumeSessionID != "" {
				return false
			}
			t.ResumeSessionID = sessionID
			return true
		}
	}
	return false
}

func (d *fakeDirectory) FindTerminalsBySession(provider, sessionID, cwd string) []models.TerminalRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.TerminalRecord
	for _, t := range d.terminals {
		if t.Provider == provider && t.ResumeSessionID == sessionID && (cwd == "" || t.Cwd == cwd) {
			out = append(out, t)
		}
	}
	return out
}

func (d *fakeDirectory) SetAutoTitle(terminalID, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.terminals {
		if d.terminals[i].ID == terminalID {
			d.terminals[i].Title = title
			return true
		}
	}
	return false
}

func (d *fakeDirectory) get(terminalID string) models.TerminalRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.terminals {
		if t.ID == terminalID {
			return t
		}
	}
	return models.TerminalRecord{}
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []models.ServerMessage
}

func (b *fakeBroadcaster) Broadcast(msg models.ServerMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *fakeBroadcaster) associations() []models.AssociationPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.AssociationPayload
	for _, msg := range b.messages {
		if msg.Type == models.TerminalAssociatedMessage {
			out = append(out, msg.Payload.(models.AssociationPayload))
		}
	}
	return out
}

type fakeSink struct {
	mu       sync.Mutex
	recorded []string
}

func (s *fakeSink) RecordAssociation(terminalID string, session models.CodingCliSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, terminalID+"="+session.SessionID)
}

func claudeTerminal(id, cwd string, createdAt time.Time) models.TerminalRecord {
	return models.TerminalRecord{
		ID:        id,
		Status:    models.TerminalRunning,
		Mode:      "claude",
		Provider:  "claude",
		Cwd:       cwd,
		Title:     "Claude",
		CreatedAt: createdAt,
	}
}

func claudeSession(id, cwd string, updatedAt time.Time) models.CodingCliSession {
	return models.CodingCliSession{
		SessionID: id,
		Provider:  "claude",
		Cwd:       cwd,
		UpdatedAt: updatedAt,
	}
}

func TestAssociatesOldestCandidate(t *testing.T) {
	dir := &fakeDirectory{}
	bc := &fakeBroadcaster{}
	sink := &fakeSink{}
	base := time.UnixMilli(100_000)

	dir.add(claudeTerminal("t1", "/proj", base))
	dir.add(claudeTerminal("t2", "/proj", base.Add(time.Second)))

	c := NewCoordinator(dir, bc, sink)
	c.OnNewSession(claudeSession("s1", "/proj", base.Add(2*time.Second)))

	assert.Equal(t, "s1", dir.get("t1").ResumeSessionID)
	assert.Empty(t, dir.get("t2").ResumeSessionID)

	assocs := bc.associations()
	require.Len(t, assocs, 1)
	assert.Equal(t, "t1", assocs[0].TerminalID)
	assert.Equal(t, "s1", assocs[0].SessionID)
	assert.Equal(t, "claude", assocs[0].Provider)
	assert.Equal(t, []string{"t1=s1"}, sink.recorded)

	// A second session takes the next terminal.
	c.OnNewSession(claudeSession("s2", "/proj", base.Add(3*time.Second)))
	assert.Equal(t, "s2", dir.get("t2").ResumeSessionID)
}

func TestTimeGuardBoundary(t *testing.T) {
	terminalCreated := time.UnixMilli(40_000)

	cases := []struct {
		name      string
		updatedAt time.Time
		want      bool
	}{
		{"well after terminal", time.UnixMilli(45_000), true},
		{"exactly at slack boundary", time.UnixMilli(10_000), true},
		{"just past slack boundary", time.UnixMilli(9_999), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := &fakeDirectory{}
			dir.add(claudeTerminal("t1", "/proj", terminalCreated))
			bc := &fakeBroadcaster{}

			c := NewCoordinator(dir, bc, nil)
			c.OnNewSession(claudeSession("s1", "/proj", tc.updatedAt))

			if tc.want {
				assert.Equal(t, "s1", dir.get("t1").ResumeSessionID)
				assert.Len(t, bc.associations(), 1)
			} else {
				assert.Empty(t, dir.get("t1").ResumeSessionID)
				assert.Empty(t, bc.associations())
			}
		})
	}
}

func TestSkipsSessionsWithoutCwd(t *testing.T) {
	dir := &fakeDirectory{}
	dir.add(claudeTerminal("t1", "/proj", time.UnixMilli(0)))
	bc := &fakeBroadcaster{}

	c := NewCoordinator(dir, bc, nil)
	c.OnNewSession(claudeSession("s1", "", time.Now()))

	assert.Empty(t, dir.get("t1").ResumeSessionID)
	assert.Empty(t, bc.associations())
}

func TestNoCandidateMeansNoBroadcast(t *testing.T) {
	dir := &fakeDirectory{}
	base := time.UnixMilli(100_000)

	bound := claudeTerminal("t1", "/proj", base)
	bound.ResumeSessionID = "other"
	dir.add(bound)
	dir.add(claudeTerminal("t2", "/elsewhere", base))
	bc := &fakeBroadcaster{}

	c := NewCoordinator(dir, bc, nil)
	c.OnNewSession(claudeSession("s1", "/proj", base.Add(time.Second)))

	assert.Equal(t, "other", dir.get("t1").ResumeSessionID)
	assert.Empty(t, dir.get("t2").ResumeSessionID)
	assert.Empty(t, bc.associations())
}

type defaultSettings struct{}

func (defaultSettings) GetSettings() models.Settings { return models.DefaultSettings() }

// TestAssociateAgainstLiveRegistry runs the full path with a real registry: a
// claude-mode terminal is spawned (backed by a stub claude binary), a session
// is discovered, and the binding plus broadcast land.
func TestAssociateAgainstLiveRegistry(t *testing.T) {
	binDir := t.TempDir()
	stub := filepath.Join(binDir, "claude")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\nexec cat\n"), 0755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	reg := terminal.NewRegistry(defaultSettings{})
	defer reg.Shutdown()

	proj := t.TempDir()
	rec, err := reg.Create(models.CreateTerminalRequest{Mode: "claude", Cwd: proj})
	require.NoError(t, err)
	require.Equal(t, "claude", rec.Provider)
	require.Empty(t, rec.ResumeSessionID)

	bc := &fakeBroadcaster{}
	c := NewCoordinator(reg, bc, nil)
	c.OnNewSession(claudeSession("s1", proj, time.Now()))

	got, ok := reg.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "s1", got.ResumeSessionID)

	assocs := bc.associations()
	require.Len(t, assocs, 1)
	assert.Equal(t, rec.ID, assocs[0].TerminalID)
	assert.Equal(t, "s1", assocs[0].SessionID)

	// The same session re-discovered on a later refresh must not rebind.
	c.OnNewSession(claudeSession("s2", proj, time.Now()))
	got, _ = reg.Get(rec.ID)
	assert.Equal(t, "s1", got.ResumeSessionID)
	assert.Len(t, bc.associations(), 1)
}

func TestOnUpdateSyncsGenericTitlesOnly(t *testing.T) {
	dir := &fakeDirectory{}
	base := time.UnixMilli(100_000)

	bound := claudeTerminal("t1", "/proj", base)
	bound.ResumeSessionID = "s1"
	dir.add(bound)

	renamed := claudeTerminal("t2", "/proj", base)
	renamed.ResumeSessionID = "s2"
	renamed.Title = "my custom name"
	dir.add(renamed)

	sess1 := claudeSession("s1", "/proj", base)
	sess1.Title = "fix the login flow"
	sess2 := claudeSession("s2", "/proj", base)
	sess2.Title = "other work"

	c := NewCoordinator(dir, &fakeBroadcaster{}, nil)
	c.OnUpdate([]models.ProjectGroup{{
		ProjectPath: "/proj",
		Sessions:    []models.CodingCliSession{sess1, sess2},
	}})

	assert.Equal(t, "fix the login flow", dir.get("t1").Title)
	assert.Equal(t, "my custom name", dir.get("t2").Title)
}
