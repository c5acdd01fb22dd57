package terminal

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

const (
	// maxBufferSize caps the per-terminal replay buffer.
	maxBufferSize = 5 * 1024 * 1024
	// subscriberBacklog is the per-subscriber output channel depth.
	subscriberBacklog = 256
)

// SettingsProvider supplies the tunables the registry reads on every idle
// scan, so settings changes take effect without a restart.
type SettingsProvider interface {
	GetSettings() models.Settings
}

// Registry owns every live terminal process: creation, lookup, output
// buffering, idle monitoring and shutdown. No other component touches the
// process handles or buffers.
type Registry struct {
	mu        sync.RWMutex
	terminals map[string]*terminalProc

	settings SettingsProvider
	events   chan models.TerminalEvent

	idleOnce sync.Once
	stopCh   chan struct{}
	stopOnce sync.Once
}

// terminalProc is the registry's private live state for one terminal.
type terminalProc struct {
	mu  sync.RWMutex
	rec models.TerminalRecord

	ptmx *os.File
	cmd  *exec.Cmd

	buffer []byte
	subs   map[chan []byte]struct{}

	// idleWarned latches the one-shot idle warning until activity resets it.
	idleWarned bool
	// userTitled blocks auto-derived titles from clobbering a user rename.
	userTitled bool

	readDone chan struct{}
	done     chan struct{}
}

// NewRegistry creates an empty registry. Call Start to begin idle
// monitoring.
func NewRegistry(settings SettingsProvider) *Registry {
	return &Registry{
		terminals: make(map[string]*terminalProc),
		settings:  settings,
		events:    make(chan models.TerminalEvent, 256),
		stopCh:    make(chan struct{}),
	}
}

// Events returns the registry's lifecycle event stream, consumed by the hub.
func (r *Registry) Events() <-chan models.TerminalEvent {
	return r.events
}

// Create spawns a PTY-backed process for the request and returns its record.
// On spawn failure the record is kept with status error so the UI can
// surface it; there is no automatic retry.
func (r *Registry) Create(req models.CreateTerminalRequest) (models.TerminalRecord, error) {
	now := time.Now()
	proc := &terminalProc{
		rec: models.TerminalRecord{
			ID:              uuid.New().String(),
			Status:          models.TerminalCreating,
			Mode:            req.Mode,
			Cwd:             req.Cwd,
			Title:           req.Title,
			ResumeSessionID: req.ResumeSessionID,
			CreatedAt:       now,
			LastActivityAt:  now,
		},
		subs:     make(map[chan []byte]struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if req.Mode == "" {
		proc.rec.Mode = models.ModeShell
	}
	if proc.rec.Mode != models.ModeShell {
		proc.rec.Provider = proc.rec.Mode
	}
	if proc.rec.Title == "" {
		proc.rec.Title = defaultTitle(proc.rec.Mode)
	} else {
		proc.userTitled = true
	}

	cmd := r.buildCommand(&proc.rec, req)

	r.mu.Lock()
	r.terminals[proc.rec.ID] = proc
	r.mu.Unlock()
	r.emit(models.TerminalCreatedEvent, proc.snapshot())

	ptmx, err := pty.Start(cmd)
	if err != nil {
		proc.mu.Lock()
		proc.rec.Status = models.TerminalError
		rec := proc.rec
		proc.mu.Unlock()
		close(proc.readDone)
		close(proc.done)
		logger.Errorf("❌ Failed to start PTY for terminal %s: %v", rec.ID, err)
		r.emit(models.TerminalErrorEvent, rec)
		return rec, fmt.Errorf("failed to start terminal: %w", err)
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})

	proc.mu.Lock()
	proc.ptmx = ptmx
	proc.cmd = cmd
	proc.rec.Status = models.TerminalRunning
	rec := proc.rec
	proc.mu.Unlock()

	logger.Infof("✅ Created terminal %s (%s) in %s", rec.ID, rec.Mode, rec.Cwd)
	r.emit(models.TerminalStartedEvent, rec)

	go r.readLoop(proc)
	go r.waitLoop(proc)

	return rec, nil
}

// buildCommand constructs the process for a create request. Provider modes
// spawn the coding CLI directly; everything else gets a shell.
func (r *Registry) buildCommand(rec *models.TerminalRecord, req models.CreateTerminalRequest) *exec.Cmd {
	var cmd *exec.Cmd

	switch rec.Mode {
	case "claude":
		args := []string{}
		if req.ResumeSessionID != "" {
			args = append(args, "--resume", req.ResumeSessionID)
		}
		args = append(args, req.ShellArgs...)
		cmd = exec.Command("claude", args...)
	case "codex":
		args := []string{}
		if req.ResumeSessionID != "" {
			args = append(args, "resume", req.ResumeSessionID)
		}
		args = append(args, req.ShellArgs...)
		cmd = exec.Command("codex", args...)
	default:
		shell := req.Shell
		if shell == "" {
			shell = r.settings.GetSettings().DefaultShell
		}
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.Command(shell, req.ShellArgs...)
	}

	cmd.Dir = rec.Cwd
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("FRESHELL_TERMINAL_ID=%s", rec.ID),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	return cmd
}

func defaultTitle(mode string) string {
	switch mode {
	case models.ModeShell:
		return "Shell"
	case "claude":
		return "Claude"
	case "codex":
		return "Codex"
	default:
		return "CLI"
	}
}

// readLoop pumps PTY output into the replay buffer and live subscribers.
func (r *Registry) readLoop(proc *terminalProc) {
	defer close(proc.readDone)

	buf := make([]byte, 4096)
	for {
		n, err := proc.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			if title, ok := extractTitleFromEscapeSequence(data); ok {
				if r.setAutoTitle(proc, title) {
					r.emit(models.TerminalTitleEvent, proc.snapshot())
				}
			}

			proc.mu.Lock()
			proc.buffer = append(proc.buffer, data...)
			if len(proc.buffer) > maxBufferSize {
				proc.buffer = proc.buffer[len(proc.buffer)-maxBufferSize:]
			}
			proc.rec.LastActivityAt = time.Now()
			proc.idleWarned = false
			subs := make([]chan []byte, 0, len(proc.subs))
			for ch := range proc.subs {
				subs = append(subs, ch)
			}
			proc.mu.Unlock()

			for _, ch := range subs {
				select {
				case ch <- data:
				default:
					// Slow subscriber; it will resync from the buffer.
				}
			}
		}
		if err != nil {
			// EOF or I/O error on ptmx means the process side is gone.
			return
		}
	}
}

// waitLoop reaps the process and finalizes the record.
func (r *Registry) waitLoop(proc *terminalProc) {
	err := proc.cmd.Wait()
	<-proc.readDone
	_ = proc.ptmx.Close()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	proc.mu.Lock()
	if !proc.rec.Status.Final() {
		proc.rec.Status = models.TerminalExited
	}
	proc.rec.ExitCode = &exitCode
	rec := proc.rec
	for ch := range proc.subs {
		close(ch)
		delete(proc.subs, ch)
	}
	proc.mu.Unlock()
	close(proc.done)

	logger.Infof("🔌 Terminal %s exited (code %d)", rec.ID, exitCode)
	r.emit(models.TerminalExitedEvent, rec)
}

// List returns all terminal records, oldest first.
func (r *Registry) List() []models.TerminalRecord {
	r.mu.RLock()
	recs := make([]models.TerminalRecord, 0, len(r.terminals))
	for _, proc := range r.terminals {
		recs = append(recs, proc.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs
}

// Get returns the record for a terminal id.
func (r *Registry) Get(terminalID string) (models.TerminalRecord, bool) {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return models.TerminalRecord{}, false
	}
	return proc.snapshot(), true
}

// UpdateTitle overwrites a terminal's title as a user-driven rename; once
// renamed, auto-derived titles no longer apply.
func (r *Registry) UpdateTitle(terminalID, title string) bool {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	proc.mu.Lock()
	proc.rec.Title = title
	proc.userTitled = true
	proc.mu.Unlock()
	r.emit(models.TerminalTitleEvent, proc.snapshot())
	return true
}

// SetAutoTitle applies a derived title (OSC sequence, session title sync)
// unless the user already renamed the terminal.
func (r *Registry) SetAutoTitle(terminalID, title string) bool {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if r.setAutoTitle(proc, title) {
		r.emit(models.TerminalTitleEvent, proc.snapshot())
		return true
	}
	return false
}

func (r *Registry) setAutoTitle(proc *terminalProc, title string) bool {
	if title == "" {
		return false
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.userTitled || proc.rec.Title == title {
		return false
	}
	proc.rec.Title = title
	return true
}

// UpdateDescription overwrites a terminal's description.
func (r *Registry) UpdateDescription(terminalID, description string) bool {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	proc.mu.Lock()
	proc.rec.Description = description
	proc.mu.Unlock()
	return true
}

// FindUnassociatedTerminals returns live terminals matching provider and cwd
// with no session bound yet, oldest first. The oldest-first order is the
// association tie-break: several idle terminals sharing a cwd must not all
// bind to the same session.
func (r *Registry) FindUnassociatedTerminals(provider, cwd string) []models.TerminalRecord {
	r.mu.RLock()
	var recs []models.TerminalRecord
	for _, proc := range r.terminals {
		rec := proc.snapshot()
		if rec.Status.Final() || rec.Provider != provider || rec.Cwd != cwd {
			continue
		}
		if rec.ResumeSessionID != "" {
			continue
		}
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs
}

// FindUnassociatedClaudeTerminals is the claude-provider shorthand.
func (r *Registry) FindUnassociatedClaudeTerminals(cwd string) []models.TerminalRecord {
	return r.FindUnassociatedTerminals("claude", cwd)
}

// SetResumeSessionID binds a session to a terminal. It is a compare-and-set:
// the bind is rejected when the terminal is gone, has exited, or already has
// a session, so the association coordinator can call it speculatively.
func (r *Registry) SetResumeSessionID(terminalID, sessionID string) bool {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if proc.rec.Status.Final() || proc.rec.ResumeSessionID != "" {
		return false
	}
	proc.rec.ResumeSessionID = sessionID
	return true
}

// FindTerminalsBySession returns live terminals already bound to the given
// session, used to propagate metadata without re-triggering association.
func (r *Registry) FindTerminalsBySession(provider, sessionID, cwd string) []models.TerminalRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var recs []models.TerminalRecord
	for _, proc := range r.terminals {
		rec := proc.snapshot()
		if rec.Status != models.TerminalRunning {
			continue
		}
		if rec.Provider != provider || rec.ResumeSessionID != sessionID {
			continue
		}
		if cwd != "" && rec.Cwd != cwd {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// Write sends client keystrokes to the terminal and counts as activity.
func (r *Registry) Write(terminalID string, data []byte) error {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("terminal %s not found", terminalID)
	}

	proc.mu.Lock()
	ptmx := proc.ptmx
	if ptmx == nil || proc.rec.Status != models.TerminalRunning {
		proc.mu.Unlock()
		return fmt.Errorf("terminal %s is not running", terminalID)
	}
	proc.rec.LastActivityAt = time.Now()
	proc.idleWarned = false
	proc.mu.Unlock()

	_, err := ptmx.Write(data)
	return err
}

// Resize adjusts the PTY window size.
func (r *Registry) Resize(terminalID string, cols, rows uint16) error {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("terminal %s not found", terminalID)
	}

	proc.mu.RLock()
	ptmx := proc.ptmx
	proc.mu.RUnlock()
	if ptmx == nil {
		return fmt.Errorf("terminal %s is not running", terminalID)
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Attach subscribes to a terminal's output. It returns the replay buffer,
// a live output channel, and a cancel func that detaches the subscriber.
func (r *Registry) Attach(terminalID string) ([]byte, <-chan []byte, func(), error) {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, nil, fmt.Errorf("terminal %s not found", terminalID)
	}

	ch := make(chan []byte, subscriberBacklog)

	proc.mu.Lock()
	replay := make([]byte, len(proc.buffer))
	copy(replay, proc.buffer)
	if proc.rec.Status.Final() {
		proc.mu.Unlock()
		close(ch)
		return replay, ch, func() {}, nil
	}
	proc.subs[ch] = struct{}{}
	proc.mu.Unlock()

	cancel := func() {
		proc.mu.Lock()
		if _, live := proc.subs[ch]; live {
			delete(proc.subs, ch)
			close(ch)
		}
		proc.mu.Unlock()
	}
	return replay, ch, cancel, nil
}

// Kill force-terminates a terminal immediately.
func (r *Registry) Kill(terminalID string) error {
	r.mu.RLock()
	proc, ok := r.terminals[terminalID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("terminal %s not found", terminalID)
	}
	r.killProc(proc)
	return nil
}

func (r *Registry) killProc(proc *terminalProc) {
	proc.mu.RLock()
	cmd := proc.cmd
	ptmx := proc.ptmx
	proc.mu.RUnlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
}

// signalProc sends a polite termination signal so coding CLIs can flush
// transcript writes before exiting.
func (r *Registry) signalProc(proc *terminalProc) {
	proc.mu.RLock()
	cmd := proc.cmd
	proc.mu.RUnlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Shutdown hard-kills every terminal immediately. Idempotent.
func (r *Registry) Shutdown() {
	r.stopIdleMonitor()

	r.mu.RLock()
	procs := make([]*terminalProc, 0, len(r.terminals))
	for _, proc := range r.terminals {
		procs = append(procs, proc)
	}
	r.mu.RUnlock()

	for _, proc := range procs {
		if !proc.snapshot().Status.Final() {
			r.killProc(proc)
		}
	}
}

// ShutdownGracefully signals every terminal and waits up to timeout for
// voluntary exit before force-killing stragglers. The deadline is hard:
// in-flight writes do not extend it.
func (r *Registry) ShutdownGracefully(timeout time.Duration) {
	r.stopIdleMonitor()

	r.mu.RLock()
	procs := make([]*terminalProc, 0, len(r.terminals))
	for _, proc := range r.terminals {
		procs = append(procs, proc)
	}
	r.mu.RUnlock()

	var pending []*terminalProc
	for _, proc := range procs {
		if proc.snapshot().Status.Final() {
			continue
		}
		r.signalProc(proc)
		pending = append(pending, proc)
	}

	deadline := time.After(timeout)
	for _, proc := range pending {
		select {
		case <-proc.done:
		case <-deadline:
			logger.Warnf("⏰ Terminal %s did not exit in time, force killing", proc.snapshot().ID)
			r.killProc(proc)
			// Killed processes still have to be reaped, but the deadline
			// has passed; move on without waiting for remaining exits.
			deadline = closedDeadline()
		}
	}
}

func closedDeadline() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}

// emit publishes a lifecycle event without ever blocking registry callers.
func (r *Registry) emit(kind models.TerminalEventKind, rec models.TerminalRecord) {
	select {
	case r.events <- models.TerminalEvent{Kind: kind, Terminal: rec}:
	default:
		logger.Warnf("⚠️  Terminal event channel full, dropping %s for %s", kind, rec.ID)
	}
}

func (p *terminalProc) snapshot() models.TerminalRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rec
}

// sanitizeTitle strips control characters and caps length on titles pulled
// from terminal escape sequences.
func sanitizeTitle(title string) string {
	safe := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, title)

	if len(safe) > 100 {
		safe = safe[:100]
	}
	return strings.TrimSpace(safe)
}

// extractTitleFromEscapeSequence pulls a window title out of an OSC 0
// sequence (ESC ] 0 ; title BEL) embedded in terminal output.
func extractTitleFromEscapeSequence(data []byte) (string, bool) {
	startSeq := []byte("\x1b]0;")
	endChar := byte('\x07')

	start := bytes.Index(data, startSeq)
	if start == -1 {
		return "", false
	}
	end := bytes.IndexByte(data[start+len(startSeq):], endChar)
	if end == -1 {
		return "", false
	}

	title := data[start+len(startSeq) : start+len(startSeq)+end]
	return sanitizeTitle(string(title)), true
}
