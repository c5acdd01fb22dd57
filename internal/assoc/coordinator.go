package assoc

import (
	"time"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// timeGuardSlack bounds how much older than its terminal a session may be
// and still associate. Coding CLIs stamp the session before the terminal
// record lands, so a session slightly predating the terminal is legitimate;
// anything older is a pre-existing session that merely shares the cwd.
const timeGuardSlack = 30 * time.Second

// TerminalDirectory is the slice of the registry the coordinator drives.
type TerminalDirectory interface {
	FindUnassociatedTerminals(provider, cwd string) []models.TerminalRecord
	SetResumeSessionID(terminalID, sessionID string) bool
	FindTerminalsBySession(provider, sessionID, cwd string) []models.TerminalRecord
	SetAutoTitle(terminalID, title string) bool
}

// Broadcaster announces associations to connected clients.
type Broadcaster interface {
	Broadcast(msg models.ServerMessage)
}

// MetadataSink optionally records an established binding (persisted
// overrides, metrics). May be nil.
type MetadataSink interface {
	RecordAssociation(terminalID string, session models.CodingCliSession)
}

// Coordinator binds freshly discovered coding CLI sessions to the terminals
// that spawned them. It subscribes to the session indexer and never blocks
// it: all work here is synchronous map operations against the registry.
type Coordinator struct {
	terminals TerminalDirectory
	broadcast Broadcaster
	sink      MetadataSink
}

func NewCoordinator(terminals TerminalDirectory, broadcast Broadcaster, sink MetadataSink) *Coordinator {
	return &Coordinator{
		terminals: terminals,
		broadcast: broadcast,
		sink:      sink,
	}
}

// OnNewSession attempts to bind the session to the oldest waiting terminal
// in the same cwd.
func (c *Coordinator) OnNewSession(session models.CodingCliSession) {
	c.tryAssociate(session)
}

// tryAssociate binds a session to at most one terminal. Failures are
// expected and non-fatal: the session may belong to a CLI launched outside
// any managed terminal.
func (c *Coordinator) tryAssociate(session models.CodingCliSession) {
	if session.Cwd == "" || session.Provider == "" {
		return
	}

	candidates := c.terminals.FindUnassociatedTerminals(session.Provider, session.Cwd)
	if len(candidates) == 0 {
		return
	}

	// Oldest first: with several waiting terminals in one cwd, the earliest
	// spawn is the most plausible origin of the earliest session.
	candidate := candidates[0]

	if session.UpdatedAt.Before(candidate.CreatedAt.Add(-timeGuardSlack)) {
		logger.Debugf("🔗 Session %s predates terminal %s by more than %s, not associating",
			session.SessionID, candidate.ID, timeGuardSlack)
		return
	}

	if !c.terminals.SetResumeSessionID(candidate.ID, session.SessionID) {
		// Terminal exited or got bound in between; next session retries.
		logger.Debugf("🔗 Terminal %s no longer bindable for session %s", candidate.ID, session.SessionID)
		return
	}

	logger.Infof("🔗 Associated session %s (%s) with terminal %s", session.SessionID, session.Provider, candidate.ID)

	c.broadcast.Broadcast(models.ServerMessage{
		Type:      models.TerminalAssociatedMessage,
		Timestamp: time.Now().UnixMilli(),
		Payload: models.AssociationPayload{
			TerminalID: candidate.ID,
			SessionID:  session.SessionID,
			Provider:   session.Provider,
		},
	})

	if c.sink != nil {
		c.sink.RecordAssociation(candidate.ID, session)
	}

	c.syncTitle(candidate.ID, session)
}

// OnUpdate re-runs the association pass over every session in the snapshot
// and propagates session titles to bound terminals that still carry a
// generic default title. Repeating the pass is safe: bound terminals are
// excluded from candidacy and SetResumeSessionID rejects double binds.
func (c *Coordinator) OnUpdate(projects []models.ProjectGroup) {
	for _, group := range projects {
		for _, session := range group.Sessions {
			c.tryAssociate(session)

			if session.Title == "" {
				continue
			}
			for _, rec := range c.terminals.FindTerminalsBySession(session.Provider, session.SessionID, session.Cwd) {
				if isGenericTitle(rec.Title) {
					c.syncTitle(rec.ID, session)
				}
			}
		}
	}
}

func (c *Coordinator) syncTitle(terminalID string, session models.CodingCliSession) {
	if session.Title == "" {
		return
	}
	c.terminals.SetAutoTitle(terminalID, session.Title)
}

// isGenericTitle reports whether a title is one of the spawn defaults, i.e.
// carries no user or session intent worth preserving.
func isGenericTitle(title string) bool {
	switch title {
	case "", "Claude", "Codex", "CLI", "Shell":
		return true
	}
	return false
}
