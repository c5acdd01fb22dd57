package hub

import (
	"sync"
	"time"

	"github.com/freshell/freshell/internal/models"
)

// coalesceWindow is the trailing-edge debounce applied to session snapshot
// broadcasts. A burst of transcript writes produces one sessions.updated
// message carrying the final snapshot.
const coalesceWindow = 250 * time.Millisecond

// Broadcaster delivers a server message to all connected clients.
type Broadcaster interface {
	Broadcast(msg models.ServerMessage)
}

// Coalescer subscribes to the session indexer and debounces its updates into
// sessions.updated broadcasts.
type Coalescer struct {
	broadcast Broadcaster

	mu      sync.Mutex
	pending []models.ProjectGroup
	timer   *time.Timer
	stopped bool
}

func NewCoalescer(broadcast Broadcaster) *Coalescer {
	return &Coalescer{broadcast: broadcast}
}

// OnUpdate buffers the snapshot and (re)arms the flush timer.
func (c *Coalescer) OnUpdate(projects []models.ProjectGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending = projects
	if c.timer == nil {
		c.timer = time.AfterFunc(coalesceWindow, c.flush)
	} else {
		c.timer.Reset(coalesceWindow)
	}
}

// OnNewSession is handled by the association coordinator; the coalescer only
// cares about snapshots.
func (c *Coalescer) OnNewSession(models.CodingCliSession) {}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	projects := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	c.broadcast.Broadcast(models.ServerMessage{
		Type:    models.SessionsUpdatedMessage,
		Payload: models.SessionsUpdatedPayload{Projects: projects},
	})
}

// Stop cancels any pending flush. Idempotent.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
