package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshell/freshell/internal/models"
)

type captureBroadcaster struct {
	mu       sync.Mutex
	messages []models.ServerMessage
	notify   chan struct{}
}

func newCaptureBroadcaster() *captureBroadcaster {
	return &captureBroadcaster{notify: make(chan struct{}, 16)}
}

func (b *captureBroadcaster) Broadcast(msg models.ServerMessage) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
	b.notify <- struct{}{}
}

func (b *captureBroadcaster) snapshot() []models.ServerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.ServerMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

func TestCoalescerCollapsesBursts(t *testing.T) {
	bc := newCaptureBroadcaster()
	c := NewCoalescer(bc)
	defer c.Stop()

	first := []models.ProjectGroup{{ProjectPath: "/a"}}
	last := []models.ProjectGroup{{ProjectPath: "/a"}, {ProjectPath: "/b"}}

	c.OnUpdate(first)
	c.OnUpdate(first)
	c.OnUpdate(last)

	select {
	case <-bc.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("coalescer never flushed")
	}

	// Give a spurious second flush a chance to show up.
	time.Sleep(2 * coalesceWindow)

	msgs := bc.snapshot()
	require.Len(t, msgs, 1, "a burst of updates must produce one broadcast")
	assert.Equal(t, models.SessionsUpdatedMessage, msgs[0].Type)

	payload := msgs[0].Payload.(models.SessionsUpdatedPayload)
	assert.Len(t, payload.Projects, 2, "flush carries the final snapshot of the burst")
}

func TestCoalescerSeparateBurstsFlushSeparately(t *testing.T) {
	bc := newCaptureBroadcaster()
	c := NewCoalescer(bc)
	defer c.Stop()

	c.OnUpdate([]models.ProjectGroup{{ProjectPath: "/a"}})
	select {
	case <-bc.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("first flush missing")
	}

	c.OnUpdate([]models.ProjectGroup{{ProjectPath: "/b"}})
	select {
	case <-bc.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("second flush missing")
	}

	assert.Len(t, bc.snapshot(), 2)
}

func TestCoalescerStopCancelsPendingFlush(t *testing.T) {
	bc := newCaptureBroadcaster()
	c := NewCoalescer(bc)

	c.OnUpdate([]models.ProjectGroup{{ProjectPath: "/a"}})
	c.Stop()

	select {
	case <-bc.notify:
		t.Fatal("flush fired after Stop")
	case <-time.After(2 * coalesceWindow):
	}

	// Updates after Stop are ignored.
	c.OnUpdate([]models.ProjectGroup{{ProjectPath: "/b"}})
	select {
	case <-bc.notify:
		t.Fatal("stopped coalescer accepted an update")
	case <-time.After(2 * coalesceWindow):
	}
}
