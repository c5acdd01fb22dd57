package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/freshell/freshell/internal/logger"
	"github.com/freshell/freshell/internal/models"
)

// clientBacklog is the per-connection outbound queue depth. A client that
// cannot drain this many messages is dropped rather than allowed to stall
// the broadcast path.
const clientBacklog = 256

// TerminalController is the slice of the terminal registry the hub routes
// client commands to.
type TerminalController interface {
	Create(req models.CreateTerminalRequest) (models.TerminalRecord, error)
	List() []models.TerminalRecord
	Attach(terminalID string) ([]byte, <-chan []byte, func(), error)
	Write(terminalID string, data []byte) error
	Resize(terminalID string, cols, rows uint16) error
	Kill(terminalID string) error
	UpdateTitle(terminalID, title string) bool
	UpdateDescription(terminalID, description string) bool
}

// SessionController handles session-scoped commands.
type SessionController interface {
	KillSession(compositeKey string) error
}

// TerminalMetadata persists user renames so they survive restarts.
type TerminalMetadata interface {
	PatchTerminalOverride(terminalID string, fields models.TerminalOverride)
}

// SettingsStore applies settings patches issued over the protocol.
type SettingsStore interface {
	PatchSettings(patch models.SettingsPatch) models.Settings
}

// SnapshotFunc assembles the hello payload for a new connection.
type SnapshotFunc func() models.HelloPayload

// Hub fans server messages out to every connected WebSocket client and
// routes inbound commands to the terminal and session controllers.
type Hub struct {
	terminals TerminalController
	sessions  SessionController
	metadata  TerminalMetadata
	settings  SettingsStore
	snapshot  SnapshotFunc

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	attachMu sync.Mutex
	attached map[string]func()

	closeOnce sync.Once
}

func NewHub(terminals TerminalController, sessions SessionController, metadata TerminalMetadata, settings SettingsStore, snapshot SnapshotFunc) *Hub {
	return &Hub{
		terminals: terminals,
		sessions:  sessions,
		metadata:  metadata,
		settings:  settings,
		snapshot:  snapshot,
		clients:   make(map[*client]struct{}),
	}
}

// Handler returns the fiber handler that upgrades and serves a connection.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		h.serve(conn)
	})
}

// Broadcast sends a message to every connected client. Clients whose queues
// are full are disconnected; they can reconnect and resync from the hello
// snapshot.
func (h *Hub) Broadcast(msg models.ServerMessage) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("❌ Failed to marshal broadcast %s: %v", msg.Type, err)
		return
	}

	h.mu.RLock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		logger.Warn("⚠️  Dropping stalled client")
		h.remove(c)
	}
}

// ConsumeEvents pumps registry lifecycle events into broadcasts. Runs until
// the event channel closes.
func (h *Hub) ConsumeEvents(events <-chan models.TerminalEvent) {
	for ev := range events {
		h.Broadcast(models.ServerMessage{
			Type:    models.MessageType(ev.Kind),
			Payload: ev.Terminal,
		})
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}

func (h *Hub) serve(conn *websocket.Conn) {
	c := &client{
		conn:     conn,
		send:     make(chan []byte, clientBacklog),
		done:     make(chan struct{}),
		attached: make(map[string]func()),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	logger.Debugf("🔌 Client connected (%d total)", h.ClientCount())

	go c.writeLoop()

	c.enqueue(models.ServerMessage{
		Type:      models.HelloMessage,
		Timestamp: time.Now().UnixMilli(),
		Payload:   h.snapshot(),
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd models.ClientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.replyError(cmd.ID, "malformed command")
			continue
		}
		if err := cmd.Validate(); err != nil {
			c.replyError(cmd.ID, err.Error())
			continue
		}
		h.dispatch(c, &cmd)
	}

	h.remove(c)
	logger.Debugf("🔌 Client disconnected (%d total)", h.ClientCount())
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		c.shutdown()
	}
}

// dispatch routes one validated command and replies with result or error,
// echoing the command id.
func (h *Hub) dispatch(c *client, cmd *models.ClientCommand) {
	switch cmd.Type {
	case models.CmdTerminalCreate:
		rec, err := h.terminals.Create(*cmd.Create)
		if err != nil {
			c.replyError(cmd.ID, err.Error())
			return
		}
		c.replyResult(cmd.ID, rec)

	case models.CmdTerminalAttach:
		h.attach(c, cmd)

	case models.CmdTerminalDetach:
		c.detach(cmd.TerminalID)
		c.replyResult(cmd.ID, nil)

	case models.CmdTerminalInput:
		if err := h.terminals.Write(cmd.TerminalID, []byte(cmd.Data)); err != nil {
			c.replyError(cmd.ID, err.Error())
		}

	case models.CmdTerminalResize:
		if err := h.terminals.Resize(cmd.TerminalID, cmd.Cols, cmd.Rows); err != nil {
			c.replyError(cmd.ID, err.Error())
			return
		}
		c.replyResult(cmd.ID, nil)

	case models.CmdTerminalKill:
		if err := h.terminals.Kill(cmd.TerminalID); err != nil {
			c.replyError(cmd.ID, err.Error())
			return
		}
		c.replyResult(cmd.ID, nil)

	case models.CmdTerminalRename:
		h.rename(c, cmd)

	case models.CmdTerminalList:
		c.enqueue(models.ServerMessage{
			Type:    models.TerminalListMessage,
			ID:      cmd.ID,
			Payload: h.terminals.List(),
		})

	case models.CmdSessionKill:
		if err := h.sessions.KillSession(cmd.SessionKey); err != nil {
			c.replyError(cmd.ID, err.Error())
			return
		}
		c.replyResult(cmd.ID, nil)

	case models.CmdSettingsPatch:
		if h.settings == nil {
			c.replyError(cmd.ID, "settings are read-only")
			return
		}
		updated := h.settings.PatchSettings(*cmd.Settings)
		c.replyResult(cmd.ID, updated)
		h.Broadcast(models.ServerMessage{
			Type:    models.SettingsUpdatedMessage,
			Payload: updated,
		})

	case models.CmdLoggingToggle:
		logger.SetDebug(*cmd.Enabled)
		c.replyResult(cmd.ID, nil)
		h.Broadcast(models.ServerMessage{
			Type:    models.LoggingToggledMessage,
			Payload: fiber.Map{"enabled": *cmd.Enabled},
		})
	}
}

// attach subscribes the client to a terminal's output. The replay buffer is
// delivered first so the client renders history before live bytes.
func (h *Hub) attach(c *client, cmd *models.ClientCommand) {
	replay, output, cancel, err := h.terminals.Attach(cmd.TerminalID)
	if err != nil {
		c.replyError(cmd.ID, err.Error())
		return
	}

	c.attachMu.Lock()
	if prev, ok := c.attached[cmd.TerminalID]; ok {
		prev()
	}
	c.attached[cmd.TerminalID] = cancel
	c.attachMu.Unlock()

	c.replyResult(cmd.ID, nil)

	terminalID := cmd.TerminalID
	if len(replay) > 0 {
		c.enqueue(outputMessage(terminalID, replay))
	}

	go func() {
		for data := range output {
			c.enqueue(outputMessage(terminalID, data))
		}
	}()
}

func (h *Hub) rename(c *client, cmd *models.ClientCommand) {
	updated := false
	fields := models.TerminalOverride{}
	if cmd.Title != nil {
		updated = h.terminals.UpdateTitle(cmd.TerminalID, *cmd.Title) || updated
		fields.Title = cmd.Title
	}
	if cmd.Description != nil {
		updated = h.terminals.UpdateDescription(cmd.TerminalID, *cmd.Description) || updated
		fields.Description = cmd.Description
	}
	if !updated {
		c.replyError(cmd.ID, "terminal not found")
		return
	}
	if h.metadata != nil {
		h.metadata.PatchTerminalOverride(cmd.TerminalID, fields)
	}
	c.replyResult(cmd.ID, nil)
}

func outputMessage(terminalID string, data []byte) models.ServerMessage {
	return models.ServerMessage{
		Type: models.TerminalOutputMessage,
		Payload: models.TerminalOutputPayload{
			TerminalID: terminalID,
			Data:       string(data),
		},
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) enqueue(msg models.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Errorf("❌ Failed to marshal %s message: %v", msg.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		// Queue full; broadcast path will drop this client shortly.
	}
}

func (c *client) replyResult(id string, payload any) {
	c.enqueue(models.ServerMessage{Type: models.ResultMessage, ID: id, Payload: payload})
}

func (c *client) replyError(id, message string) {
	c.enqueue(models.ServerMessage{Type: models.ErrorMessage, ID: id, Payload: models.ErrorPayload{Error: message}})
}

func (c *client) detach(terminalID string) {
	c.attachMu.Lock()
	if cancel, ok := c.attached[terminalID]; ok {
		cancel()
		delete(c.attached, terminalID)
	}
	c.attachMu.Unlock()
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		c.attachMu.Lock()
		for _, cancel := range c.attached {
			cancel()
		}
		c.attached = make(map[string]func())
		c.attachMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}
