package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freshell/freshell/internal/models"
)

var attachCmd = &cobra.Command{
	Use:   "attach [terminal-id]",
	Short: "🔌 Attach to a freshell terminal",
	Long: `Attach the current console to a freshell terminal over WebSocket.

With a terminal id, attaches to that terminal and replays its buffer.
Without one, creates a fresh terminal in the current directory first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAttach,
}

var (
	attachURL   string
	attachMode  string
	attachCwd   string
	attachToken string
)

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVar(&attachURL, "url", "http://127.0.0.1:8080", "Freshell server URL")
	attachCmd.Flags().StringVar(&attachMode, "mode", "shell", "Terminal mode when creating (shell, claude, codex)")
	attachCmd.Flags().StringVar(&attachCwd, "cwd", "", "Working directory when creating (defaults to current)")
	attachCmd.Flags().StringVar(&attachToken, "token", os.Getenv("FRESHELL_AUTH_TOKEN"), "Auth token")
}

// wireMessage mirrors models.ServerMessage with a deferred payload so each
// message type can be decoded into its own struct.
type wireMessage struct {
	Type    models.MessageType `json:"type"`
	ID      string             `json:"id,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type attachClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (a *attachClient) sendCommand(cmd models.ClientCommand) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteJSON(cmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	u, err := url.Parse(attachURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/ws"
	if attachToken != "" {
		q := u.Query()
		q.Set("auth_token", attachToken)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	client := &attachClient{conn: conn}

	cols, rows := 80, 24
	stdinFd := int(os.Stdin.Fd())
	if w, h, err := term.GetSize(stdinFd); err == nil {
		cols, rows = w, h
	}

	terminalID := ""
	if len(args) == 1 {
		terminalID = args[0]
	}

	// First frame is always the hello snapshot; drain it before issuing
	// commands so replies line up.
	var hello wireMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	if terminalID == "" {
		cwd := attachCwd
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		createID := uuid.New().String()
		if err := client.sendCommand(models.ClientCommand{
			Type: models.CmdTerminalCreate,
			ID:   createID,
			Create: &models.CreateTerminalRequest{
				Mode: attachMode,
				Cwd:  cwd,
				Cols: uint16(cols),
				Rows: uint16(rows),
			},
		}); err != nil {
			return err
		}

		rec, err := awaitResult(conn, createID)
		if err != nil {
			return err
		}
		terminalID = rec.ID
	}

	if err := client.sendCommand(models.ClientCommand{
		Type:       models.CmdTerminalAttach,
		ID:         uuid.New().String(),
		TerminalID: terminalID,
	}); err != nil {
		return err
	}

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case models.TerminalOutputMessage:
				var out models.TerminalOutputPayload
				if err := json.Unmarshal(msg.Payload, &out); err != nil {
					continue
				}
				if out.TerminalID == terminalID {
					_, _ = os.Stdout.WriteString(out.Data)
				}
			case models.TerminalExitedMessage, models.TerminalErrorMessage:
				var rec models.TerminalRecord
				if err := json.Unmarshal(msg.Payload, &rec); err != nil {
					continue
				}
				if rec.ID == terminalID {
					return
				}
			}
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(stdinFd); err == nil {
				_ = client.sendCommand(models.ClientCommand{
					Type:       models.CmdTerminalResize,
					TerminalID: terminalID,
					Cols:       uint16(w),
					Rows:       uint16(h),
				})
			}
		}
	}()
	defer signal.Stop(winch)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := client.sendCommand(models.ClientCommand{
					Type:       models.CmdTerminalInput,
					TerminalID: terminalID,
					Data:       string(buf[:n]),
				}); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	return nil
}

// awaitResult reads frames until the result or error for the given command
// id arrives. Broadcasts interleaved in between are skipped.
func awaitResult(conn *websocket.Conn, commandID string) (models.TerminalRecord, error) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return models.TerminalRecord{}, err
		}
		if msg.ID != commandID {
			continue
		}
		switch msg.Type {
		case models.ResultMessage:
			var rec models.TerminalRecord
			if err := json.Unmarshal(msg.Payload, &rec); err != nil {
				return models.TerminalRecord{}, fmt.Errorf("malformed result: %w", err)
			}
			return rec, nil
		case models.ErrorMessage:
			var ep models.ErrorPayload
			_ = json.Unmarshal(msg.Payload, &ep)
			return models.TerminalRecord{}, fmt.Errorf("server error: %s", ep.Error)
		}
	}
}
