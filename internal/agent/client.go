// Package agent implements the machine-side daemon: it keeps an outbound
// WebSocket to the relay, registers with its machine token, and bridges
// relay frames to local tmux sessions.
package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hermit-sh/hermit/internal/protocol"
)

const (
	defaultReplayLines = 1000
	pollInterval       = 10 * time.Second
	writeTimeout       = 10 * time.Second
	keepaliveInterval  = 30 * time.Second

	// The relay pings every 30s; three missed pings means the link is dead.
	readTimeout = 90 * time.Second
)

// backoffSchedule drives reconnect delays. The attempt counter indexes into
// it, clamping at the last entry, and resets only after a successful
// registration (not merely a successful dial).
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

type Config struct {
	RelayURL    string
	MachineName string
	Token       string

	// MachineID is the cached id from a previous registration; empty on
	// first run. The relay returns the authoritative id on every successful
	// registration and PersistMachineID is invoked when it changes.
	MachineID        string
	PersistMachineID func(id string) error

	// Terminal overrides the session backend; nil means the local tmux
	// binary.
	Terminal Terminal
}

// Client is the relay connection state machine. Construct with New, then
// Run blocks until the context is cancelled, reconnecting forever.
type Client struct {
	cfg  Config
	term Terminal

	mu        sync.Mutex
	state     State
	machineID string
	attached  map[string]TerminalSession
	known     map[string]struct{}

	writeMu sync.Mutex
	ws      *websocket.Conn
}

func New(cfg Config) *Client {
	term := cfg.Terminal
	if term == nil {
		term = tmuxTerminal{}
	}
	return &Client{
		cfg:       cfg,
		term:      term,
		machineID: cfg.MachineID,
		attached:  make(map[string]TerminalSession),
		known:     make(map[string]struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects, serves, and reconnects until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Warn("Relay connection lost", "error", err)
		}
		if registered {
			attempt = 0
		}

		delay := backoffDelay(attempt)
		attempt++
		slog.Info("Reconnecting to relay", "delay", delay, "attempt", attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce runs a single connection lifetime: dial, register, serve frames
// until the socket dies. Reports whether registration succeeded so the
// caller knows to reset backoff.
func (c *Client) runOnce(ctx context.Context) (registered bool, err error) {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)
	defer c.closeAttachments()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close()

	// Cancellation unblocks the blocking read below.
	stopAfter := context.AfterFunc(ctx, func() { ws.Close() })
	defer stopAfter()

	c.writeMu.Lock()
	c.ws = ws
	c.writeMu.Unlock()

	c.mu.Lock()
	c.known = make(map[string]struct{})
	cachedID := c.machineID
	c.mu.Unlock()

	if err := c.send(&protocol.AgentRegister{
		Type:        "register",
		MachineName: c.cfg.MachineName,
		MachineID:   cachedID,
		Token:       c.cfg.Token,
	}); err != nil {
		return false, err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return registered, err
		}

		frame, err := protocol.ParseRelayFrame(data)
		if err != nil {
			slog.Debug("Ignoring malformed relay frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.RelayRegistered:
			if !f.Success {
				return registered, fmt.Errorf("registration rejected: %s", f.Error)
			}
			c.completeRegistration(f.MachineID)
			registered = true
			go c.watchSessions(watchCtx)
			go c.keepalive(watchCtx)

		case *protocol.RelayListSessions:
			c.handleListSessions()

		case *protocol.RelayStartSession:
			c.handleStartSession(f)

		case *protocol.RelayAttach:
			c.handleAttach(f)

		case *protocol.RelayDetach:
			// Other viewers may still be watching the same session, so the
			// control-mode attachment stays up until the session ends.

		case *protocol.RelayData:
			c.handleData(f)

		case *protocol.RelayResize:
			if cs := c.attachment(f.SessionID); cs != nil {
				if err := cs.Resize(f.Cols, f.Rows); err != nil {
					slog.Warn("Resize failed", "session_id", f.SessionID, "error", err)
				}
			}

		case *protocol.RelayPing:
			_ = c.send(&protocol.AgentPong{Type: "pong"})
		}
	}
}

func (c *Client) completeRegistration(machineID string) {
	c.mu.Lock()
	changed := machineID != "" && machineID != c.machineID
	if changed {
		c.machineID = machineID
	}
	c.state = StateReady
	c.mu.Unlock()

	if changed && c.cfg.PersistMachineID != nil {
		if err := c.cfg.PersistMachineID(machineID); err != nil {
			slog.Warn("Failed to persist machine id", "error", err)
		}
	}
	slog.Info("Registered with relay", "machine_id", machineID)
}

func (c *Client) handleListSessions() {
	infos := c.listSessionInfos()

	c.mu.Lock()
	for _, info := range infos {
		c.known[info.ID] = struct{}{}
	}
	c.mu.Unlock()

	_ = c.send(&protocol.AgentSessions{Type: "sessions", Sessions: infos})
}

func (c *Client) handleStartSession(f *protocol.RelayStartSession) {
	session, err := c.term.CreateSession(f.Name, f.Command)
	if err != nil {
		// The requesting client learns nothing; a session_started broadcast
		// simply never arrives.
		slog.Error("Failed to create session", "name", f.Name, "error", err)
		return
	}

	c.mu.Lock()
	c.known[session.ID] = struct{}{}
	c.mu.Unlock()

	_ = c.send(&protocol.AgentSessionStarted{Type: "session_started", Session: session})
}

func (c *Client) handleAttach(f *protocol.RelayAttach) {
	c.mu.Lock()
	_, alreadyStreaming := c.attached[f.SessionID]
	c.mu.Unlock()

	var cs TerminalSession
	if !alreadyStreaming {
		var err error
		cs, err = c.term.Attach(f.SessionID)
		if err != nil {
			slog.Error("Failed to attach control mode", "session_id", f.SessionID, "error", err)
			return
		}
		c.mu.Lock()
		c.attached[f.SessionID] = cs
		c.mu.Unlock()
	}

	// Replay defaults to on; a reconnecting relay asks for attach without
	// replay since its clients already have scrollback. The snapshot goes
	// out before the output pump starts so it precedes live data.
	if f.RequestReplay == nil || *f.RequestReplay {
		lines := f.ReplayLines
		if lines <= 0 {
			lines = defaultReplayLines
		}
		scrollback, err := c.term.CaptureScrollback(f.SessionID, lines)
		if err != nil {
			slog.Warn("Scrollback capture failed", "session_id", f.SessionID, "error", err)
		} else {
			_ = c.send(&protocol.AgentSessionReplay{
				Type:      "session_replay",
				SessionID: f.SessionID,
				Data:      base64.StdEncoding.EncodeToString([]byte(scrollback)),
				LineCount: lines,
			})
		}
	}

	if cs != nil {
		go c.pumpOutput(f.SessionID, cs)
	}
}

func (c *Client) handleData(f *protocol.RelayData) {
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		slog.Debug("Dropping undecodable input", "session_id", f.SessionID)
		return
	}
	cs := c.attachment(f.SessionID)
	if cs == nil {
		return
	}
	if err := cs.SendKeys(string(raw)); err != nil {
		slog.Warn("SendKeys failed", "session_id", f.SessionID, "error", err)
	}
}

// pumpOutput is the single consumer of one control session's output channel.
// It exits when the channel closes (session ended, or Close during
// disconnect cleanup); session_ended reporting is the watcher's job.
func (c *Client) pumpOutput(sessionID string, cs TerminalSession) {
	for chunk := range cs.Output() {
		_ = c.send(&protocol.AgentData{
			Type:      "data",
			SessionID: sessionID,
			Data:      base64.StdEncoding.EncodeToString(chunk),
		})
	}

	c.mu.Lock()
	if current, ok := c.attached[sessionID]; ok && current == cs {
		delete(c.attached, sessionID)
	}
	c.mu.Unlock()
}

// watchSessions polls tmux and reports sessions appearing or disappearing
// outside the relay's control (created in a local terminal, exited shells).
func (c *Client) watchSessions(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current := c.listSessionInfos()
		currentIDs := make(map[string]struct{}, len(current))

		var started []protocol.SessionInfo
		var ended []string

		c.mu.Lock()
		for _, info := range current {
			currentIDs[info.ID] = struct{}{}
			if _, ok := c.known[info.ID]; !ok {
				c.known[info.ID] = struct{}{}
				started = append(started, info)
			}
		}
		for id := range c.known {
			if _, ok := currentIDs[id]; !ok {
				delete(c.known, id)
				ended = append(ended, id)
			}
		}
		c.mu.Unlock()

		for _, info := range started {
			_ = c.send(&protocol.AgentSessionStarted{Type: "session_started", Session: info})
		}
		for _, id := range ended {
			c.closeAttachment(id)
			_ = c.send(&protocol.AgentSessionEnded{Type: "session_ended", SessionID: id})
		}
	}
}

// keepalive sends an unsolicited liveness frame so the relay sees traffic
// even on an idle connection; it also answers the relay's pings inline.
func (c *Client) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.send(&protocol.AgentPong{Type: "pong"})
		}
	}
}

func (c *Client) attachment(sessionID string) TerminalSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[sessionID]
}

func (c *Client) closeAttachment(sessionID string) {
	c.mu.Lock()
	cs, ok := c.attached[sessionID]
	delete(c.attached, sessionID)
	c.mu.Unlock()
	if ok {
		cs.Close()
	}
}

func (c *Client) closeAttachments() {
	c.mu.Lock()
	attached := c.attached
	c.attached = make(map[string]TerminalSession)
	c.mu.Unlock()

	for _, cs := range attached {
		cs.Close()
	}
}

func (c *Client) send(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

func (c *Client) listSessionInfos() []protocol.SessionInfo {
	infos, err := c.term.ListSessions()
	if err != nil {
		slog.Warn("Failed to list sessions", "error", err)
		return []protocol.SessionInfo{}
	}
	if infos == nil {
		// The sessions frame always carries an array, even when empty.
		return []protocol.SessionInfo{}
	}
	return infos
}
