package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/protocol"
	"github.com/hermit-sh/hermit/internal/relay/registry"
)

// AgentHandler serves /ws/agent. One agentState per socket; the socket is
// unauthenticated until a register frame carrying a valid machine token
// arrives.
type AgentHandler struct {
	Agents   *registry.AgentRegistry
	Clients  *registry.ClientRegistry
	Machines MachineStore
	Upgrader websocket.Upgrader
}

type agentState struct {
	machineID     string
	userID        string
	machineName   string
	authenticated bool
}

func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Agent WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws)
	go conn.WritePump(&protocol.RelayPing{Type: "ping"})
	defer conn.Close()

	state := &agentState{}
	defer func() {
		if state.authenticated {
			h.Agents.Unregister(state.machineID, conn)
			slog.Info("Agent disconnected", "machine_id", state.machineID)
			// A replacement connection may already hold the registration, in
			// which case the machine never went offline.
			if !h.Agents.IsOnline(state.machineID) {
				h.notifyMachineOffline(state)
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.ParseAgentFrame(data)
		if err != nil {
			slog.Debug("Rejected agent frame", "remote", r.RemoteAddr, "error", err)
			_ = conn.Send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Invalid message format"))
			continue
		}

		h.handleFrame(r.Context(), conn, state, frame)
	}
}

func (h *AgentHandler) handleFrame(ctx context.Context, conn *Conn, state *agentState, frame any) {
	if register, ok := frame.(*protocol.AgentRegister); ok {
		h.handleRegister(ctx, conn, state, register)
		return
	}

	if !state.authenticated {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeNotAuthenticated, "Not authenticated"))
		return
	}

	switch f := frame.(type) {
	case *protocol.AgentSessions:
		h.Agents.ReplaceSessions(state.machineID, f.Sessions)
		h.resumeAttachedSessions(conn, state, f.Sessions)

	case *protocol.AgentSessionStarted:
		h.Agents.AddSession(state.machineID, f.Session)
		h.broadcastToUser(state.userID, &protocol.ClientSessionStarted{
			Type:      "session_started",
			MachineID: state.machineID,
			Session:   f.Session,
		})

	case *protocol.AgentSessionEnded:
		h.Agents.RemoveSession(state.machineID, f.SessionID)
		h.broadcastToUser(state.userID, &protocol.ClientSessionEnded{
			Type:      "session_ended",
			MachineID: state.machineID,
			SessionID: f.SessionID,
		})

	case *protocol.AgentData:
		h.broadcastToAttached(state.machineID, f.SessionID, &protocol.ClientData{
			Type:      "data",
			SessionID: f.SessionID,
			Data:      f.Data,
		})

	case *protocol.AgentSessionReplay:
		h.broadcastToAttached(state.machineID, f.SessionID, &protocol.ClientSessionReplay{
			Type:      "session_replay",
			SessionID: f.SessionID,
			Data:      f.Data,
			LineCount: f.LineCount,
		})

	case *protocol.AgentPong:
		// Liveness acknowledged; nothing to do.
	}
}

// handleRegister authenticates the agent. A cached machine id gives a direct
// lookup; when that is absent or its hash check fails, every machine record
// is scanned for a matching token hash (first-ever registration has no id).
func (h *AgentHandler) handleRegister(ctx context.Context, conn *Conn, state *agentState, register *protocol.AgentRegister) {
	var machine *machines.Machine

	if register.MachineID != "" {
		found, err := h.Machines.FindByID(ctx, register.MachineID)
		if err == nil && auth.VerifyMachineToken(register.Token, found.TokenHash) {
			machine = found
		}
	}

	if machine == nil {
		all, err := h.Machines.FindAll(ctx)
		if err != nil {
			slog.Error("Machine scan failed during registration", "error", err)
			_ = conn.Send(&protocol.RelayRegistered{Type: "registered", Success: false, Error: "Registration failed"})
			return
		}
		for i := range all {
			if auth.VerifyMachineToken(register.Token, all[i].TokenHash) {
				machine = &all[i]
				break
			}
		}
	}

	if machine == nil {
		_ = conn.Send(&protocol.RelayRegistered{Type: "registered", Success: false, Error: "Invalid token"})
		return
	}

	state.machineID = machine.ID
	state.userID = machine.UserID
	state.machineName = machine.Name
	state.authenticated = true

	h.Agents.Register(machine.ID, machine.Name, machine.UserID, conn)
	if err := h.Machines.UpdateLastSeen(ctx, machine.ID); err != nil {
		slog.Warn("Failed to update machine last seen", "machine_id", machine.ID, "error", err)
	}

	_ = conn.Send(&protocol.RelayRegistered{Type: "registered", Success: true, MachineID: machine.ID})
	_ = conn.Send(&protocol.RelayListSessions{Type: "list_sessions"})

	h.broadcastToUser(machine.UserID, &protocol.ClientMachineOnline{
		Type: "machine_online",
		Machine: protocol.MachineInfo{
			ID:       machine.ID,
			Name:     machine.Name,
			Online:   true,
			LastSeen: time.Now().UTC().Format(time.RFC3339),
		},
	})

	slog.Info("Agent registered", "machine_name", machine.Name, "machine_id", machine.ID)
}

// resumeAttachedSessions re-establishes streaming after an agent reconnect:
// any session that still has attached clients gets a fresh attach
// instruction, without replay since those clients already have context.
func (h *AgentHandler) resumeAttachedSessions(conn *Conn, state *agentState, sessions []protocol.SessionInfo) {
	noReplay := false
	for _, session := range sessions {
		attached := h.Clients.AttachedClients(state.machineID, session.ID)
		if len(attached) == 0 {
			continue
		}
		_ = conn.Send(&protocol.RelayAttach{
			Type:          "attach",
			SessionID:     session.ID,
			ClientID:      attached[0].ClientID,
			RequestReplay: &noReplay,
		})
	}
}

func (h *AgentHandler) broadcastToAttached(machineID, sessionID string, frame any) {
	for _, client := range h.Clients.AttachedClients(machineID, sessionID) {
		_ = client.Sink.Send(frame)
	}
}

func (h *AgentHandler) broadcastToUser(userID string, frame any) {
	for _, client := range h.Clients.GetByUser(userID) {
		_ = client.Sink.Send(frame)
	}
}

func (h *AgentHandler) notifyMachineOffline(state *agentState) {
	h.broadcastToUser(state.userID, &protocol.ClientMachineOffline{
		Type:      "machine_offline",
		MachineID: state.machineID,
	})
}
