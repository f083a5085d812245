package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/protocol"
	"github.com/hermit-sh/hermit/internal/relay/registry"
)

// ClientHandler serves /ws/client. Every operation except auth requires a
// prior auth frame carrying a valid access token.
type ClientHandler struct {
	Agents   *registry.AgentRegistry
	Clients  *registry.ClientRegistry
	Machines MachineStore
	Users    UserStore
	Auth     auth.Config
	Upgrader websocket.Upgrader
}

type clientState struct {
	clientID      string
	userID        string
	authenticated bool
}

func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Client WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws)
	go conn.WritePump(&protocol.ClientPing{Type: "ping"})
	defer conn.Close()

	state := &clientState{clientID: uuid.NewString()}
	defer func() {
		if state.authenticated {
			h.Clients.Unregister(state.clientID)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			_ = conn.Send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Invalid message format"))
			continue
		}

		h.handleFrame(r.Context(), conn, state, frame)
	}
}

func (h *ClientHandler) handleFrame(ctx context.Context, conn *Conn, state *clientState, frame any) {
	if authFrame, ok := frame.(*protocol.ClientAuth); ok {
		h.handleAuth(ctx, conn, state, authFrame)
		return
	}

	if !state.authenticated {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeNotAuthenticated, "Not authenticated"))
		return
	}

	switch f := frame.(type) {
	case *protocol.ClientListMachines:
		h.handleListMachines(ctx, conn, state)

	case *protocol.ClientListSessions:
		h.handleListSessions(ctx, conn, state, f.MachineID)

	case *protocol.ClientAttach:
		h.handleAttach(ctx, conn, state, f)

	case *protocol.ClientDetach:
		// Detach is local bookkeeping only. The agent keeps streaming until
		// the session ends; frames for this session stop reaching the
		// client because the attachment lookup no longer matches.
		h.Clients.Detach(state.clientID, f.SessionID)
		_ = conn.Send(&protocol.ClientDetached{Type: "detached", SessionID: f.SessionID})

	case *protocol.ClientCreateSession:
		h.handleCreateSession(ctx, conn, state, f)

	case *protocol.ClientData:
		if machineID, ok := h.Clients.AttachedMachine(state.clientID, f.SessionID); ok {
			h.Agents.Send(machineID, &protocol.RelayData{
				Type:      "data",
				SessionID: f.SessionID,
				Data:      f.Data,
			})
		}

	case *protocol.ClientResize:
		if machineID, ok := h.Clients.AttachedMachine(state.clientID, f.SessionID); ok {
			h.Agents.Send(machineID, &protocol.RelayResize{
				Type:      "resize",
				SessionID: f.SessionID,
				Cols:      f.Cols,
				Rows:      f.Rows,
			})
		}

	case *protocol.ClientPong:
		// Liveness acknowledged; nothing to do.
	}
}

func (h *ClientHandler) handleAuth(ctx context.Context, conn *Conn, state *clientState, frame *protocol.ClientAuth) {
	claims, err := auth.VerifyToken(h.Auth, frame.Token)
	if err != nil || claims.TokenType == "refresh" {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeInvalidToken, "Invalid or expired token"))
		return
	}

	user, err := h.Users.FindByID(ctx, claims.Subject)
	if err != nil {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeUserNotFound, "User not found"))
		return
	}

	state.userID = user.ID
	state.authenticated = true
	h.Clients.Register(state.clientID, user.ID, conn)

	_ = conn.Send(&protocol.ClientAuthenticated{
		Type: "authenticated",
		User: protocol.UserInfo{ID: user.ID, Email: user.Email},
	})
	slog.Info("Client authenticated", "client_id", state.clientID, "user_id", user.ID)
}

func (h *ClientHandler) handleListMachines(ctx context.Context, conn *Conn, state *clientState) {
	owned, err := h.Machines.FindByUser(ctx, state.userID)
	if err != nil {
		slog.Error("Failed to list machines", "user_id", state.userID, "error", err)
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeInvalidMessage, "Failed to list machines"))
		return
	}

	infos := make([]protocol.MachineInfo, 0, len(owned))
	for i := range owned {
		m := &owned[i]
		infos = append(infos, protocol.MachineInfo{
			ID:           m.ID,
			Name:         m.Name,
			Online:       h.Agents.IsOnline(m.ID),
			LastSeen:     m.LastSeenString(),
			SessionCount: h.Agents.SessionCount(m.ID),
		})
	}
	_ = conn.Send(&protocol.ClientMachines{Type: "machines", Machines: infos})
}

func (h *ClientHandler) handleListSessions(ctx context.Context, conn *Conn, state *clientState, machineID string) {
	if !h.ownsMachine(ctx, state, machineID) {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeMachineNotFound, "Machine not found"))
		return
	}

	sessions := h.Agents.Sessions(machineID)
	if sessions == nil {
		sessions = []protocol.SessionInfo{}
	}
	_ = conn.Send(&protocol.ClientSessions{Type: "sessions", MachineID: machineID, Sessions: sessions})
}

func (h *ClientHandler) handleAttach(ctx context.Context, conn *Conn, state *clientState, frame *protocol.ClientAttach) {
	// An offline machine is indistinguishable from a missing one.
	if !h.ownsMachine(ctx, state, frame.MachineID) || !h.Agents.IsOnline(frame.MachineID) {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeMachineNotFound, "Machine not found"))
		return
	}

	h.Clients.Attach(state.clientID, frame.SessionID, frame.MachineID)

	h.Agents.Send(frame.MachineID, &protocol.RelayAttach{
		Type:      "attach",
		SessionID: frame.SessionID,
		ClientID:  state.clientID,
	})
	_ = conn.Send(&protocol.ClientAttached{Type: "attached", SessionID: frame.SessionID})
}

func (h *ClientHandler) handleCreateSession(ctx context.Context, conn *Conn, state *clientState, frame *protocol.ClientCreateSession) {
	if !h.ownsMachine(ctx, state, frame.MachineID) || !h.Agents.IsOnline(frame.MachineID) {
		_ = conn.Send(protocol.ErrorFrame(protocol.CodeMachineNotFound, "Machine not found"))
		return
	}

	// Fire and forget: success arrives later as a session_started broadcast
	// from the agent. An agent-side create failure produces no frame.
	h.Agents.Send(frame.MachineID, &protocol.RelayStartSession{
		Type:    "start_session",
		Name:    frame.Name,
		Command: frame.Command,
	})
}

// ownsMachine reports whether the machine exists and belongs to the
// connection's user. Other users' machines look identical to missing ones.
func (h *ClientHandler) ownsMachine(ctx context.Context, state *clientState, machineID string) bool {
	machine, err := h.Machines.FindByID(ctx, machineID)
	if err != nil {
		if !errors.Is(err, machines.ErrMachineNotFound) {
			slog.Error("Machine lookup failed", "machine_id", machineID, "error", err)
		}
		return false
	}
	return machine.UserID == state.userID
}
