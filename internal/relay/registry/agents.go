// Package registry tracks live relay connections: agents keyed by machine
// id, clients keyed by relay-assigned client id. Both registries are plain
// mutex-guarded maps constructed once per process and handed to every
// connection handler; nothing in here touches the network or the database.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hermit-sh/hermit/internal/protocol"
)

// Sink is the send side of a live socket. Implementations must be safe for
// concurrent use and must not block the caller indefinitely (slow receivers
// drop frames rather than stalling fan-out).
type Sink interface {
	Send(frame any) error
}

// Agent is a snapshot of one online agent connection.
type Agent struct {
	MachineID   string
	MachineName string
	UserID      string
	Sink        Sink
	ConnectedAt time.Time
}

type agentEntry struct {
	Agent
	sessions map[string]protocol.SessionInfo
}

// AgentRegistry holds all currently-connected agents.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
}

func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]*agentEntry)}
}

// Register adds an agent connection, replacing any existing registration for
// the same machine id (last writer wins).
func (r *AgentRegistry) Register(machineID, machineName, userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[machineID]; ok {
		slog.Warn("Agent already connected, replacing connection", "machine_id", machineID)
	}
	r.agents[machineID] = &agentEntry{
		Agent: Agent{
			MachineID:   machineID,
			MachineName: machineName,
			UserID:      userID,
			Sink:        sink,
			ConnectedAt: time.Now(),
		},
		sessions: make(map[string]protocol.SessionInfo),
	}
}

// Unregister removes the agent entry, but only while it still belongs to
// sink. A reconnect replaces the entry (last writer wins); the replaced
// socket's deferred cleanup must not take the live registration with it.
func (r *AgentRegistry) Unregister(machineID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[machineID]; ok && entry.Sink == sink {
		delete(r.agents, machineID)
	}
}

func (r *AgentRegistry) Get(machineID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[machineID]
	if !ok {
		return Agent{}, false
	}
	return entry.Agent, true
}

func (r *AgentRegistry) IsOnline(machineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[machineID]
	return ok
}

// GetByUser returns every online agent owned by the user.
func (r *AgentRegistry) GetByUser(userID string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []Agent
	for _, entry := range r.agents {
		if entry.UserID == userID {
			agents = append(agents, entry.Agent)
		}
	}
	return agents
}

// Send delivers a frame to the agent's socket. Returns false when the agent
// is offline; send errors to a live socket are the sink's problem.
func (r *AgentRegistry) Send(machineID string, frame any) bool {
	r.mu.RLock()
	entry, ok := r.agents[machineID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := entry.Sink.Send(frame); err != nil {
		slog.Debug("Send to agent failed", "machine_id", machineID, "error", err)
	}
	return true
}

// ReplaceSessions swaps the cached session list for a machine.
func (r *AgentRegistry) ReplaceSessions(machineID string, sessions []protocol.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[machineID]
	if !ok {
		return
	}
	entry.sessions = make(map[string]protocol.SessionInfo, len(sessions))
	for _, session := range sessions {
		entry.sessions[session.ID] = session
	}
}

func (r *AgentRegistry) AddSession(machineID string, session protocol.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[machineID]; ok {
		entry.sessions[session.ID] = session
	}
}

func (r *AgentRegistry) RemoveSession(machineID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[machineID]; ok {
		delete(entry.sessions, sessionID)
	}
}

// Sessions returns a copy of the cached session list for a machine; empty
// when the machine is offline.
func (r *AgentRegistry) Sessions(machineID string) []protocol.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[machineID]
	if !ok {
		return nil
	}
	sessions := make([]protocol.SessionInfo, 0, len(entry.sessions))
	for _, session := range entry.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *AgentRegistry) SessionCount(machineID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[machineID]
	if !ok {
		return 0
	}
	return len(entry.sessions)
}
