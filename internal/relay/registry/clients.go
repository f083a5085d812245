package registry

import (
	"sync"
	"time"
)

// Client is a snapshot of one connected client.
type Client struct {
	ClientID    string
	UserID      string
	Sink        Sink
	ConnectedAt time.Time
}

type clientEntry struct {
	Client
	// attached maps sessionId → machineId for every session this client is
	// currently viewing.
	attached map[string]string
}

// ClientRegistry holds all currently-connected (authenticated) clients and
// their session attachments.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*clientEntry
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*clientEntry)}
}

func (r *ClientRegistry) Register(clientID, userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &clientEntry{
		Client: Client{
			ClientID:    clientID,
			UserID:      userID,
			Sink:        sink,
			ConnectedAt: time.Now(),
		},
		attached: make(map[string]string),
	}
}

// Unregister removes the client and, implicitly, all its attachments.
func (r *ClientRegistry) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

func (r *ClientRegistry) Get(clientID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.clients[clientID]
	if !ok {
		return Client{}, false
	}
	return entry.Client, true
}

// GetByUser returns every connected client belonging to the user.
func (r *ClientRegistry) GetByUser(userID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []Client
	for _, entry := range r.clients {
		if entry.UserID == userID {
			clients = append(clients, entry.Client)
		}
	}
	return clients
}

// Attach records that the client views sessionID on machineID. Overwrites a
// previous attachment for the same session.
func (r *ClientRegistry) Attach(clientID, sessionID, machineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[clientID]; ok {
		entry.attached[sessionID] = machineID
	}
}

func (r *ClientRegistry) Detach(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[clientID]; ok {
		delete(entry.attached, sessionID)
	}
}

// AttachedMachine resolves the machine the client's attachment for sessionID
// points at. This is the routing table for client data/resize frames.
func (r *ClientRegistry) AttachedMachine(clientID, sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.clients[clientID]
	if !ok {
		return "", false
	}
	machineID, ok := entry.attached[sessionID]
	return machineID, ok
}

// AttachedClients returns every client attached to (machineID, sessionID);
// this is the fan-out set for one agent data frame.
func (r *ClientRegistry) AttachedClients(machineID, sessionID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []Client
	for _, entry := range r.clients {
		if entry.attached[sessionID] == machineID {
			clients = append(clients, entry.Client)
		}
	}
	return clients
}
