// Package protocol defines the JSON frames exchanged over the relay's
// WebSocket connections. Every frame is a single JSON text message with a
// "type" discriminator; terminal bytes travel base64-encoded in "data"
// fields. Parse functions validate structure before dispatch so a malformed
// frame never reaches a handler.
package protocol

// SessionInfo describes one tmux session on an agent machine. The relay
// caches these per agent; clients only ever see copies.
type SessionInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Command         string `json:"command"`
	CreatedAt       string `json:"createdAt"`
	AttachedClients int    `json:"attachedClients"`
}

// MachineInfo is a machine record merged with its live connection state.
type MachineInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Online       bool   `json:"online"`
	LastSeen     string `json:"lastSeen"`
	SessionCount int    `json:"sessionCount"`
}

// UserInfo is the public profile returned to authenticated clients.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Error codes carried in error frames.
const (
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeMachineNotFound  = "MACHINE_NOT_FOUND"
)
