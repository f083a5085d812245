package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → relay frames.

type ClientAuth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ClientListMachines struct {
	Type string `json:"type"`
}

type ClientListSessions struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

type ClientAttach struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	SessionID string `json:"sessionId"`
}

type ClientDetach struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ClientCreateSession struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Name      string `json:"name"`
	Command   string `json:"command,omitempty"`
}

type ClientData struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type ClientResize struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type ClientPong struct {
	Type string `json:"type"`
}

// Relay → client frames. These are only ever produced by the relay; clients
// (and tests) decode them with ParseClientBoundFrame.

type ClientAuthenticated struct {
	Type string   `json:"type"`
	User UserInfo `json:"user"`
}

type ClientMachines struct {
	Type     string        `json:"type"`
	Machines []MachineInfo `json:"machines"`
}

type ClientSessions struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machineId"`
	Sessions  []SessionInfo `json:"sessions"`
}

type ClientAttached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ClientDetached struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type ClientSessionReplay struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
	LineCount int    `json:"lineCount"`
}

type ClientMachineOnline struct {
	Type    string      `json:"type"`
	Machine MachineInfo `json:"machine"`
}

type ClientMachineOffline struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
}

type ClientSessionStarted struct {
	Type      string      `json:"type"`
	MachineID string      `json:"machineId"`
	Session   SessionInfo `json:"session"`
}

type ClientSessionEnded struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	SessionID string `json:"sessionId"`
}

type ClientError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// ErrorFrame builds an error frame for a client socket.
func ErrorFrame(code, message string) *ClientError {
	return &ClientError{Type: "error", Code: code, Message: message}
}

// ParseClientFrame validates and decodes a frame received by the relay on a
// client socket. It returns one of the Client* request structs.
func ParseClientFrame(data []byte) (any, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "auth":
		var f ClientAuth
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode auth: %w", err)
		}
		if f.Token == "" {
			return nil, fmt.Errorf("auth: token is required")
		}
		return &f, nil
	case "list_machines":
		return &ClientListMachines{Type: "list_machines"}, nil
	case "list_sessions":
		var f ClientListSessions
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode list_sessions: %w", err)
		}
		if f.MachineID == "" {
			return nil, fmt.Errorf("list_sessions: machineId is required")
		}
		return &f, nil
	case "attach":
		var f ClientAttach
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode attach: %w", err)
		}
		if f.MachineID == "" || f.SessionID == "" {
			return nil, fmt.Errorf("attach: machineId and sessionId are required")
		}
		return &f, nil
	case "detach":
		var f ClientDetach
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode detach: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("detach: sessionId is required")
		}
		return &f, nil
	case "create_session":
		var f ClientCreateSession
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode create_session: %w", err)
		}
		if f.MachineID == "" || f.Name == "" {
			return nil, fmt.Errorf("create_session: machineId and name are required")
		}
		return &f, nil
	case "data":
		var f ClientData
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("data: sessionId is required")
		}
		return &f, nil
	case "resize":
		var f ClientResize
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode resize: %w", err)
		}
		if f.SessionID == "" || f.Cols <= 0 || f.Rows <= 0 {
			return nil, fmt.Errorf("resize: sessionId, cols and rows are required")
		}
		return &f, nil
	case "pong":
		return &ClientPong{Type: "pong"}, nil
	default:
		return nil, fmt.Errorf("unknown client frame type %q", kind)
	}
}
