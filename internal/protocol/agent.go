package protocol

import (
	"encoding/json"
	"fmt"
)

// Agent → relay frames.

type AgentRegister struct {
	Type        string `json:"type"`
	MachineName string `json:"machineName"`
	// MachineID is set when the agent has a cached id from a previous
	// registration; it enables the relay's fast-path lookup.
	MachineID string `json:"machineId,omitempty"`
	Token     string `json:"token"`
}

type AgentSessions struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

type AgentData struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type AgentSessionStarted struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
}

type AgentSessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type AgentSessionReplay struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64 scrollback snapshot
	LineCount int    `json:"lineCount"`
}

type AgentPong struct {
	Type string `json:"type"`
}

// Relay → agent frames.

type RelayRegistered struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	MachineID string `json:"machineId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type RelayListSessions struct {
	Type string `json:"type"`
}

type RelayStartSession struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
}

type RelayAttach struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	// RequestReplay nil means "replay" (the default); only an explicit
	// false suppresses the scrollback snapshot.
	RequestReplay *bool `json:"requestReplay,omitempty"`
	ReplayLines   int   `json:"replayLines,omitempty"`
}

type RelayDetach struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

type RelayData struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

type RelayResize struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type RelayPing struct {
	Type string `json:"type"`
}

// ParseAgentFrame validates and decodes a frame received by the relay on an
// agent socket. It returns one of the Agent* structs.
func ParseAgentFrame(data []byte) (any, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "register":
		var f AgentRegister
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode register: %w", err)
		}
		if f.MachineName == "" || f.Token == "" {
			return nil, fmt.Errorf("register: machineName and token are required")
		}
		return &f, nil
	case "sessions":
		var f AgentSessions
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		if f.Sessions == nil {
			return nil, fmt.Errorf("sessions: sessions array is required")
		}
		return &f, nil
	case "data":
		var f AgentData
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("data: sessionId is required")
		}
		return &f, nil
	case "session_started":
		var f AgentSessionStarted
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode session_started: %w", err)
		}
		if f.Session.ID == "" {
			return nil, fmt.Errorf("session_started: session.id is required")
		}
		return &f, nil
	case "session_ended":
		var f AgentSessionEnded
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode session_ended: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("session_ended: sessionId is required")
		}
		return &f, nil
	case "session_replay":
		var f AgentSessionReplay
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode session_replay: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("session_replay: sessionId is required")
		}
		return &f, nil
	case "pong":
		return &AgentPong{Type: "pong"}, nil
	default:
		return nil, fmt.Errorf("unknown agent frame type %q", kind)
	}
}

// ParseRelayFrame validates and decodes a frame received by the agent from
// the relay. It returns one of the Relay* structs.
func ParseRelayFrame(data []byte) (any, error) {
	kind, err := peekType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "registered":
		var f RelayRegistered
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode registered: %w", err)
		}
		return &f, nil
	case "list_sessions":
		return &RelayListSessions{Type: "list_sessions"}, nil
	case "start_session":
		var f RelayStartSession
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode start_session: %w", err)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("start_session: name is required")
		}
		return &f, nil
	case "attach":
		var f RelayAttach
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode attach: %w", err)
		}
		if f.SessionID == "" || f.ClientID == "" {
			return nil, fmt.Errorf("attach: sessionId and clientId are required")
		}
		return &f, nil
	case "detach":
		var f RelayDetach
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode detach: %w", err)
		}
		if f.SessionID == "" || f.ClientID == "" {
			return nil, fmt.Errorf("detach: sessionId and clientId are required")
		}
		return &f, nil
	case "data":
		var f RelayData
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
		if f.SessionID == "" {
			return nil, fmt.Errorf("data: sessionId is required")
		}
		return &f, nil
	case "resize":
		var f RelayResize
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode resize: %w", err)
		}
		if f.SessionID == "" || f.Cols <= 0 || f.Rows <= 0 {
			return nil, fmt.Errorf("resize: sessionId, cols and rows are required")
		}
		return &f, nil
	case "ping":
		return &RelayPing{Type: "ping"}, nil
	default:
		return nil, fmt.Errorf("unknown relay frame type %q", kind)
	}
}

func peekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("invalid JSON frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame has no type")
	}
	return head.Type, nil
}
