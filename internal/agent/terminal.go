package agent

import (
	"github.com/hermit-sh/hermit/internal/protocol"
	"github.com/hermit-sh/hermit/internal/tmux"
)

// Terminal is the slice of local session behavior the relay connection
// drives. The default implementation shells out to tmux; tests substitute
// their own.
type Terminal interface {
	ListSessions() ([]protocol.SessionInfo, error)
	CreateSession(name, command string) (protocol.SessionInfo, error)
	Attach(sessionID string) (TerminalSession, error)
	CaptureScrollback(sessionID string, lines int) (string, error)
}

// TerminalSession is one live streaming attachment to a session.
type TerminalSession interface {
	Output() <-chan []byte
	SendKeys(text string) error
	Resize(cols, rows int) error
	Close()
}

type tmuxTerminal struct{}

func (tmuxTerminal) ListSessions() ([]protocol.SessionInfo, error) {
	sessions, err := tmux.ListSessions()
	if err != nil {
		return nil, err
	}
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, tmux.ToSessionInfo(session))
	}
	return infos, nil
}

func (tmuxTerminal) CreateSession(name, command string) (protocol.SessionInfo, error) {
	session, err := tmux.CreateSession(name, command)
	if err != nil {
		return protocol.SessionInfo{}, err
	}
	return tmux.ToSessionInfo(session), nil
}

func (tmuxTerminal) Attach(sessionID string) (TerminalSession, error) {
	return tmux.AttachControlMode(sessionID)
}

func (tmuxTerminal) CaptureScrollback(sessionID string, lines int) (string, error) {
	return tmux.CaptureScrollback(sessionID, lines)
}
