// Package tmux wraps the tmux CLI (session inventory) and a control-mode
// subprocess (live byte stream) for the agent.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hermit-sh/hermit/internal/protocol"
)

// Session describes one tmux session as reported by list-sessions.
type Session struct {
	ID        string // tmux session id without the "$" prefix
	Name      string
	CreatedAt time.Time
	Attached  bool
}

const listFormat = "#{session_id}:#{session_name}:#{session_created}:#{session_attached}"

// IsAvailable reports whether the tmux binary is on PATH.
func IsAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// runTmux executes a tmux command. A "no server running" failure is the
// normal empty state, not an error.
func runTmux(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if strings.Contains(msg, "no server running") || strings.Contains(msg, "error connecting") {
			return "", nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("tmux %s: %s", strings.Join(args, " "), strings.TrimSpace(msg))
		}
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ListSessions returns all sessions on the local tmux server. No running
// server yields an empty list.
func ListSessions() ([]Session, error) {
	output, err := runTmux("list-sessions", "-F", listFormat)
	if err != nil {
		return nil, err
	}
	if output == "" {
		return nil, nil
	}

	var sessions []Session
	for _, line := range strings.Split(output, "\n") {
		session, err := parseSessionLine(line)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func parseSessionLine(line string) (Session, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return Session{}, fmt.Errorf("unexpected list-sessions line %q", line)
	}
	created, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("parse session created timestamp %q: %w", parts[2], err)
	}
	return Session{
		ID:        strings.TrimPrefix(parts[0], "$"),
		Name:      parts[1],
		CreatedAt: time.Unix(created, 0),
		Attached:  parts[3] != "0" && parts[3] != "",
	}, nil
}

// SessionExists reports whether a session with the given name exists.
func SessionExists(name string) bool {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	return cmd.Run() == nil
}

// CreateSession starts a detached session, optionally running command in it.
func CreateSession(name, command string) (Session, error) {
	args := []string{"new-session", "-d", "-s", name, "-P", "-F", "#{session_id}:#{session_created}"}
	if command != "" {
		args = append(args, command)
	}

	output, err := runTmux(args...)
	if err != nil {
		return Session{}, err
	}
	parts := strings.SplitN(output, ":", 2)
	if len(parts) != 2 {
		return Session{}, fmt.Errorf("unexpected new-session output %q", output)
	}
	created, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Session{}, fmt.Errorf("parse session created timestamp %q: %w", parts[1], err)
	}
	return Session{
		ID:        strings.TrimPrefix(parts[0], "$"),
		Name:      name,
		CreatedAt: time.Unix(created, 0),
	}, nil
}

// KillSession terminates a session by name.
func KillSession(name string) error {
	_, err := runTmux("kill-session", "-t", name)
	return err
}

// CaptureScrollback returns up to lines of recent pane history including
// escape sequences, with wrapped lines joined.
func CaptureScrollback(sessionID string, lines int) (string, error) {
	return runTmux("capture-pane", "-t", "$"+sessionID, "-p",
		"-S", fmt.Sprintf("-%d", lines), "-e", "-J")
}

// ToSessionInfo converts a Session to its wire representation.
func ToSessionInfo(session Session) protocol.SessionInfo {
	attached := 0
	if session.Attached {
		attached = 1
	}
	return protocol.SessionInfo{
		ID:              session.ID,
		Name:            session.Name,
		Command:         "tmux", // tmux does not readily expose the originating command
		CreatedAt:       session.CreatedAt.UTC().Format(time.RFC3339),
		AttachedClients: attached,
	}
}
