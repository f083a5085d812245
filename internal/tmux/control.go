package tmux

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// outputBuffer bounds the bridge's output channel. The reader goroutine
// blocks once the consumer falls this far behind; it never drops bytes
// mid-stream. Buffered data is discarded only on Close.
const outputBuffer = 64

var outputPattern = regexp.MustCompile(`^%output %\d+ (.*)$`)

// ControlSession is a live control-mode attachment to one tmux session.
// It owns a `tmux -C attach-session` subprocess: terminal output arrives as
// octal-escaped %output notification lines on stdout, and commands
// (send-keys, refresh-client, detach-client) go in on stdin.
//
// Exactly one consumer reads Output(); the channel closes when the
// subprocess exits or Close is called. Multiple viewers of the same session
// share one ControlSession — fan-out happens upstream.
type ControlSession struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	output chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// AttachControlMode spawns a control-mode client attached to the session and
// starts streaming its output.
func AttachControlMode(sessionID string) (*ControlSession, error) {
	cmd := exec.Command("tmux", "-C", "attach-session", "-t", "$"+sessionID)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tmux control mode: %w", err)
	}

	cs := &ControlSession{
		sessionID: sessionID,
		cmd:       cmd,
		stdin:     stdin,
		output:    make(chan []byte, outputBuffer),
		done:      make(chan struct{}),
	}
	go cs.readOutput(stdout)
	return cs, nil
}

// Output returns the channel of decoded terminal bytes. Closed when the
// bridge shuts down.
func (cs *ControlSession) Output() <-chan []byte {
	return cs.output
}

// SendKeys injects text into the session as literal keystrokes. Backslash
// and double quote are escaped for the tmux command line; -l suppresses any
// key-name interpretation.
func (cs *ControlSession) SendKeys(text string) error {
	command := fmt.Sprintf("send-keys -t $%s -l \"%s\"\n", cs.sessionID, escapeKeys(text))
	return cs.writeCommand(command)
}

// Resize updates the control client's reported size. It does not resize
// panes directly; tmux derives pane sizes from the smallest attached client.
func (cs *ControlSession) Resize(cols, rows int) error {
	return cs.writeCommand(fmt.Sprintf("refresh-client -C %d,%d\n", cols, rows))
}

// Close detaches cleanly and terminates the subprocess. Safe to call more
// than once, and safe when the subprocess already exited. Any buffered
// partial line is dropped.
func (cs *ControlSession) Close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	close(cs.done)
	cs.mu.Unlock()

	// Best effort: ask for a clean detach before killing.
	_, _ = io.WriteString(cs.stdin, "detach-client\n")
	_ = cs.stdin.Close()
	_ = cs.cmd.Process.Kill()
	_ = cs.cmd.Wait()
}

func (cs *ControlSession) writeCommand(command string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return fmt.Errorf("control session for $%s is closed", cs.sessionID)
	}
	if _, err := io.WriteString(cs.stdin, command); err != nil {
		return fmt.Errorf("write to tmux control mode: %w", err)
	}
	return nil
}

// readOutput splits the subprocess's stdout into notification lines and
// forwards decoded %output payloads. A partial line at EOF is dropped.
func (cs *ControlSession) readOutput(stdout io.Reader) {
	defer close(cs.output)

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// EOF or pipe closed; whatever is in line has no trailing
			// newline and is discarded.
			if err != io.EOF {
				slog.Debug("tmux control mode read ended", "session_id", cs.sessionID, "error", err)
			}
			return
		}

		payload, ok := parseOutputLine(strings.TrimSuffix(line, "\n"))
		if !ok {
			// %begin/%end response blocks, %window-add, %exit and friends
			// are ignored for now.
			continue
		}

		select {
		case cs.output <- payload:
		case <-cs.done:
			return
		}
	}
}

// parseOutputLine extracts and decodes the payload of a %output
// notification. Returns ok=false for every other line.
func parseOutputLine(line string) ([]byte, bool) {
	match := outputPattern.FindStringSubmatch(line)
	if match == nil {
		return nil, false
	}
	return DecodeOctal(match[1]), true
}

func escapeKeys(text string) string {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	return strings.ReplaceAll(escaped, `"`, `\"`)
}
