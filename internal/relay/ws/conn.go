// Package ws implements the relay's two WebSocket protocol surfaces: the
// agent side (register, session pushes, data ingest) and the client side
// (auth, discovery, attach/detach, keystroke forwarding). Handlers share the
// registries but never each other's sockets; all cross-connection traffic
// goes through registry lookups.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var ErrConnClosed = errors.New("connection closed")

// Conn wraps a websocket connection with a buffered send queue drained by a
// single write pump (gorilla allows only one concurrent writer). Send never
// blocks: when the queue is full the frame is dropped, so a slow client can
// fall behind but cannot stall the goroutine fanning out to it.
type Conn struct {
	ws     *websocket.Conn
	send   chan any
	closed chan struct{}
	once   sync.Once
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		send:   make(chan any, sendBuffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for the write pump. Returns ErrConnClosed after
// Close, and drops (with an error) when the receiver is too far behind.
func (c *Conn) Send(frame any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		slog.Warn("Send queue full, dropping frame", "remote", c.ws.RemoteAddr())
		return errors.New("send queue full")
	}
}

// Close shuts the socket down. Idempotent; unblocks the write pump.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// WritePump drains the send queue onto the socket and emits a protocol-level
// liveness ping periodically. Runs until Close or a write error; the caller
// starts it as a goroutine right after the upgrade.
func (c *Conn) WritePump(pingFrame any) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(pingFrame); err != nil {
				c.Close()
				return
			}
		}
	}
}
