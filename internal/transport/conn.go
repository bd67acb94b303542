package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/stream"
)

// Keepalive tuning. Pongs must arrive within pongWait; pings go out with
// enough slack to make that deadline.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 54 * time.Second
	maxMessageSize = 4096
)

// wsConn adapts a gorilla websocket connection to the relay.Conn interface.
// The relay's outbound cycle, the ping ticker and the close path all write,
// so writes are serialized with a mutex; reads stay single-goroutine as
// gorilla requires.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		done: make(chan struct{}),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop()
	return c
}

// pingLoop keeps the connection alive until Close.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ReadMessage returns the next text payload from the client. The context is
// not consulted mid-read; the relay unblocks a pending read by closing the
// connection.
func (c *wsConn) ReadMessage(_ context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteEvent forwards one chat event to the client as a JSON text frame.
func (c *wsConn) WriteEvent(ev *stream.ChatEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(ev)
}

// Close sends a close frame with the given code, then tears the socket down.
// Safe to call from any goroutine and more than once.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}
