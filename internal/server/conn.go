package server

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/dontdude/rp2g/internal/job"
)

// maxCloseReason is the largest close reason fitting a control frame after the code.
const maxCloseReason = 123

var errConnClosed = errors.New("connection closed")

// conn serializes writes to a WebSocket connection and closes it exactly once.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

var _ job.Conn = (*conn)(nil)

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

// Send implements job.Conn.
func (c *conn) Send(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

// SendResult implements job.Conn.
func (c *conn) SendResult(payload []byte) error {
	return c.write(websocket.BinaryMessage, payload)
}

func (c *conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// Close implements job.Conn.
func (c *conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	cerr := c.ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

// truncateReason shortens s to fit a close frame without splitting a character.
func truncateReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	s = s[:maxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
