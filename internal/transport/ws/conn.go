package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/reviewflow/internal/domain"
	"github.com/xiaot623/reviewflow/internal/session"
)

// Conn is one client connection. It implements session.Channel: Send queues a
// frame for the write pump and never blocks.
type Conn struct {
	ID        string
	UserID    string
	ProcessID string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Channel = (*Conn)(nil)

func newConn(ws *websocket.Conn, userID, processID string, buffer int) *Conn {
	return &Conn{
		ID:        "conn_" + uuid.New().String()[:8],
		UserID:    userID,
		ProcessID: processID,
		ws:        ws,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

// Send implements session.Channel.
func (c *Conn) Send(msg domain.Message) error {
	return c.sendJSON(msg)
}

func (c *Conn) sendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed: %w", c.ID, domain.ErrTransport)
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s closed: %w", c.ID, domain.ErrTransport)
	default:
		return fmt.Errorf("connection %s send buffer full: %w", c.ID, domain.ErrTransport)
	}
}

// Close implements session.Channel. The write pump sends a close frame and
// tears down the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
