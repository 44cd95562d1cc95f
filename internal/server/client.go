package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ottopad/ottopad/internal/collab"
)

// Client wraps one websocket connection. Reads happen on a single loop;
// writes come from queue workers and the read loop, so they are serialized
// by a mutex.
type Client struct {
	conn  *websocket.Conn
	alive bool

	sync.Mutex
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn, alive: true}
}

// Send writes one JSON message. Safe for concurrent use.
func (c *Client) Send(v interface{}) error {
	c.Lock()
	defer c.Unlock()
	if !c.alive {
		return websocket.ErrCloseSent
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.alive = false
		return err
	}
	return nil
}

func (c *Client) Close() error {
	c.Lock()
	defer c.Unlock()
	c.alive = false
	return c.conn.Close()
}

// interact feeds inbound messages to the coordinator until the connection
// drops, then tears the session down.
func (c *Client) interact(coord *collab.Coordinator, session *collab.Session) {
	defer coord.Disconnect(session)
	for {
		var m collab.Message
		if err := c.conn.ReadJSON(&m); err != nil {
			return
		}
		coord.HandleMessage(session, m)
	}
}
