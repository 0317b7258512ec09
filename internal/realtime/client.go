package realtime

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client wraps one websocket connection. All writes go through the send
// channel and a single writer goroutine, so broadcasts from different
// handlers never race on the socket.
type Client struct {
	id      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
}

func newClient(id string, g *Gateway, conn *websocket.Conn) *Client {
	return &Client{
		id:      id,
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
	}
}

// readLoop pumps inbound events to the gateway until the connection drops,
// then triggers disconnect cleanup.
func (c *Client) readLoop() {
	defer func() {
		c.gateway.disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("malformed event")
			continue
		}
		c.gateway.dispatch(c, env)
	}
}

// writeLoop serializes outbound messages and keeps the connection alive
// with periodic pings.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a message to the writer goroutine. A client whose buffer is
// full is too far behind to be useful and gets dropped rather than stalling
// the broadcast.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(message string) {
	c.enqueue(mustEnvelope(EventError, map[string]string{"message": message}))
}
