package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Subscribed series; empty means everything.
	subMu  sync.RWMutex
	series map[string]bool
}

// clientMsg is the control message a client may send.
//
//	{"type":"SUBSCRIBE","series":["A","B"]}
//	{"type":"UNSUBSCRIBE","series":["A"]}
//	{"ping":1700000000000}
type clientMsg struct {
	Type   string   `json:"type"`
	Series []string `json:"series"`
	Ping   int64    `json:"ping"`
}

func newClient(conn *websocket.Conn, hub *Hub, series []string) *Client {
	c := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		series: make(map[string]bool, len(series)),
	}
	for _, s := range series {
		c.series[s] = true
	}
	return c
}

func (c *Client) wants(series string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.series) == 0 || c.series[series]
}

func (c *Client) writePump() {
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

			// Write coalescing: queued messages share one frame, newline separated
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg clientMsg) {
	switch msg.Type {
	case "SUBSCRIBE":
		c.subMu.Lock()
		for _, s := range msg.Series {
			c.series[s] = true
		}
		c.subMu.Unlock()
	case "UNSUBSCRIBE":
		c.subMu.Lock()
		for _, s := range msg.Series {
			delete(c.series, s)
		}
		c.subMu.Unlock()
	default:
		if msg.Ping > 0 {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.trySend(pong)
		}
	}
}

// trySend queues msg unless the client has been removed or is backed up.
func (c *Client) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
