// Package gateway streams feature vectors to WebSocket clients.
package gateway

import (
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"viewengine/internal/model"

	"github.com/gorilla/websocket"
)

// Hub fans feature vectors out to connected WebSocket clients. It keeps the
// latest envelope per series for new clients and a replay buffer for clients
// that reconnect with ?since=<seq>.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string][]byte // series → latest envelope
	seq     int64

	replay   *ReplayBuffer
	upgrader websocket.Upgrader

	// OnClientCount is called with the client count after every change.
	OnClientCount func(n int)
}

// NewHub creates a hub whose replay buffer holds replayCap envelopes.
func NewHub(replayCap int) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		latest:  make(map[string][]byte),
		replay:  NewReplayBuffer(replayCap),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   4096,
			EnableCompression: true,
			// Origin policy is enforced by the HTTP CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish broadcasts one feature vector to every client subscribed to its
// series. Slow clients whose send queue is full miss the message.
// It returns false, publishing nothing, when the vector cannot be encoded.
func (h *Hub) Publish(fv model.FeatureVector) bool {
	data := fv.JSON()
	if len(data) == 0 {
		return false
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	buf := buildEnvelope(fv.Series, data, time.Now().UTC(), seq)
	h.latest[fv.Series] = buf
	h.replay.Push(seq, fv.Series, buf)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(fv.Series) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
	return true
}

// buildEnvelope hand-crafts {"type":"feature","series":..,"data":..,"ts":..,"seq":N}.
// series is a stream key suffix and never needs escaping beyond quotes.
func buildEnvelope(series string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(series)+len(data)+128)
	buf = append(buf, `{"type":"feature","series":`...)
	buf = strconv.AppendQuote(buf, series)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}

// ServeHTTP upgrades the request to a WebSocket. Query parameters:
//
//	series=A,B   only receive these series (default: all)
//	since=N      replay buffered envelopes with seq > N instead of the
//	             latest-per-series snapshot
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(true)

	c := newClient(conn, h, parseSeriesList(r.URL.Query().Get("series")))

	var since int64 = -1
	if s := r.URL.Query().Get("since"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 0 {
			since = n
		}
	}

	h.mu.Lock()
	h.sendInitialLocked(c, since)
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	go c.writePump()
	go c.readPump()
}

// sendInitialLocked queues the catch-up messages for a new client. Runs
// under h.mu so no broadcast can slip in between catch-up and registration.
func (h *Hub) sendInitialLocked(c *Client, since int64) {
	var msgs [][]byte
	if since >= 0 {
		msgs = h.replay.Since(since, c.wants)
	} else {
		keys := make([]string, 0, len(h.latest))
		for k := range h.latest {
			if c.wants(k) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			msgs = append(msgs, h.latest[k])
		}
	}
	for _, m := range msgs {
		select {
		case c.send <- m:
		default:
			return
		}
	}
}

// RemoveClient unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the sequence number of the last published envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func parseSeriesList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
