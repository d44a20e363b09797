package ws

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		id:   newConnID(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func newConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Hub owns the connected client set and the per-bus topic rooms. Fan-out is
// fire-and-forget: a peer that cannot keep up with its send buffer is
// disconnected rather than allowed to stall everyone else.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]*client),
	}
}

func (h *Hub) Add(conn *websocket.Conn) *client {
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	return c
}

// Remove drops the client from the hub and from every room it joined, then
// closes its send channel.
func (h *Hub) Remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		for busID, members := range h.rooms {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, busID)
			}
		}
		c.close()
	}
	h.mu.Unlock()
}

// Join subscribes connID to the bus topic. Joining twice is a no-op.
func (h *Hub) Join(connID, busID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[busID]
	if !ok {
		members = make(map[string]*client)
		h.rooms[busID] = members
	}
	members[connID] = c
}

func (h *Hub) Leave(connID, busID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[busID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, busID)
	}
}

// Apply performs the effects produced by dispatching one of callerID's
// events, in order.
func (h *Hub) Apply(callerID string, effects []Effect) {
	for _, ef := range effects {
		switch ef.Kind {
		case SendCaller:
			h.SendTo(callerID, ef.Msg)
		case SendRoom:
			h.ToRoom(ef.BusID, ef.Msg)
		case SendAll:
			h.Broadcast(ef.Msg)
		case JoinRoom:
			h.Join(callerID, ef.BusID)
		case LeaveRoom:
			h.Leave(callerID, ef.BusID)
		}
	}
}

// SendTo delivers an envelope to a single connection. Unknown connection IDs
// are ignored; the peer may have disconnected between dispatch and delivery.
func (h *Hub) SendTo(connID string, env Envelope) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver([]*client{c}, env)
}

// ToRoom delivers an envelope to every subscriber of the bus topic.
func (h *Hub) ToRoom(busID string, env Envelope) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[busID]))
	for _, c := range h.rooms[busID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	h.deliver(members, env)
}

// Broadcast delivers an envelope to every connected peer.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.RLock()
	all := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()

	h.deliver(all, env)
}

func (h *Hub) deliver(targets []*client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("marshal %s envelope: %v", env.Event, err)
		return
	}

	// Send channels are closed by Remove under the write lock, so sending
	// under the read lock after re-checking registration can never hit a
	// closed channel, even when the peer disconnects between the target
	// snapshot and delivery.
	var slow []*client
	h.mu.RLock()
	for _, c := range targets {
		if h.clients[c.id] != c {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it.
		log.Printf("ws client %s too slow, disconnecting", c.id)
		h.Remove(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// roomSize reports how many connections are subscribed to the bus topic.
func (h *Hub) roomSize(busID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[busID])
}
