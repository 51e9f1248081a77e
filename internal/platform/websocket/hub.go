// Package websocket is the consultation session registry: it tracks which
// live connections have joined which rooms and fans frames out to them.
// It knows nothing about consultations beyond room names; authorization and
// ordering are the caller's job.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Frame is an outbound event delivered to room members.
type Frame struct {
	Type           string          `json:"type"`
	ConsultationID string          `json:"consultationId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewFrame marshals data into a frame stamped with the current time.
func NewFrame(typ, consultationID string, data interface{}) (Frame, error) {
	f := Frame{Type: typ, ConsultationID: consultationID, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s frame: %w", typ, err)
		}
		f.Data = raw
	}
	return f, nil
}

// ErrorData is the payload of an "error" frame sent to a single client.
type ErrorData struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Client is one live socket connection. UserID and Role come from the
// authenticated upgrade request and never change.
type Client struct {
	ID     string
	UserID string
	Role   string
	Send   chan []byte

	// rooms is guarded by Hub.mu.
	rooms map[string]struct{}
}

// NewClient returns a client with a buffered send queue of the given size.
func NewClient(userID, role string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Role:   role,
		Send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Hub is the session registry. All operations are safe for concurrent use.
// Delivery never blocks: a client whose queue is full misses the frame and
// the failure is logged.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{} // room -> members
	all    map[*Client]struct{}
	logger zerolog.Logger

	dropped atomic.Int64
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "session_registry").Logger(),
	}
}

// Register adds a connected client with no room memberships.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
}

// Unregister leaves every room the client belongs to and closes its send
// queue. Calling it twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	delete(h.all, c)
	close(c.Send)
}

// Join adds c to room. It reports whether c was newly added; joining a room
// twice is a no-op. Unregistered clients are ignored.
func (h *Hub) Join(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

// Leave removes c from room and reports whether it was a member.
func (h *Hub) Leave(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return false
	}
	h.removeLocked(c, room)
	return true
}

func (h *Hub) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// DropRoom force-leaves every member of room and returns how many there were.
func (h *Hub) DropRoom(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	for c := range members {
		delete(c.rooms, room)
	}
	delete(h.rooms, room)
	return len(members)
}

// IsMember reports whether c has joined room.
func (h *Hub) IsMember(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

// Broadcast delivers f to every member of room and returns the number of
// clients it was queued for. Members that join later never see it.
func (h *Hub) Broadcast(room string, f Frame) int {
	return h.fanOut(room, f, nil)
}

// RelayToOthers delivers f to every member of room except sender.
func (h *Hub) RelayToOthers(sender *Client, room string, f Frame) int {
	return h.fanOut(room, f, sender)
}

func (h *Hub) fanOut(room string, f Frame, skip *Client) int {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Str("type", f.Type).Msg("marshal frame")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[room] {
		if c == skip {
			continue
		}
		if h.deliverLocked(c, data, room, f.Type) {
			delivered++
		}
	}
	return delivered
}

// Send queues f for a single client regardless of room membership.
func (h *Hub) Send(c *Client, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error().Err(err).Str("type", f.Type).Msg("marshal frame")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[c]; !ok {
		return false
	}
	return h.deliverLocked(c, data, "", f.Type)
}

// deliverLocked must be called with at least the read lock held, which keeps
// Unregister from closing the queue underneath us.
func (h *Hub) deliverLocked(c *Client, data []byte, room, typ string) bool {
	select {
	case c.Send <- data:
		return true
	default:
		h.dropped.Add(1)
		h.logger.Warn().
			Str("client_id", c.ID).
			Str("user_id", c.UserID).
			Str("room", room).
			Str("type", typ).
			Msg("transport error: send buffer full, frame dropped")
		return false
	}
}

// Dropped returns how many frames were discarded because a client's queue
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomSize returns the number of clients joined to room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
