package wshub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/broadcast"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/rs/zerolog"
)

// Coordinator is the slice of the engine façade the hub needs: subscription
// lifecycle driven by client messages, and teardown on disconnect.
type Coordinator interface {
	SubscribeUser(userID, subType string, filters subscription.Filters) error
	UnsubscribeUser(userID, subType string) bool
	HandleUserDisconnection(userID string)
	TouchUser(userID string)
}

// frame is the wire shape for single-event deliveries and protocol replies.
// Batch envelopes carry their own discriminator and are marshalled as-is.
type frame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Hub owns every live WebSocket connection and the room membership map.
// It is the broadcaster's transport: Emit serializes a payload once and fans
// the bytes out to every connection joined to the room.
//
// Slow clients get three strikes: a connection whose send buffer is full when
// a frame arrives takes a strike, and three consecutive strikes disconnect
// it. One frozen phone must not hold frames for ten thousand healthy
// connections.
type Hub struct {
	logger      zerolog.Logger
	coordinator Coordinator

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	rooms     map[string]map[*Client]struct{}
	userConns map[string]int

	nextClientID int64

	// Statistics (atomic)
	framesSent      int64
	bytesSent       int64
	framesDropped   int64
	slowDisconnects int64
}

// NewHub creates an empty hub. The coordinator is bound afterwards with
// SetCoordinator: the hub is the broadcaster's transport and the broadcaster
// is wired before the coordinator exists.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger.With().Str("component", "wshub").Logger(),
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
		userConns: make(map[string]int),
	}
}

// SetCoordinator binds the engine façade. Must be called before the hub
// accepts connections.
func (h *Hub) SetCoordinator(c Coordinator) {
	h.coordinator = c
}

// Emit implements broadcast.Emitter. Delivering to an empty room is a
// successful no-op; only serialization fails the call.
func (h *Hub) Emit(eventName string, payload any, room string) error {
	var raw []byte
	var err error
	if eventName == broadcast.BatchEnvelopeType {
		raw, err = json.Marshal(payload)
	} else {
		raw, err = json.Marshal(frame{
			Type:      eventName,
			Data:      payload,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	if err != nil {
		return err
	}

	for _, c := range h.roomMembers(room) {
		h.send(c, raw)
	}
	return nil
}

// roomMembers snapshots the room's connections so delivery iterates without
// holding the membership lock.
func (h *Hub) roomMembers(room string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// send enqueues bytes on one connection with the three-strike slow-client
// policy. Never blocks.
func (h *Hub) send(c *Client, raw []byte) {
	select {
	case c.send <- raw:
		atomic.AddInt64(&h.framesSent, 1)
		atomic.AddInt64(&h.bytesSent, int64(len(raw)))
		atomic.StoreInt32(&c.sendStrikes, 0)
	default:
		atomic.AddInt64(&h.framesDropped, 1)
		strikes := atomic.AddInt32(&c.sendStrikes, 1)
		if strikes == 1 {
			h.logger.Warn().
				Int64("client_id", c.id).
				Str("user_id", c.userID).
				Msg("Slow client, send buffer full")
		}
		if strikes >= slowClientStrikes {
			atomic.AddInt64(&h.slowDisconnects, 1)
			h.logger.Warn().
				Int64("client_id", c.id).
				Str("user_id", c.userID).
				Int32("strikes", strikes).
				Msg("Disconnecting slow client")
			go c.close()
		}
	}
}

// register admits a new connection and joins its personal room.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.userConns[c.userID]++
	h.joinLocked(types.UserRoom(c.userID), c)
	h.mu.Unlock()

	h.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", c.userID).
		Msg("Client connected")
}

// unregister tears down a closed connection. Engine-side user state is
// cleared only when the user's last connection goes.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(room, c)
	}
	h.userConns[c.userID]--
	last := h.userConns[c.userID] <= 0
	if last {
		delete(h.userConns, c.userID)
	}
	h.mu.Unlock()

	if last {
		h.coordinator.HandleUserDisconnection(c.userID)
	}
	h.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", c.userID).
		Dur("connected", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

// Join adds the connection to a room. Admin room names must stay outside the
// per-user namespace.
func (h *Hub) Join(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(room, c)
}

// Leave removes the connection from a room.
func (h *Hub) Leave(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, c)
}

func (h *Hub) joinLocked(room string, c *Client) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(room string, c *Client) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Connections     int   `json:"connections"`
	Rooms           int   `json:"rooms"`
	FramesSent      int64 `json:"frames_sent"`
	BytesSent       int64 `json:"bytes_sent"`
	FramesDropped   int64 `json:"frames_dropped"`
	SlowDisconnects int64 `json:"slow_disconnects"`
}

// GetStats returns a snapshot of hub state.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	connections := len(h.clients)
	rooms := len(h.rooms)
	h.mu.RUnlock()

	return Stats{
		Connections:     connections,
		Rooms:           rooms,
		FramesSent:      atomic.LoadInt64(&h.framesSent),
		BytesSent:       atomic.LoadInt64(&h.bytesSent),
		FramesDropped:   atomic.LoadInt64(&h.framesDropped),
		SlowDisconnects: atomic.LoadInt64(&h.slowDisconnects),
	}
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}
