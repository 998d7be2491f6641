package wshub

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/gobwas/ws"
)

// clientMessage is the inbound protocol envelope.
//
//	{"action":"subscribe","subscription_type":"pattern_alert","filters":{"symbols":["BTC"]}}
//	{"action":"unsubscribe","subscription_type":"pattern_alert"}
//	{"action":"join_room","room":"market_overview"}
//	{"action":"leave_room","room":"market_overview"}
//	{"action":"ping"}
type clientMessage struct {
	Action           string               `json:"action"`
	SubscriptionType string               `json:"subscription_type,omitempty"`
	Filters          subscription.Filters `json:"filters,omitempty"`
	Room             string               `json:"room,omitempty"`
}

// HandleWS upgrades an HTTP request to a WebSocket connection and starts the
// client's pumps. Identity comes from the user_id query parameter;
// authentication sits in front of this service.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &Client{
		id:          atomic.AddInt64(&h.nextClientID, 1),
		userID:      userID,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}

	h.register(c)
	go c.writePump(h)
	go c.readPump(h)
}

// handleMessage dispatches one inbound protocol message.
func (h *Hub) handleMessage(c *Client, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.replyError(c, "invalid message")
		return
	}

	h.coordinator.TouchUser(c.userID)

	switch msg.Action {
	case "subscribe":
		if err := h.coordinator.SubscribeUser(c.userID, msg.SubscriptionType, msg.Filters); err != nil {
			h.replyError(c, err.Error())
			return
		}
		h.replyAck(c, "subscribe", msg.SubscriptionType)

	case "unsubscribe":
		h.coordinator.UnsubscribeUser(c.userID, msg.SubscriptionType)
		h.replyAck(c, "unsubscribe", msg.SubscriptionType)

	case "join_room":
		// The per-user namespace is reserved; a client cannot join another
		// user's delivery room.
		if msg.Room == "" || types.IsUserRoom(msg.Room) {
			h.replyError(c, "invalid room")
			return
		}
		h.Join(msg.Room, c)
		h.replyAck(c, "join_room", msg.Room)

	case "leave_room":
		if msg.Room == "" || types.IsUserRoom(msg.Room) {
			h.replyError(c, "invalid room")
			return
		}
		h.Leave(msg.Room, c)
		h.replyAck(c, "leave_room", msg.Room)

	case "ping":
		h.reply(c, frame{Type: "pong", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})

	default:
		h.replyError(c, "unknown action")
	}
}

func (h *Hub) replyAck(c *Client, action, subject string) {
	h.reply(c, frame{
		Type: "ack",
		Data: map[string]string{
			"action":  action,
			"subject": subject,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Hub) replyError(c *Client, message string) {
	h.reply(c, frame{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Hub) reply(c *Client, f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	h.send(c, raw)
}
