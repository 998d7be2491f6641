package wshub

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// writeWait bounds a single write syscall on the connection.
	writeWait = 10 * time.Second
	// pingPeriod is how often the write pump pings an idle connection.
	pingPeriod = 30 * time.Second
	// maxMessageSize caps inbound protocol messages.
	maxMessageSize = 4096
	// sendBufferSize is the per-connection outbound queue. At 100 frames/sec
	// a full buffer represents ~2.5s of backlog, which the strike policy
	// treats as a slow client.
	sendBufferSize = 256
	// slowClientStrikes disconnects a connection after this many consecutive
	// frames hit a full send buffer.
	slowClientStrikes = 3
)

// Client is one WebSocket connection owned by the hub.
type Client struct {
	id          int64
	userID      string
	conn        net.Conn
	send        chan []byte
	closeOnce   sync.Once
	connectedAt time.Time

	// rooms the connection has joined; guarded by the hub's lock.
	rooms map[string]struct{}

	// sendStrikes counts consecutive full-buffer drops (atomic).
	sendStrikes int32
}

// close tears the connection down exactly once. Closing the TCP connection
// unblocks both pumps; the read pump then unregisters from the hub.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// writePump drains the send queue onto the wire. Writes batch through a
// buffered writer so a burst of frames costs one syscall, same trick as the
// delivery path it feeds from.
func (c *Client) writePump(h *Hub) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, raw); err != nil {
				h.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write frame")
				return
			}

			// Drain whatever else is queued into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				raw = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, raw); err != nil {
					h.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write frame")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				h.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to flush writer")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				h.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}

// readPump reads protocol messages until the connection drops, then
// unregisters the client.
func (c *Client) readPump(h *Hub) {
	defer func() {
		c.close()
		h.unregister(c)
	}()

	for {
		raw, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			return
		}
		if len(raw) > maxMessageSize {
			h.logger.Warn().
				Int64("client_id", c.id).
				Int("size", len(raw)).
				Msg("Oversized message, disconnecting")
			return
		}
		h.handleMessage(c, raw)
	}
}
