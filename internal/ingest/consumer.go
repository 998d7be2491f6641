package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/coordinator"
	"github.com/adred-codev/odin-broadcast/internal/limits"
	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Dispatcher is the slice of the coordinator the consumer drives.
type Dispatcher interface {
	BroadcastEvent(eventType string, data types.EventData, criteria subscription.Criteria) coordinator.BroadcastResult
}

// envelope is the upstream message shape on the events subject.
type envelope struct {
	Type     string                `json:"type"`
	Data     types.EventData       `json:"data"`
	Criteria subscription.Criteria `json:"targeting_criteria,omitempty"`
}

// Consumer subscribes to the upstream NATS events subject and feeds decoded
// events into the engine.
//
// Two brakes protect the engine from upstream floods: a token-bucket rate
// guard drops messages beyond the configured ingest rate, and a CPU brake
// drops everything while host CPU sits above the pause threshold. Dropping
// at ingest is deliberate: real-time events are worthless late, so load
// sheds here rather than queueing unboundedly.
type Consumer struct {
	logger     zerolog.Logger
	dispatcher Dispatcher
	guard      *limits.IngestGuard

	conn *nats.Conn
	sub  *nats.Subscription
}

// NewConsumer connects to NATS. The connection retries forever with
// exponential-ish backoff; a broadcast engine without its upstream is idle,
// not broken.
func NewConsumer(servers, name string, dispatcher Dispatcher, guard *limits.IngestGuard, logger zerolog.Logger) (*Consumer, error) {
	log := logger.With().Str("component", "ingest").Logger()

	conn, err := nats.Connect(servers,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.PingInterval(30*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", servers, err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &Consumer{
		logger:     log,
		dispatcher: dispatcher,
		guard:      guard,
		conn:       conn,
	}, nil
}

// Start subscribes to the events subject.
func (c *Consumer) Start(subject string) error {
	sub, err := c.conn.Subscribe(subject, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.sub = sub
	c.logger.Info().Str("subject", subject).Msg("Consuming upstream events")
	return nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	if c.guard.ShouldPause() {
		return // CPU brake engaged, shed everything
	}
	if !c.guard.AllowMessage() {
		monitoring.IncrementIngestFailures()
		return
	}

	monitoring.IncrementIngestMessages()

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		monitoring.IncrementIngestFailures()
		c.logger.Warn().
			Str("subject", msg.Subject).
			Err(err).
			Msg("Undecodable upstream message")
		return
	}
	if env.Type == "" || env.Data == nil {
		monitoring.IncrementIngestFailures()
		c.logger.Warn().
			Str("subject", msg.Subject).
			Msg("Upstream message missing type or data")
		return
	}

	result := c.dispatcher.BroadcastEvent(env.Type, env.Data, env.Criteria)
	c.logger.Debug().
		Str("event_type", env.Type).
		Str("event_id", result.EventID).
		Int("recipients", result.RecipientsHit).
		Int("rooms", result.RoomsHit).
		Bool("cache_hit", result.CacheHit).
		Msg("Event dispatched")
}

// Close drains the subscription so in-flight handlers finish, then closes
// the connection.
func (c *Consumer) Close() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to drain subscription")
		}
	}
	if c.conn != nil {
		c.conn.Drain()
		c.conn.Close()
	}
}
