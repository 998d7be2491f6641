package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/broadcast"
	"github.com/adred-codev/odin-broadcast/internal/limits"
	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/adred-codev/odin-broadcast/internal/routing"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/rs/zerolog"
)

// Coordinator is the façade over the routing, subscription, and broadcasting
// layers. Callers (the ingest consumer, the WebSocket handlers, the admin
// surface) talk only to the coordinator; it keeps the pieces consistent.
// Most importantly, every membership change invalidates the routing cache so
// a cached recipient expansion never outlives the subscriptions it was
// computed from.
type Coordinator struct {
	logger      zerolog.Logger
	index       *subscription.Index
	router      *routing.Router
	broadcaster *broadcast.Broadcaster
	limiters    *limits.RecipientLimiters
}

// New wires a coordinator over already-constructed components.
func New(index *subscription.Index, router *routing.Router, broadcaster *broadcast.Broadcaster, limiters *limits.RecipientLimiters, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		logger:      logger.With().Str("component", "coordinator").Logger(),
		index:       index,
		router:      router,
		broadcaster: broadcaster,
		limiters:    limiters,
	}
}

// SubscribeUser installs or replaces the user's subscription of the given
// type. Idempotent. The user's personal room must stay out of the admin room
// namespace, which the user_ prefix guarantees by construction.
func (c *Coordinator) SubscribeUser(userID, subType string, filters subscription.Filters) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if subType == "" {
		return fmt.Errorf("subscription type is required")
	}

	c.index.Upsert(userID, subType, filters)
	c.router.InvalidateCache()
	c.publishIndexGauges()

	c.logger.Debug().
		Str("user_id", userID).
		Str("subscription_type", subType).
		Int("filters", len(filters)).
		Msg("User subscribed")
	return nil
}

// UnsubscribeUser removes one subscription type, or every subscription the
// user holds when subType is empty. Returns true if anything was removed.
func (c *Coordinator) UnsubscribeUser(userID, subType string) bool {
	removed := c.index.Remove(userID, subType)
	if removed {
		c.router.InvalidateCache()
		c.publishIndexGauges()
	}
	return removed
}

// HandleUserDisconnection tears down all per-user state: subscriptions and
// the rate limiter window. The transport removes the connection itself.
func (c *Coordinator) HandleUserDisconnection(userID string) {
	removed := c.index.Remove(userID, "")
	c.limiters.Remove(userID)
	if removed {
		c.router.InvalidateCache()
		c.publishIndexGauges()
	}
	c.logger.Debug().Str("user_id", userID).Msg("User disconnected, state cleared")
}

// TouchUser refreshes the user's subscription activity timestamps. Called by
// the transport on inbound traffic so active users survive stale cleanup.
func (c *Coordinator) TouchUser(userID string) {
	c.index.Touch(userID)
}

// BroadcastResult summarizes one BroadcastEvent call.
type BroadcastResult struct {
	EventID       string   `json:"event_id"`
	MatchedRules  []string `json:"matched_rules"`
	RecipientsHit int      `json:"recipients_hit"`
	RoomsHit      int      `json:"rooms_hit"`
	CacheHit      bool     `json:"cache_hit"`
	RoutingTimeMs float64  `json:"routing_time_ms"`
}

// BroadcastEvent routes an event and queues it for delivery. Recipients come
// from two sources merged into one set: the routing rules' expansions and the
// caller's targeting criteria resolved against the subscription index, so a
// user selected by both paths receives the event once. Events matching no
// rule and no subscriber are a valid no-op, not an error.
func (c *Coordinator) BroadcastEvent(eventType string, data types.EventData, criteria subscription.Criteria) BroadcastResult {
	routed := c.router.Route(eventType, data, criteria)

	recipientSet := make(map[string]struct{})
	rooms := 0
	for room, users := range routed.Destinations {
		if users == nil {
			if c.broadcaster.BroadcastToRoom(room, eventType, routed.EventData, routed.Priority) {
				rooms++
			}
			continue
		}
		for id := range users {
			recipientSet[id] = struct{}{}
		}
	}
	if len(criteria) > 0 {
		for id := range c.index.FindMatchingUsers(criteria) {
			recipientSet[id] = struct{}{}
		}
	}

	recipients := 0
	if len(recipientSet) > 0 {
		ids := make([]string, 0, len(recipientSet))
		for id := range recipientSet {
			ids = append(ids, id)
		}
		recipients = c.broadcaster.BroadcastToUsers(ids, eventType, routed.EventData, routed.Priority)
	}

	return BroadcastResult{
		EventID:       routed.EventID,
		MatchedRules:  routed.MatchedRules,
		RecipientsHit: recipients,
		RoomsHit:      rooms,
		CacheHit:      routed.CacheHit,
		RoutingTimeMs: routed.RoutingTimeMs,
	}
}

// AddRoutingRule installs a routing rule through the façade.
func (c *Coordinator) AddRoutingRule(rule routing.Rule) error {
	return c.router.AddRule(rule)
}

// RemoveRoutingRule uninstalls a routing rule by id.
func (c *Coordinator) RemoveRoutingRule(ruleID string) bool {
	return c.router.RemoveRule(ruleID)
}

// OptimizePerformance flushes pending batches and reaps idle rate limiter
// state. Intended to run on a periodic ticker.
func (c *Coordinator) OptimizePerformance() {
	flushed := c.broadcaster.FlushAll()
	reaped := c.limiters.ReapIdle()
	if flushed > 0 || reaped > 0 {
		c.logger.Info().
			Int("flushed_events", flushed).
			Int("reaped_limiters", reaped).
			Msg("Performance optimization pass")
	}
}

// CleanupInactiveSubscriptions removes subscriptions idle longer than
// maxInactive and returns how many were removed.
func (c *Coordinator) CleanupInactiveSubscriptions(maxInactive time.Duration) int {
	removed := c.index.CleanupStale(maxInactive)
	if removed > 0 {
		c.router.InvalidateCache()
		c.publishIndexGauges()
	}
	return removed
}

// HealthStatus aggregates component health for the /healthz surface.
type HealthStatus struct {
	Service      string                `json:"service"`
	State        broadcast.HealthState `json:"state"`
	Timestamp    time.Time             `json:"timestamp"`
	Reasons      []string              `json:"reasons,omitempty"`
	Broadcasting broadcast.Stats       `json:"broadcasting"`
	Routing      routing.Stats         `json:"routing"`
	Subscription subscription.Stats    `json:"subscriptions"`
	RateLimiters int                   `json:"tracked_rate_limiters"`
}

// GetHealthStatus returns aggregated engine health.
func (c *Coordinator) GetHealthStatus() HealthStatus {
	health := c.broadcaster.CheckHealth()
	return HealthStatus{
		Service:      "odin-broadcast",
		State:        health.State,
		Timestamp:    time.Now().UTC(),
		Reasons:      health.Reasons,
		Broadcasting: health.Stats,
		Routing:      c.router.GetStats(),
		Subscription: c.index.GetStats(),
		RateLimiters: c.limiters.Count(),
	}
}

// GetSubscriptionStats returns subscription index statistics.
func (c *Coordinator) GetSubscriptionStats() subscription.Stats {
	return c.index.GetStats()
}

// Shutdown drains the broadcaster. Subscriptions need no teardown; they live
// only in memory.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.broadcaster.Shutdown(ctx)
}

func (c *Coordinator) publishIndexGauges() {
	stats := c.index.GetStats()
	monitoring.SetActiveSubscriptions(stats.TotalSubscriptions)
	monitoring.SetSubscribedUsers(stats.TotalUsers)
}
