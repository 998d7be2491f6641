package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/broadcast"
	"github.com/adred-codev/odin-broadcast/internal/limits"
	"github.com/adred-codev/odin-broadcast/internal/routing"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitCall struct {
	name    string
	payload any
	room    string
}

type fakeEmitter struct {
	mu    sync.Mutex
	calls []emitCall
}

func (f *fakeEmitter) Emit(name string, payload any, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, emitCall{name, payload, room})
	return nil
}

func (f *fakeEmitter) snapshot() []emitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitCall(nil), f.calls...)
}

func (f *fakeEmitter) rooms() []string {
	out := []string{}
	for _, call := range f.snapshot() {
		out = append(out, call.room)
	}
	return out
}

func newTestEngine(t *testing.T, emitter broadcast.Emitter) *Coordinator {
	t.Helper()

	idx := subscription.NewIndex(zerolog.Nop())
	router, err := routing.NewRouter(idx, routing.Config{
		CacheEnabled:   true,
		CacheSize:      64,
		CacheThreshold: 0,
	}, zerolog.Nop())
	require.NoError(t, err)

	limiters := limits.NewRecipientLimiters(100, time.Second, time.Hour)
	b := broadcast.NewBroadcaster(broadcast.Config{
		BatchWindow:         20 * time.Millisecond,
		MaxBatchSize:        50,
		MaxBatchBytes:       1 << 20,
		BatchWorkerCount:    2,
		DeliveryWorkerCount: 2,
	}, emitter, limiters, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)

	return New(idx, router, b, limiters, zerolog.Nop())
}

func patternRule() routing.Rule {
	return routing.Rule{
		ID:                "pattern-alerts",
		Priority:          types.PriorityHigh,
		EventTypePatterns: []string{`^pattern_`},
		Strategy:          routing.StrategyContentBased,
	}
}

func TestSubscribeRouteDeliver(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", subscription.Filters{
		"pattern_types": []string{"breakout"},
		"symbols":       []string{"BTC"},
	}))

	result := coord.BroadcastEvent("pattern_detected",
		types.EventData{"pattern_type": "breakout", "symbol": "BTC", "confidence": 0.92}, nil)

	assert.Equal(t, []string{"pattern-alerts"}, result.MatchedRules)
	assert.Equal(t, 1, result.RecipientsHit)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond, "subscriber must receive the event within the batch window")
	assert.Contains(t, emitter.rooms(), types.UserRoom("alice"))
}

func TestCriteriaTargetingNeedsNoRules(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)

	require.NoError(t, coord.SubscribeUser("u1", "tier_patterns", nil))
	require.NoError(t, coord.SubscribeUser("u2", "market_pulse", nil))

	result := coord.BroadcastEvent("pattern_alert",
		types.EventData{"pattern": "triangle"},
		subscription.Criteria{"subscription_type": "tier_patterns"})

	assert.Empty(t, result.MatchedRules)
	assert.Equal(t, 1, result.RecipientsHit)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{types.UserRoom("u1")}, emitter.rooms())
}

func TestCriteriaAndRuleRecipientsMerge(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	// alice is reachable through both the rule expansion and the caller's
	// criteria; she must still receive the event exactly once.
	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", subscription.Filters{
		"pattern_types": []string{"breakout"},
		"symbols":       []string{"BTC"},
	}))

	result := coord.BroadcastEvent("pattern_detected",
		types.EventData{"pattern_type": "breakout", "symbol": "BTC"},
		subscription.Criteria{"subscription_type": "tier_patterns"})

	assert.Equal(t, []string{"pattern-alerts"}, result.MatchedRules)
	assert.Equal(t, 1, result.RecipientsHit)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{types.UserRoom("alice")}, emitter.rooms())
}

func TestSubscribeValidation(t *testing.T) {
	coord := newTestEngine(t, &fakeEmitter{})

	assert.Error(t, coord.SubscribeUser("", "tier_patterns", nil))
	assert.Error(t, coord.SubscribeUser("alice", "", nil))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", subscription.Filters{
		"pattern_types": []string{"breakout"},
	}))
	assert.True(t, coord.UnsubscribeUser("alice", "tier_patterns"))
	assert.False(t, coord.UnsubscribeUser("alice", "tier_patterns"))

	result := coord.BroadcastEvent("pattern_detected",
		types.EventData{"pattern_type": "breakout", "symbol": "BTC"}, nil)
	assert.Equal(t, 0, result.RecipientsHit)
}

func TestMembershipChangeInvalidatesRouteCache(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", subscription.Filters{
		"pattern_types": []string{"breakout"},
	}))

	data := types.EventData{"pattern_type": "breakout", "symbol": "BTC"}
	first := coord.BroadcastEvent("pattern_detected", data, nil)
	require.False(t, first.CacheHit)
	second := coord.BroadcastEvent("pattern_detected", data, nil)
	require.True(t, second.CacheHit, "identical event must hit the routing cache")

	// A new matching subscriber must be visible to the very next event.
	require.NoError(t, coord.SubscribeUser("bob", "tier_patterns", subscription.Filters{
		"pattern_types": []string{"breakout"},
	}))
	third := coord.BroadcastEvent("pattern_detected", data, nil)
	assert.False(t, third.CacheHit, "subscribe must invalidate cached expansions")
	assert.Equal(t, 2, third.RecipientsHit)
}

func TestHandleUserDisconnectionClearsState(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", nil))
	require.NoError(t, coord.SubscribeUser("alice", "market_pulse", nil))
	require.Equal(t, 2, coord.GetSubscriptionStats().TotalSubscriptions)

	coord.HandleUserDisconnection("alice")

	stats := coord.GetSubscriptionStats()
	assert.Equal(t, 0, stats.TotalUsers)
	assert.Equal(t, 0, stats.TotalSubscriptions)

	result := coord.BroadcastEvent("pattern_detected",
		types.EventData{"pattern_type": "breakout", "symbol": "BTC"}, nil)
	assert.Equal(t, 0, result.RecipientsHit)
}

func TestUnmatchedEventIsNoOp(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	result := coord.BroadcastEvent("unrelated_event", types.EventData{"x": 1}, nil)
	assert.Empty(t, result.MatchedRules)
	assert.Equal(t, 0, result.RecipientsHit)
	assert.Equal(t, 0, result.RoomsHit)
}

func TestRoomLevelBroadcast(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(routing.Rule{
		ID:                "market",
		EventTypePatterns: []string{`^market_`},
		Strategy:          routing.StrategyBroadcastAll,
		Destinations:      []string{"market_overview"},
	}))

	result := coord.BroadcastEvent("market_update", types.EventData{"index": 1.02}, nil)
	assert.Equal(t, 1, result.RoomsHit)
	assert.Equal(t, 0, result.RecipientsHit)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"market_overview"}, emitter.rooms())
}

func TestRemoveRoutingRule(t *testing.T) {
	coord := newTestEngine(t, &fakeEmitter{})
	require.NoError(t, coord.AddRoutingRule(patternRule()))

	assert.True(t, coord.RemoveRoutingRule("pattern-alerts"))
	result := coord.BroadcastEvent("pattern_detected",
		types.EventData{"pattern_type": "breakout", "symbol": "BTC"}, nil)
	assert.Empty(t, result.MatchedRules)
}

func TestCleanupInactiveSubscriptions(t *testing.T) {
	coord := newTestEngine(t, &fakeEmitter{})

	require.NoError(t, coord.SubscribeUser("stale", "tier_patterns", nil))
	require.NoError(t, coord.SubscribeUser("active", "tier_patterns", nil))

	time.Sleep(30 * time.Millisecond)
	coord.TouchUser("active")

	removed := coord.CleanupInactiveSubscriptions(20 * time.Millisecond)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, coord.GetSubscriptionStats().TotalUsers)
}

func TestOptimizePerformanceFlushesPending(t *testing.T) {
	emitter := &fakeEmitter{}
	coord := newTestEngine(t, emitter)
	require.NoError(t, coord.AddRoutingRule(routing.Rule{
		ID:                "market",
		EventTypePatterns: []string{`.*`},
		Destinations:      []string{"market_overview"},
	}))

	coord.BroadcastEvent("market_update", types.EventData{"n": 1}, nil)
	coord.OptimizePerformance()

	// Flushed inline, no need to wait out the window.
	assert.NotEmpty(t, emitter.snapshot())
}

func TestGetHealthStatusAggregates(t *testing.T) {
	coord := newTestEngine(t, &fakeEmitter{})
	require.NoError(t, coord.AddRoutingRule(patternRule()))
	require.NoError(t, coord.SubscribeUser("alice", "tier_patterns", nil))

	health := coord.GetHealthStatus()
	assert.Equal(t, "odin-broadcast", health.Service)
	assert.Equal(t, broadcast.HealthOK, health.State)
	assert.False(t, health.Timestamp.IsZero())
	assert.Equal(t, 1, health.Routing.TotalRules)
	assert.Equal(t, 1, health.Subscription.TotalUsers)
}
