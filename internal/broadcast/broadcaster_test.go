package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/limits"
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
	err   error
}

func (f *fakeEmitter) Emit(name string, payload any, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, emitCall{name, payload, room})
	return nil
}

func (f *fakeEmitter) snapshot() []emitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitCall(nil), f.calls...)
}

// gatedEmitter blocks the first emit to holdRoom until release closes, so
// tests can hold one delivery on the wire while others proceed.
type gatedEmitter struct {
	mu       sync.Mutex
	calls    []emitCall
	holdRoom string
	held     int32
	release  chan struct{}
}

func (g *gatedEmitter) Emit(name string, payload any, room string) error {
	if room == g.holdRoom && atomic.CompareAndSwapInt32(&g.held, 0, 1) {
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, emitCall{name, payload, room})
	return nil
}

func (g *gatedEmitter) snapshot() []emitCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]emitCall(nil), g.calls...)
}

func newTestBroadcaster(t *testing.T, cfg Config, emitter Emitter, maxPerUser int) *Broadcaster {
	t.Helper()
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 25 * time.Millisecond
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxBatchBytes == 0 {
		cfg.MaxBatchBytes = 1 << 20
	}
	if cfg.BatchWorkerCount == 0 {
		cfg.BatchWorkerCount = 2
	}
	if cfg.DeliveryWorkerCount == 0 {
		cfg.DeliveryWorkerCount = 2
	}

	limiters := limits.NewRecipientLimiters(maxPerUser, time.Second, time.Hour)
	b := NewBroadcaster(cfg, emitter, limiters, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b.Start(ctx)
	return b
}

func TestBatchWindowCoalescesEvents(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	b.BroadcastToRoom("room", "trade", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("room", "trade", types.EventData{"n": 2}, types.PriorityMedium)
	b.BroadcastToRoom("room", "trade", types.EventData{"n": 3}, types.PriorityMedium)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond, "three events within the window must arrive as one batch")

	call := emitter.snapshot()[0]
	assert.Equal(t, BatchEnvelopeType, call.name)
	assert.Equal(t, "room", call.room)

	env, ok := call.payload.(*BatchEnvelope)
	require.True(t, ok)
	assert.Equal(t, BatchEnvelopeType, env.Type)
	assert.NotEmpty(t, env.BatchID)
	assert.Len(t, env.Events, 3)
}

func TestSingleEventDeliveredNatively(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	data := types.EventData{"symbol": "BTC"}
	b.BroadcastToRoom("room", "price_update", data, types.PriorityMedium)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	call := emitter.snapshot()[0]
	assert.Equal(t, "price_update", call.name, "a lone event skips the batch envelope")
	assert.Equal(t, data, call.payload)
}

func TestSizeCapFlushesEarly(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second, MaxBatchSize: 2}, emitter, 100)

	b.BroadcastToRoom("room", "e", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("room", "e", types.EventData{"n": 2}, types.PriorityMedium)

	// Flush happens at the cap, long before the 10s window.
	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	env, ok := emitter.snapshot()[0].payload.(*BatchEnvelope)
	require.True(t, ok)
	assert.Len(t, env.Events, 2)

	// The next event opens a fresh batch that stays pending.
	b.BroadcastToRoom("room", "e", types.EventData{"n": 3}, types.PriorityMedium)
	assert.Equal(t, int64(1), b.GetStats().PendingEvents)
}

func TestByteCapFlushesEarly(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second, MaxBatchBytes: 48}, emitter, 100)

	big := types.EventData{"payload": "0123456789abcdef0123456789"}
	b.BroadcastToRoom("room", "e", big, types.PriorityMedium)
	b.BroadcastToRoom("room", "e", big, types.PriorityMedium)

	// The second event would exceed the byte cap, so the first flushes alone.
	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.EventsDelivered)
	assert.Equal(t, int64(1), stats.PendingEvents)
}

func TestPriorityOrdersBatchStable(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	b.BroadcastToRoom("room", "first_low", types.EventData{"n": 1}, types.PriorityLow)
	b.BroadcastToRoom("room", "critical", types.EventData{"n": 2}, types.PriorityCritical)
	b.BroadcastToRoom("room", "medium", types.EventData{"n": 3}, types.PriorityMedium)
	b.BroadcastToRoom("room", "second_low", types.EventData{"n": 4}, types.PriorityLow)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	env, ok := emitter.snapshot()[0].payload.(*BatchEnvelope)
	require.True(t, ok)
	require.Len(t, env.Events, 4)

	got := []string{env.Events[0].Type, env.Events[1].Type, env.Events[2].Type, env.Events[3].Type}
	assert.Equal(t, []string{"critical", "medium", "first_low", "second_low"}, got,
		"priority descending, arrival order within a level")
}

func TestPerRecipientRateLimit(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 2)

	data := types.EventData{"n": 1}
	assert.Equal(t, 1, b.BroadcastToUsers([]string{"alice"}, "e", data, types.PriorityMedium))
	assert.Equal(t, 1, b.BroadcastToUsers([]string{"alice"}, "e", data, types.PriorityMedium))
	assert.Equal(t, 0, b.BroadcastToUsers([]string{"alice"}, "e", data, types.PriorityMedium),
		"third event inside the window is rate limited")

	// Other recipients are unaffected.
	assert.Equal(t, 1, b.BroadcastToUsers([]string{"bob"}, "e", data, types.PriorityMedium))

	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.EventsRateLimited)
}

func TestUserBroadcastTargetsPersonalRooms(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	b.BroadcastToUsers([]string{"alice", "bob"}, "alert", types.EventData{"n": 1}, types.PriorityHigh)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 2 },
		time.Second, 5*time.Millisecond)

	rooms := map[string]bool{}
	for _, call := range emitter.snapshot() {
		rooms[call.room] = true
	}
	assert.True(t, rooms[types.UserRoom("alice")])
	assert.True(t, rooms[types.UserRoom("bob")])
}

func TestStatsAccountingInvariant(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second}, emitter, 1)

	data := types.EventData{"n": 1}
	b.BroadcastToUsers([]string{"alice"}, "e", data, types.PriorityMedium)
	b.BroadcastToUsers([]string{"alice"}, "e", data, types.PriorityMedium) // rate limited
	b.BroadcastToRoom("room", "e", data, types.PriorityMedium)

	stats := b.GetStats()
	assert.Equal(t, stats.TotalEvents,
		stats.EventsDelivered+stats.EventsDropped+stats.EventsRateLimited+stats.PendingEvents)

	b.FlushAll()
	stats = b.GetStats()
	assert.Equal(t, int64(0), stats.PendingEvents)
	assert.Equal(t, stats.TotalEvents,
		stats.EventsDelivered+stats.EventsDropped+stats.EventsRateLimited+stats.PendingEvents)
}

func TestEmitFailureCountsDropped(t *testing.T) {
	emitter := &fakeEmitter{err: errors.New("transport down")}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second}, emitter, 100)

	b.BroadcastToRoom("room", "e", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("room", "e", types.EventData{"n": 2}, types.PriorityMedium)
	b.FlushAll()

	stats := b.GetStats()
	assert.Equal(t, int64(2), stats.EventsDropped)
	assert.Equal(t, int64(1), stats.BatchErrors)
	assert.Equal(t, int64(0), stats.EventsDelivered)
	assert.Equal(t, float64(0), stats.SuccessRate)

	health := b.CheckHealth()
	assert.Equal(t, HealthError, health.State, "success rate below 95% is an error state")
}

func TestFlushAllReturnsEventCount(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second}, emitter, 100)

	b.BroadcastToRoom("a", "e", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("b", "e", types.EventData{"n": 2}, types.PriorityMedium)
	b.BroadcastToRoom("b", "e", types.EventData{"n": 3}, types.PriorityMedium)

	assert.Equal(t, 3, b.FlushAll())
	assert.Equal(t, 0, b.FlushAll(), "nothing pending after a flush")
	assert.Len(t, emitter.snapshot(), 2)
}

func TestShutdownFlushesThenRejects(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second}, emitter, 100)

	b.BroadcastToRoom("room", "e", types.EventData{"n": 1}, types.PriorityMedium)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	// Pending events went out during shutdown.
	assert.Len(t, emitter.snapshot(), 1)

	// Post-shutdown calls are inert no-ops.
	assert.False(t, b.BroadcastToRoom("room", "e", types.EventData{"n": 2}, types.PriorityMedium))
	assert.Equal(t, 0, b.BroadcastToUsers([]string{"alice"}, "e", types.EventData{"n": 3}, types.PriorityMedium))
	assert.NoError(t, b.Shutdown(ctx), "second shutdown is a no-op")
}

func TestRoomBroadcastRejectsUserNamespace(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	assert.False(t, b.BroadcastToRoom(types.UserRoom("alice"), "e", types.EventData{"n": 1}, types.PriorityMedium))
	assert.Equal(t, int64(0), b.GetStats().TotalEvents)
}

func TestSameRoomBatchesDeliverInFlushOrder(t *testing.T) {
	emitter := &gatedEmitter{holdRoom: "room", release: make(chan struct{})}
	b := newTestBroadcaster(t, Config{
		BatchWindow:  10 * time.Second,
		MaxBatchSize: 1,
	}, emitter, 100)

	// Each call flushes at the size cap. The first delivery is held on the
	// wire; the second must still wait its turn behind it.
	b.BroadcastToRoom("room", "first", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("room", "second", types.EventData{"n": 2}, types.PriorityMedium)

	// Give the second batch time to overtake if ordering were broken.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, emitter.snapshot(), "nothing may deliver while the first batch is on the wire")
	close(emitter.release)

	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 2 },
		time.Second, 5*time.Millisecond)

	calls := emitter.snapshot()
	assert.Equal(t, "first", calls[0].name)
	assert.Equal(t, "second", calls[1].name)
}

func TestRoomChainsDrainIndependently(t *testing.T) {
	emitter := &gatedEmitter{holdRoom: "slow", release: make(chan struct{})}
	b := newTestBroadcaster(t, Config{
		BatchWindow:  10 * time.Second,
		MaxBatchSize: 1,
	}, emitter, 100)

	b.BroadcastToRoom("slow", "held", types.EventData{"n": 1}, types.PriorityMedium)
	b.BroadcastToRoom("fast", "quick", types.EventData{"n": 2}, types.PriorityMedium)

	// A stalled room must not stall the others.
	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, "quick", emitter.snapshot()[0].name)

	close(emitter.release)
	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 2 },
		time.Second, 5*time.Millisecond)
}

func TestLateDeadlineLeavesSuccessorBatchPending(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second, MaxBatchSize: 2}, emitter, 100)

	b.BroadcastToRoom("room", "e", types.EventData{"n": 1}, types.PriorityMedium)
	b.mu.Lock()
	expired := b.pending["room"]
	b.mu.Unlock()

	// The cap flush detaches the first batch before its deadline fires.
	b.BroadcastToRoom("room", "e", types.EventData{"n": 2}, types.PriorityMedium)
	require.Eventually(t, func() bool { return len(emitter.snapshot()) == 1 },
		time.Second, 5*time.Millisecond)

	// A successor batch is pending when the first batch's deadline fires late.
	b.BroadcastToRoom("room", "e", types.EventData{"n": 3}, types.PriorityMedium)
	b.flushExpired("room", expired)

	assert.Len(t, emitter.snapshot(), 1, "a late deadline must not flush the successor batch")
	assert.Equal(t, int64(1), b.GetStats().PendingEvents)
}

func TestEnqueueAfterShutdownArmsNoTimer(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{BatchWindow: 10 * time.Second}, emitter, 100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	// A broadcast that passed the entry check just before shutdown won the
	// race lands here; it must queue nothing and arm no timer.
	now := time.Now()
	admitted := b.enqueue("room", EventMessage{
		Type:       "e",
		Data:       types.EventData{"n": 1},
		Timestamp:  now,
		Priority:   types.PriorityMedium,
		enqueuedAt: now,
	})
	assert.False(t, admitted)

	stats := b.GetStats()
	assert.Equal(t, int64(0), stats.PendingEvents)
	assert.Equal(t, 0, stats.PendingBatches)
	assert.Empty(t, emitter.snapshot())
}

func TestHealthOKWhenIdle(t *testing.T) {
	emitter := &fakeEmitter{}
	b := newTestBroadcaster(t, Config{}, emitter, 100)

	health := b.CheckHealth()
	assert.Equal(t, HealthOK, health.State)
	assert.Empty(t, health.Reasons)
}
