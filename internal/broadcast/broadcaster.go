package broadcast

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/limits"
	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Emitter is the transport the broadcaster hands finished batches to.
// Emit delivers a named payload to every connection joined to the room.
type Emitter interface {
	Emit(eventName string, payload any, room string) error
}

// Config holds broadcaster tuning knobs.
type Config struct {
	// BatchWindow is how long a destination's first queued event may wait
	// before its batch flushes.
	BatchWindow time.Duration
	// MaxBatchSize flushes a batch early once it holds this many events.
	MaxBatchSize int
	// MaxBatchBytes flushes a batch early once its serialized payloads reach
	// this many bytes.
	MaxBatchBytes int
	// BatchWorkerCount sizes the batch preparation pool.
	BatchWorkerCount int
	// DeliveryWorkerCount sizes the transport delivery pool.
	DeliveryWorkerCount int
}

// pendingBatch accumulates events for one destination until the window
// elapses or a cap is hit. The timer is the batch's deadline; detaching the
// batch cancels it.
type pendingBatch struct {
	room      string
	events    []EventMessage
	bytes     int
	timer     *time.Timer
	createdAt time.Time
}

// Broadcaster coalesces per-destination events into batches and delivers them
// through two worker pools: one prepares batches (priority sort, envelope),
// one talks to the transport. A slow transport therefore backs up delivery
// without stalling batching or the callers.
//
// Deliveries to one room are serialized: flushed batches join the room's FIFO
// chain and a single drainer works the chain in flush order, so a room never
// sees a later batch before an earlier one. Rooms drain independently.
//
// Per-recipient rate limits are enforced at admission: an event a recipient's
// sliding window rejects is counted and never enters a batch.
type Broadcaster struct {
	logger    zerolog.Logger
	cfg       Config
	transport Emitter
	limiters  *limits.RecipientLimiters

	batchPool    *WorkerPool
	deliveryPool *WorkerPool

	mu       sync.Mutex
	pending  map[string]*pendingBatch
	queued   map[string][]*pendingBatch // flushed batches awaiting ordered delivery
	draining map[string]struct{}        // rooms with an active chain drainer

	closed    int32
	startedAt time.Time

	// Statistics (atomic)
	totalEvents     int64
	delivered       int64
	dropped         int64
	rateLimited     int64
	batchesSent     int64
	batchErrors     int64
	latencyNanos    int64 // summed enqueue-to-emit per batch
	latencyCount    int64
	maxLatencyNanos int64
}

// NewBroadcaster wires a broadcaster to its transport and rate limiters.
func NewBroadcaster(cfg Config, transport Emitter, limiters *limits.RecipientLimiters, logger zerolog.Logger) *Broadcaster {
	log := logger.With().Str("component", "broadcaster").Logger()
	return &Broadcaster{
		logger:       log,
		cfg:          cfg,
		transport:    transport,
		limiters:     limiters,
		batchPool:    NewWorkerPool("batch", cfg.BatchWorkerCount, cfg.BatchWorkerCount*100, log),
		deliveryPool: NewWorkerPool("delivery", cfg.DeliveryWorkerCount, cfg.DeliveryWorkerCount*100, log),
		pending:      make(map[string]*pendingBatch),
		queued:       make(map[string][]*pendingBatch),
		draining:     make(map[string]struct{}),
		startedAt:    time.Now(),
	}
}

// Start launches the worker pools.
func (b *Broadcaster) Start(ctx context.Context) {
	b.batchPool.Start(ctx)
	b.deliveryPool.Start(ctx)
}

// BroadcastToUsers fans an event out to the given recipients' personal rooms,
// applying each recipient's rate limit at admission. Returns how many
// recipients the event was queued for.
func (b *Broadcaster) BroadcastToUsers(userIDs []string, eventType string, data types.EventData, priority types.Priority) int {
	if atomic.LoadInt32(&b.closed) == 1 {
		return 0
	}

	now := time.Now()
	size := payloadSize(data)
	queued := 0
	for _, userID := range userIDs {
		atomic.AddInt64(&b.totalEvents, 1)
		if !b.limiters.Allow(userID) {
			atomic.AddInt64(&b.rateLimited, 1)
			monitoring.AddEventsRateLimited(1)
			continue
		}
		if !b.enqueue(types.UserRoom(userID), EventMessage{
			Type:       eventType,
			Data:       data,
			Timestamp:  now,
			Priority:   priority,
			enqueuedAt: now,
			wireBytes:  size,
		}) {
			atomic.AddInt64(&b.dropped, 1)
			continue
		}
		queued++
	}
	return queued
}

// BroadcastToRoom queues an event for room-level delivery. Room-level events
// bypass per-recipient limits; membership is resolved by the transport at
// emit time. The user_ namespace is reserved for per-recipient delivery and
// is rejected here.
func (b *Broadcaster) BroadcastToRoom(room, eventType string, data types.EventData, priority types.Priority) bool {
	if atomic.LoadInt32(&b.closed) == 1 {
		return false
	}
	if types.IsUserRoom(room) {
		b.logger.Warn().Str("room", room).Msg("Room broadcast rejected, user namespace is reserved")
		return false
	}

	atomic.AddInt64(&b.totalEvents, 1)
	now := time.Now()
	if !b.enqueue(room, EventMessage{
		Type:       eventType,
		Data:       data,
		Timestamp:  now,
		Priority:   priority,
		enqueuedAt: now,
		wireBytes:  payloadSize(data),
	}) {
		atomic.AddInt64(&b.dropped, 1)
		return false
	}
	return true
}

// enqueue adds an event to the destination's pending batch, flushing early
// when a cap is reached. Returns false when the broadcaster closed between
// the caller's admission check and here; nothing is queued and no timer is
// armed in that case.
func (b *Broadcaster) enqueue(room string, msg EventMessage) bool {
	start := false

	b.mu.Lock()
	// Re-check under the lock: Shutdown may have won the race since the
	// caller's entry check, and an event admitted now would arm a timer
	// that outlives the final flush.
	if atomic.LoadInt32(&b.closed) == 1 {
		b.mu.Unlock()
		return false
	}
	batch := b.pending[room]

	// An event that would push the batch past the byte cap flushes the
	// current batch and starts a fresh one, so a burst of large payloads
	// never produces an oversized frame.
	if batch != nil && len(batch.events) > 0 && batch.bytes+msg.wireBytes > b.cfg.MaxBatchBytes {
		if flushNow := b.detachLocked(room); flushNow != nil {
			start = b.queueLocked(flushNow) || start
		}
		batch = nil
	}

	if batch == nil {
		batch = &pendingBatch{
			room:      room,
			events:    make([]EventMessage, 0, b.cfg.MaxBatchSize),
			createdAt: time.Now(),
		}
		// The deadline callback captures its own batch so a stale timer
		// firing late cannot flush a successor batch for the same room.
		armed := batch
		batch.timer = time.AfterFunc(b.cfg.BatchWindow, func() { b.flushExpired(room, armed) })
		b.pending[room] = batch
	}

	batch.events = append(batch.events, msg)
	batch.bytes += msg.wireBytes
	monitoring.AddEventsEnqueued(1)

	if len(batch.events) >= b.cfg.MaxBatchSize || batch.bytes >= b.cfg.MaxBatchBytes {
		if full := b.detachLocked(room); full != nil {
			start = b.queueLocked(full) || start
		}
	}
	b.mu.Unlock()

	if start {
		b.startDrain(room)
	}
	return true
}

// flushExpired is the batch deadline callback. It runs on a runtime timer
// goroutine, where an uncaught panic would kill the process. The callback
// only flushes the batch it was armed for; if that batch already flushed
// through a cap, the room's current batch keeps its own deadline.
func (b *Broadcaster) flushExpired(room string, batch *pendingBatch) {
	defer monitoring.RecoverPanic(b.logger, "batchTimer", map[string]any{"room": room})

	start := false
	b.mu.Lock()
	if b.pending[room] == batch {
		if detached := b.detachLocked(room); detached != nil {
			start = b.queueLocked(detached)
		}
	}
	b.mu.Unlock()

	if start {
		b.startDrain(room)
	}
}

// detachLocked removes and returns the destination's pending batch, cancelling
// its deadline. Returns nil when nothing is pending (the batch already
// flushed through another path).
func (b *Broadcaster) detachLocked(room string) *pendingBatch {
	batch, ok := b.pending[room]
	if !ok {
		return nil
	}
	delete(b.pending, room)
	batch.timer.Stop()
	return batch
}

// queueLocked appends a detached batch to its room's delivery chain, in flush
// order. Returns true when the caller must start a drainer for the room: at
// most one drainer per room is ever live, which is what keeps same-room
// batches delivering in the order they flushed.
func (b *Broadcaster) queueLocked(batch *pendingBatch) bool {
	b.queued[batch.room] = append(b.queued[batch.room], batch)
	if _, live := b.draining[batch.room]; live {
		return false
	}
	b.draining[batch.room] = struct{}{}
	return true
}

// nextQueued pops the room's oldest flushed batch. When the chain is empty it
// retires the drainer and returns nil; retiring and the emptiness check happen
// under one lock so a batch queued concurrently either lands before the check
// or starts its own drainer.
func (b *Broadcaster) nextQueued(room string) *pendingBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	chain := b.queued[room]
	if len(chain) == 0 {
		delete(b.queued, room)
		delete(b.draining, room)
		return nil
	}
	if len(chain) == 1 {
		delete(b.queued, room)
	} else {
		b.queued[room] = chain[1:]
	}
	return chain[0]
}

// startDrain hands the room's chain drainer to the preparation pool. A
// saturated pool degrades to inline execution in the submitting goroutine:
// exhaustion shows up as latency, never as lost events.
func (b *Broadcaster) startDrain(room string) {
	if !b.batchPool.Submit(func() { b.drainRoom(room) }) {
		b.drainRoom(room)
	}
}

// drainRoom works a room's chain to empty: prepare on this (batch pool)
// goroutine, deliver on the delivery pool, waiting out each delivery before
// popping the next batch so the room's wire order matches its flush order.
func (b *Broadcaster) drainRoom(room string) {
	for {
		batch := b.nextQueued(room)
		if batch == nil {
			return
		}
		prepared := b.prepare(batch)

		done := make(chan struct{})
		submitted := b.deliveryPool.Submit(func() {
			defer close(done)
			b.deliver(room, prepared, batch.events)
		})
		if !submitted {
			b.deliver(room, prepared, batch.events)
			continue
		}
		<-done
	}
}

// prepare orders the batch for the wire: priority descending, arrival order
// preserved within a priority level, then wraps multi-event batches in the
// envelope.
func (b *Broadcaster) prepare(batch *pendingBatch) any {
	sort.SliceStable(batch.events, func(i, j int) bool {
		return batch.events[i].Priority > batch.events[j].Priority
	})

	if len(batch.events) == 1 {
		return batch.events[0].Data
	}
	return &BatchEnvelope{
		Type:           BatchEnvelopeType,
		BatchID:        uuid.NewString(),
		BatchTimestamp: epochSeconds(time.Now()),
		Events:         batch.events,
	}
}

// deliver emits a prepared batch. Single events go out under their own event
// name; multi-event batches go out as one envelope frame.
func (b *Broadcaster) deliver(room string, prepared any, events []EventMessage) {
	eventName := BatchEnvelopeType
	if len(events) == 1 {
		eventName = events[0].Type
	}

	err := b.transport.Emit(eventName, prepared, room)
	if err != nil {
		atomic.AddInt64(&b.dropped, int64(len(events)))
		atomic.AddInt64(&b.batchErrors, 1)
		monitoring.IncrementBatchErrors()
		b.logger.Warn().
			Str("room", room).
			Int("events", len(events)).
			Err(err).
			Msg("Batch delivery failed")
		return
	}

	atomic.AddInt64(&b.delivered, int64(len(events)))
	atomic.AddInt64(&b.batchesSent, 1)
	monitoring.AddEventsDelivered(len(events))
	monitoring.IncrementBatchesDelivered()
	monitoring.ObserveBatchSize(len(events))

	// Latency is measured from the oldest event in the batch; that event
	// waited the full window.
	oldest := events[0].enqueuedAt
	for _, ev := range events[1:] {
		if ev.enqueuedAt.Before(oldest) {
			oldest = ev.enqueuedAt
		}
	}
	elapsed := time.Since(oldest)
	atomic.AddInt64(&b.latencyNanos, elapsed.Nanoseconds())
	atomic.AddInt64(&b.latencyCount, 1)
	for {
		max := atomic.LoadInt64(&b.maxLatencyNanos)
		if elapsed.Nanoseconds() <= max || atomic.CompareAndSwapInt64(&b.maxLatencyNanos, max, elapsed.Nanoseconds()) {
			break
		}
	}
	monitoring.ObserveDeliveryLatency(elapsed.Seconds())
}

// FlushAll flushes every pending batch immediately and drains the affected
// chains on the calling goroutine. Rooms with a live drainer are left to it;
// deliveries there are already in flight in flush order. Used by performance
// optimization and shutdown.
func (b *Broadcaster) FlushAll() int {
	b.mu.Lock()
	flushed := 0
	drain := make([]string, 0, len(b.pending))
	for room := range b.pending {
		batch := b.detachLocked(room)
		if batch == nil {
			continue
		}
		flushed += len(batch.events)
		if b.queueLocked(batch) {
			drain = append(drain, room)
		}
	}
	b.mu.Unlock()

	for _, room := range drain {
		b.drainRoom(room)
	}
	return flushed
}

// Shutdown stops admitting events, flushes pending batches, and drains the
// worker pools. Returns an error when draining exceeds the context deadline.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}

	flushed := b.FlushAll()
	b.logger.Info().Int("flushed_events", flushed).Msg("Broadcaster shutting down")

	done := make(chan struct{})
	go func() {
		b.batchPool.Stop()
		b.deliveryPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broadcaster shutdown timed out: %w", ctx.Err())
	}
}
