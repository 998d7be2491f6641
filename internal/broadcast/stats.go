package broadcast

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of broadcaster counters.
// total_events always equals delivered + dropped + rate_limited + pending:
// every admitted event is in exactly one of those states.
type Stats struct {
	TotalEvents          int64   `json:"total_events"`
	EventsDelivered      int64   `json:"events_delivered"`
	EventsDropped        int64   `json:"events_dropped"`
	EventsRateLimited    int64   `json:"events_rate_limited"`
	PendingEvents        int64   `json:"pending_events"`
	PendingBatches       int     `json:"pending_batches"`
	BatchesSent          int64   `json:"batches_sent"`
	BatchErrors          int64   `json:"batch_errors"`
	AvgBatchSize         float64 `json:"avg_batch_size"`
	AvgDeliveryLatencyMs float64 `json:"avg_delivery_latency_ms"`
	MaxDeliveryLatencyMs float64 `json:"max_delivery_latency_ms"`
	SuccessRate          float64 `json:"success_rate"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	BatchQueueDepth      int     `json:"batch_queue_depth"`
	DeliveryQueueDepth   int     `json:"delivery_queue_depth"`
	DroppedTasks         int64   `json:"dropped_tasks"`
}

// GetStats returns a snapshot of broadcaster statistics.
func (b *Broadcaster) GetStats() Stats {
	b.mu.Lock()
	pendingBatches := len(b.pending)
	var pendingEvents int64
	for _, batch := range b.pending {
		pendingEvents += int64(len(batch.events))
	}
	// Flushed batches waiting in a room's delivery chain are still pending
	// from the caller's point of view.
	for _, chain := range b.queued {
		pendingBatches += len(chain)
		for _, batch := range chain {
			pendingEvents += int64(len(batch.events))
		}
	}
	b.mu.Unlock()

	delivered := atomic.LoadInt64(&b.delivered)
	dropped := atomic.LoadInt64(&b.dropped)
	attempted := delivered + dropped

	var successRate float64 = 1
	if attempted > 0 {
		successRate = float64(delivered) / float64(attempted)
	}

	var avgLatencyMs float64
	if n := atomic.LoadInt64(&b.latencyCount); n > 0 {
		avgLatencyMs = float64(atomic.LoadInt64(&b.latencyNanos)) / float64(n) / 1e6
	}

	var avgBatchSize float64
	if batches := atomic.LoadInt64(&b.batchesSent); batches > 0 {
		avgBatchSize = float64(delivered) / float64(batches)
	}

	return Stats{
		TotalEvents:          atomic.LoadInt64(&b.totalEvents),
		EventsDelivered:      delivered,
		EventsDropped:        dropped,
		EventsRateLimited:    atomic.LoadInt64(&b.rateLimited),
		PendingEvents:        pendingEvents,
		PendingBatches:       pendingBatches,
		BatchesSent:          atomic.LoadInt64(&b.batchesSent),
		BatchErrors:          atomic.LoadInt64(&b.batchErrors),
		AvgBatchSize:         avgBatchSize,
		AvgDeliveryLatencyMs: avgLatencyMs,
		MaxDeliveryLatencyMs: float64(atomic.LoadInt64(&b.maxLatencyNanos)) / 1e6,
		SuccessRate:          successRate,
		UptimeSeconds:        time.Since(b.startedAt).Seconds(),
		BatchQueueDepth:      b.batchPool.QueueDepth(),
		DeliveryQueueDepth:   b.deliveryPool.QueueDepth(),
		DroppedTasks:         b.batchPool.DroppedTasks() + b.deliveryPool.DroppedTasks(),
	}
}

// HealthState classifies broadcaster health for the /healthz surface.
type HealthState string

const (
	HealthOK      HealthState = "healthy"
	HealthWarning HealthState = "warning"
	HealthError   HealthState = "error"
)

// Health holds the classification and the stats it was derived from.
type Health struct {
	State   HealthState `json:"state"`
	Reasons []string    `json:"reasons,omitempty"`
	Stats   Stats       `json:"stats"`
}

// CheckHealth classifies current broadcaster health.
// Error: average delivery latency above 200ms or success rate below 95%.
// Warning: latency above 100ms, success below 99%, or more than 50 batches
// pending.
func (b *Broadcaster) CheckHealth() Health {
	stats := b.GetStats()
	health := Health{State: HealthOK, Stats: stats}

	degrade := func(state HealthState, reason string) {
		if state == HealthError {
			health.State = HealthError
		} else if health.State == HealthOK {
			health.State = HealthWarning
		}
		health.Reasons = append(health.Reasons, reason)
	}

	if stats.AvgDeliveryLatencyMs > 200 {
		degrade(HealthError, "average delivery latency above 200ms")
	} else if stats.AvgDeliveryLatencyMs > 100 {
		degrade(HealthWarning, "average delivery latency above 100ms")
	}

	if stats.SuccessRate < 0.95 {
		degrade(HealthError, "delivery success rate below 95%")
	} else if stats.SuccessRate < 0.99 {
		degrade(HealthWarning, "delivery success rate below 99%")
	}

	if stats.PendingBatches > 50 {
		degrade(HealthWarning, "pending batch backlog above 50")
	}

	return health
}
