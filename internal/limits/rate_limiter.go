package limits

import (
	"sync"
	"time"
)

// SlidingWindow implements per-recipient rate limiting with a sliding window
// counter: a bounded FIFO of the timestamps admitted within the last window.
//
// A token bucket (see IngestGuard) would allow bursts to spill across window
// edges; recipients have a hard "at most N events in any 1-second window"
// contract, so the limiter must remember individual admission times.
//
// Performance: Allow is O(1) amortized; each timestamp is appended once and
// trimmed once. Memory: maxEvents x 24 bytes per active recipient.
//
// Thread safety: each recipient has its own SlidingWindow with its own mutex,
// so admissions for different recipients never contend.
type SlidingWindow struct {
	maxEvents int           // Max admissions inside one window
	window    time.Duration // Window length (typically 1s)

	mu         sync.Mutex
	timestamps []time.Time // FIFO of admissions still inside the window
	lastUsed   time.Time   // For idle reaping
}

// NewSlidingWindow creates a limiter admitting at most maxEvents per window.
func NewSlidingWindow(maxEvents int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxEvents:  maxEvents,
		window:     window,
		timestamps: make([]time.Time, 0, maxEvents),
		lastUsed:   time.Now(),
	}
}

// Allow reports whether one more event may be admitted now, and if so records
// the admission. At the exact limit the next call in the same window returns
// false; the first call after the oldest admission expires returns true.
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	sw.lastUsed = now
	sw.trim(now)

	if len(sw.timestamps) >= sw.maxEvents {
		return false
	}
	sw.timestamps = append(sw.timestamps, now)
	return true
}

// CurrentRate returns the number of admissions still inside the window.
func (sw *SlidingWindow) CurrentRate() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.trim(time.Now())
	return len(sw.timestamps)
}

// IdleSince returns the time of the last Allow call.
func (sw *SlidingWindow) IdleSince() time.Time {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.lastUsed
}

// trim drops expired timestamps from the head. Caller holds sw.mu.
func (sw *SlidingWindow) trim(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.timestamps) && !sw.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		// Shift in place so the backing array keeps its capacity.
		sw.timestamps = append(sw.timestamps[:0], sw.timestamps[i:]...)
	}
}

// RecipientLimiters manages per-recipient sliding windows.
// Limiters are created lazily on first admission check and reaped after an
// idle timeout so memory stays proportional to recently active recipients.
//
// Design pattern mirrors the per-client registry in the connection layer:
// one write-locked map for insert/remove, per-entry mutex for the hot path.
type RecipientLimiters struct {
	maxEvents   int
	window      time.Duration
	idleTimeout time.Duration

	mu       sync.RWMutex
	limiters map[string]*SlidingWindow
}

// NewRecipientLimiters creates an empty registry.
func NewRecipientLimiters(maxEvents int, window, idleTimeout time.Duration) *RecipientLimiters {
	return &RecipientLimiters{
		maxEvents:   maxEvents,
		window:      window,
		idleTimeout: idleTimeout,
		limiters:    make(map[string]*SlidingWindow),
	}
}

// Allow checks (and records) one admission for userID.
func (rl *RecipientLimiters) Allow(userID string) bool {
	return rl.get(userID).Allow()
}

// CurrentRate returns the recipient's in-window admission count.
// A recipient with no limiter yet has rate 0.
func (rl *RecipientLimiters) CurrentRate(userID string) int {
	rl.mu.RLock()
	sw, ok := rl.limiters[userID]
	rl.mu.RUnlock()
	if !ok {
		return 0
	}
	return sw.CurrentRate()
}

// Count returns the number of tracked recipients.
func (rl *RecipientLimiters) Count() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// Remove drops the limiter for a disconnected recipient.
func (rl *RecipientLimiters) Remove(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, userID)
}

// ReapIdle removes limiters unused for longer than the idle timeout and
// returns how many were removed. Called from periodic optimization.
func (rl *RecipientLimiters) ReapIdle() int {
	cutoff := time.Now().Add(-rl.idleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, sw := range rl.limiters {
		if sw.IdleSince().Before(cutoff) {
			delete(rl.limiters, id)
			removed++
		}
	}
	return removed
}

func (rl *RecipientLimiters) get(userID string) *SlidingWindow {
	rl.mu.RLock()
	sw, ok := rl.limiters[userID]
	rl.mu.RUnlock()
	if ok {
		return sw
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Double-check after acquiring write lock (avoid race)
	if sw, ok = rl.limiters[userID]; ok {
		return sw
	}
	sw = NewSlidingWindow(rl.maxEvents, rl.window)
	rl.limiters[userID] = sw
	return sw
}
