package subscription

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Index answers "which users should receive an event with these targeting
// criteria" in O(candidates) time rather than O(total users).
//
// Structure:
//   - forward map: userID → subscriptionType → *Subscription (authoritative)
//   - inverted maps: dimension → value → user set (posting lists)
//   - unconstrained maps: dimension → users with no filter on that dimension
//
// The inverted maps are derived state rebuilt lazily from the forward map
// when dirty (writes mark dirty; the next lookup rebuilds under the write
// lock). Writes are rare compared to lookups, so rebuild cost amortizes to
// near zero and readers always observe a consistent pair of maps.
//
// Lookup strategy, as in the broadcast hot path of the connection layer:
// start from the smallest posting list, intersect shortest-first, then verify
// the narrowed candidates against the full criteria (ranges, thresholds).
type Index struct {
	logger zerolog.Logger

	mu            sync.RWMutex
	users         map[string]map[string]*Subscription
	inverted      map[string]map[string]map[string]struct{}
	unconstrained map[string]map[string]struct{}
	dirty         bool

	// Lookup latency accounting (atomic; snapshot in Stats)
	lookups       int64
	lookupNanos   int64
	subscriptions int64
}

// NewIndex creates an empty subscription index.
func NewIndex(logger zerolog.Logger) *Index {
	return &Index{
		logger:        logger.With().Str("component", "subscription_index").Logger(),
		users:         make(map[string]map[string]*Subscription),
		inverted:      make(map[string]map[string]map[string]struct{}),
		unconstrained: make(map[string]map[string]struct{}),
	}
}

// Upsert installs or replaces the user's subscription of the given type.
// Idempotent: subscribing twice with identical filters leaves one subscription.
func (idx *Index) Upsert(userID, subType string, filters Filters) {
	now := time.Now()
	sub := &Subscription{
		UserID:         userID,
		Type:           subType,
		Filters:        filters.normalize(),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	byType := idx.users[userID]
	if byType == nil {
		byType = make(map[string]*Subscription)
		idx.users[userID] = byType
	}
	if prev, ok := byType[subType]; ok {
		sub.CreatedAt = prev.CreatedAt
	} else {
		atomic.AddInt64(&idx.subscriptions, 1)
	}
	byType[subType] = sub
	idx.dirty = true
}

// Remove drops one subscription type for the user, or every subscription the
// user holds when subType is empty. Returns true if anything was removed.
func (idx *Index) Remove(userID, subType string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	byType, ok := idx.users[userID]
	if !ok {
		return false
	}

	if subType == "" {
		atomic.AddInt64(&idx.subscriptions, -int64(len(byType)))
		delete(idx.users, userID)
		idx.dirty = true
		return true
	}

	if _, ok := byType[subType]; !ok {
		return false
	}
	delete(byType, subType)
	atomic.AddInt64(&idx.subscriptions, -1)
	if len(byType) == 0 {
		delete(idx.users, userID)
	}
	idx.dirty = true
	return true
}

// Touch refreshes the user's activity timestamps, deferring stale cleanup.
func (idx *Index) Touch(userID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	now := time.Now()
	for _, sub := range idx.users[userID] {
		sub.LastActivityAt = now
	}
}

// FindMatchingUsers returns the set of users whose subscription filters
// intersect the criteria. Empty criteria match every subscribed user.
func (idx *Index) FindMatchingUsers(criteria Criteria) map[string]struct{} {
	start := time.Now()
	defer func() {
		atomic.AddInt64(&idx.lookups, 1)
		atomic.AddInt64(&idx.lookupNanos, time.Since(start).Nanoseconds())
	}()

	idx.mu.RLock()
	if idx.dirty {
		// Upgrade to rebuild. Another writer may rebuild first; rebuild
		// checks the flag again under the write lock.
		idx.mu.RUnlock()
		idx.mu.Lock()
		idx.rebuildLocked()
		idx.mu.Unlock()
		idx.mu.RLock()
	}
	defer idx.mu.RUnlock()

	if len(criteria) == 0 {
		return idx.allUsersLocked()
	}

	candidates := idx.candidatesLocked(criteria)

	matched := make(map[string]struct{})
	for userID := range candidates {
		byType := idx.users[userID]
		for _, sub := range byType {
			if sub.matches(criteria) {
				matched[userID] = struct{}{}
				break
			}
		}
	}
	return matched
}

// CleanupStale removes subscriptions inactive longer than maxInactive and
// returns the number removed.
func (idx *Index) CleanupStale(maxInactive time.Duration) int {
	cutoff := time.Now().Add(-maxInactive)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	removed := 0
	for userID, byType := range idx.users {
		for subType, sub := range byType {
			if sub.LastActivityAt.Before(cutoff) {
				delete(byType, subType)
				atomic.AddInt64(&idx.subscriptions, -1)
				removed++
			}
		}
		if len(byType) == 0 {
			delete(idx.users, userID)
		}
	}
	if removed > 0 {
		idx.dirty = true
		idx.logger.Info().
			Int("removed", removed).
			Dur("max_inactive", maxInactive).
			Msg("Cleaned up stale subscriptions")
	}
	return removed
}

// Stats is a point-in-time snapshot of index state.
type Stats struct {
	TotalUsers            int     `json:"total_users"`
	TotalSubscriptions    int     `json:"total_subscriptions"`
	AvgFilteringLatencyMs float64 `json:"avg_filtering_latency_ms"`
	IndexedDimensions     int     `json:"indexed_dimensions"`
}

// GetStats returns a snapshot of the index.
func (idx *Index) GetStats() Stats {
	idx.mu.RLock()
	totalUsers := len(idx.users)
	dims := len(idx.inverted)
	idx.mu.RUnlock()

	lookups := atomic.LoadInt64(&idx.lookups)
	var avgMs float64
	if lookups > 0 {
		avgMs = float64(atomic.LoadInt64(&idx.lookupNanos)) / float64(lookups) / 1e6
	}

	return Stats{
		TotalUsers:            totalUsers,
		TotalSubscriptions:    int(atomic.LoadInt64(&idx.subscriptions)),
		AvgFilteringLatencyMs: avgMs,
		IndexedDimensions:     dims,
	}
}

// candidatesLocked narrows the user universe using inverted posting lists,
// shortest-first. Caller holds at least the read lock with a clean index.
func (idx *Index) candidatesLocked(criteria Criteria) map[string]struct{} {
	type posting struct {
		users map[string]struct{}
		free  map[string]struct{} // users unconstrained on this dimension
		size  int
	}

	postings := make([]posting, 0, len(criteria))
	for key, want := range criteria {
		value, ok := want.(string)
		if !ok {
			continue // numeric criteria verified in the scan phase
		}
		dim := key
		if key != "subscription_type" {
			dim = dimensionFor(key)
		}
		byValue := idx.inverted[dim]
		free := idx.unconstrained[dim]
		if byValue == nil && free == nil {
			continue // dimension nobody filters on constrains nothing
		}
		users := byValue[value]
		postings = append(postings, posting{
			users: users,
			free:  free,
			size:  len(users) + len(free),
		})
	}

	if len(postings) == 0 {
		return idx.allUsersLocked()
	}

	// Shortest posting first minimizes intersection work.
	sort.Slice(postings, func(i, j int) bool { return postings[i].size < postings[j].size })

	result := make(map[string]struct{}, postings[0].size)
	for u := range postings[0].users {
		result[u] = struct{}{}
	}
	for u := range postings[0].free {
		result[u] = struct{}{}
	}

	for _, p := range postings[1:] {
		for u := range result {
			_, inPosting := p.users[u]
			_, inFree := p.free[u]
			if !inPosting && !inFree {
				delete(result, u)
			}
		}
		if len(result) == 0 {
			break
		}
	}
	return result
}

func (idx *Index) allUsersLocked() map[string]struct{} {
	all := make(map[string]struct{}, len(idx.users))
	for userID := range idx.users {
		all[userID] = struct{}{}
	}
	return all
}

// rebuildLocked regenerates the inverted and unconstrained maps from the
// forward map. Idempotent; caller holds the write lock.
func (idx *Index) rebuildLocked() {
	if !idx.dirty {
		return
	}

	inverted := make(map[string]map[string]map[string]struct{})
	dims := make(map[string]struct{})

	add := func(dim, value, userID string) {
		byValue := inverted[dim]
		if byValue == nil {
			byValue = make(map[string]map[string]struct{})
			inverted[dim] = byValue
		}
		users := byValue[value]
		if users == nil {
			users = make(map[string]struct{})
			byValue[value] = users
		}
		users[userID] = struct{}{}
	}

	for userID, byType := range idx.users {
		for _, sub := range byType {
			add("subscription_type", sub.Type, userID)
			for dim, constraint := range sub.Filters {
				switch c := constraint.(type) {
				case []string:
					dims[dim] = struct{}{}
					for _, member := range c {
						add(dim, member, userID)
					}
				case string:
					dims[dim] = struct{}{}
					add(dim, c, userID)
				}
			}
		}
	}

	// Users lacking a filter on an indexed dimension accept every value of
	// that dimension; they join the per-dimension unconstrained set.
	unconstrained := make(map[string]map[string]struct{}, len(dims))
	for dim := range dims {
		free := make(map[string]struct{})
		for userID, byType := range idx.users {
			for _, sub := range byType {
				if _, has := sub.Filters[dim]; !has {
					free[userID] = struct{}{}
					break
				}
			}
		}
		unconstrained[dim] = free
	}

	idx.inverted = inverted
	idx.unconstrained = unconstrained
	idx.dirty = false
}
