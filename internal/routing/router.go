package routing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds router tuning knobs.
type Config struct {
	CacheEnabled bool
	CacheSize    int
	// CacheThreshold is the minimum expanded recipient count for a result to
	// be cached; smaller expansions are one-offs that would pollute the LRU.
	CacheThreshold int
}

// Result is the outcome of routing one event.
type Result struct {
	EventID      string
	MatchedRules []string
	// Destinations maps room → recipient set. A nil set means room-level
	// delivery (everyone joined to the room), a non-nil set means the listed
	// recipients via their per-user rooms.
	Destinations           map[string]map[string]struct{}
	TransformationsApplied []string
	// EventData is the payload after transformers; delivery uses this, not
	// the caller's original.
	EventData     types.EventData
	Priority      types.Priority
	RoutingTimeMs float64
	TotalUsers    int
	CacheHit      bool
}

// Router matches events against declarative rules and resolves them to
// destinations. Individual rule failures (bad regex, bad predicate, panicking
// transformer) never poison a call: Route always returns a Result.
//
// Concurrency: routing reads an immutable snapshot of the rule list
// (copy-on-write), so AddRule/RemoveRule during high-throughput routing never
// blocks the hot path. The result cache synchronizes internally.
type Router struct {
	logger zerolog.Logger
	index  *subscription.Index
	cfg    Config

	rulesMu sync.Mutex // serializes rule-set mutations
	rules   atomic.Pointer[[]*compiledRule]

	cache *resultCache

	// Statistics (atomic)
	totalEvents          int64
	eventsRouted         int64
	cacheHits            int64
	cacheFallbacks       int64
	routingErrors        int64
	transformationErrors int64
	routingNanos         int64
}

// NewRouter creates a router backed by the given subscription index.
func NewRouter(index *subscription.Index, cfg Config, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		logger: logger.With().Str("component", "router").Logger(),
		index:  index,
		cfg:    cfg,
	}
	empty := make([]*compiledRule, 0)
	r.rules.Store(&empty)

	if cfg.CacheEnabled {
		cache, err := newResultCache(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create routing cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// AddRule installs a rule. Patterns that fail to compile are dropped (counted
// as routing errors); a rule whose every pattern is bad never matches but
// does not affect other rules. Duplicate rule ids are rejected.
func (r *Router) AddRule(rule Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}

	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	current := *r.rules.Load()
	for _, existing := range current {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %q already installed", rule.ID)
		}
	}

	cr, bad := compileRule(rule)
	if bad > 0 {
		atomic.AddInt64(&r.routingErrors, int64(bad))
		r.logger.Warn().
			Str("rule_id", rule.ID).
			Int("bad_patterns", bad).
			Int("good_patterns", len(cr.patterns)).
			Msg("Rule installed with uncompilable event type patterns")
	}

	next := make([]*compiledRule, len(current), len(current)+1)
	copy(next, current)
	next = append(next, cr)
	r.rules.Store(&next)

	r.InvalidateCache()
	return nil
}

// RemoveRule uninstalls a rule by id. Returns true if it was present.
func (r *Router) RemoveRule(ruleID string) bool {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	current := *r.rules.Load()
	next := make([]*compiledRule, 0, len(current))
	found := false
	for _, cr := range current {
		if cr.ID == ruleID {
			found = true
			continue
		}
		next = append(next, cr)
	}
	if found {
		r.rules.Store(&next)
		r.InvalidateCache()
	}
	return found
}

// RuleCount returns the number of installed rules.
func (r *Router) RuleCount() int {
	return len(*r.rules.Load())
}

// InvalidateCache drops every cached result. Called on rule changes and by
// the coordinator on membership changes, since cached recipient expansions
// go stale when the subscription index moves.
func (r *Router) InvalidateCache() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// Route resolves an event to its destinations.
func (r *Router) Route(eventType string, data types.EventData, userCtx map[string]any) *Result {
	start := time.Now()
	atomic.AddInt64(&r.totalEvents, 1)
	monitoring.IncrementEventsRouted()

	cacheKey := ""
	if r.cache != nil {
		key, err := CacheKey(eventType, data, userCtx)
		if err != nil {
			// Non-canonicalizable payload (cycle, function value): route
			// uncached, stay correct.
			atomic.AddInt64(&r.cacheFallbacks, 1)
			atomic.AddInt64(&r.routingErrors, 1)
			monitoring.IncrementRouteCacheFallbacks()
			monitoring.IncrementRoutingErrors()
		} else {
			cacheKey = key
			if cached, ok := r.cache.Get(cacheKey); ok {
				atomic.AddInt64(&r.cacheHits, 1)
				monitoring.IncrementRouteCacheHits()
				hit := *cached
				hit.CacheHit = true
				hit.RoutingTimeMs = float64(time.Since(start).Nanoseconds()) / 1e6
				r.recordTiming(start)
				return &hit
			}
		}
	}

	result := r.evaluate(eventType, data)
	result.RoutingTimeMs = float64(time.Since(start).Nanoseconds()) / 1e6

	if cacheKey != "" && result.TotalUsers >= r.cfg.CacheThreshold {
		r.cache.Add(cacheKey, result)
	}

	r.recordTiming(start)
	return result
}

// evaluate runs the uncached matching path.
func (r *Router) evaluate(eventType string, data types.EventData) *Result {
	result := &Result{
		EventID:      uuid.NewString(),
		Destinations: make(map[string]map[string]struct{}),
		EventData:    data,
		Priority:     types.PriorityMedium,
	}

	rules := *r.rules.Load()
	payload := data

	for _, cr := range rules {
		if !r.ruleMatches(cr, eventType, payload) {
			continue
		}

		result.MatchedRules = append(result.MatchedRules, cr.ID)
		if cr.Priority > result.Priority {
			result.Priority = cr.Priority
		}

		if cr.Transformer != nil {
			transformed, err := r.applyTransformer(cr, payload)
			if err != nil {
				atomic.AddInt64(&r.transformationErrors, 1)
				monitoring.IncrementTransformationErrors()
				r.logger.Warn().
					Str("rule_id", cr.ID).
					Err(err).
					Msg("Content transformer failed, delivering untransformed payload")
			} else {
				payload = transformed
				result.TransformationsApplied = append(result.TransformationsApplied, cr.ID)
			}
		}

		for _, dest := range r.destinationsFor(cr, payload) {
			users := r.expandDestination(cr, dest, payload)
			mergeDestination(result.Destinations, dest, users)
		}
	}

	result.EventData = payload
	result.TotalUsers = countUsers(result.Destinations)
	if len(result.MatchedRules) > 0 {
		atomic.AddInt64(&r.eventsRouted, 1)
	}
	return result
}

func (r *Router) ruleMatches(cr *compiledRule, eventType string, data types.EventData) bool {
	if !cr.matchesEventType(eventType) {
		return false
	}

	for field, pred := range cr.ContentFilters {
		value, ok := data[field]
		if !ok {
			return false // missing field ⇒ no match
		}
		matched, err := pred.Evaluate(value)
		if err != nil {
			atomic.AddInt64(&r.routingErrors, 1)
			monitoring.IncrementRoutingErrors()
			return false
		}
		if !matched {
			return false
		}
	}
	return true
}

// applyTransformer runs the rule's transformer on a shallow copy of the
// payload, converting panics into errors.
func (r *Router) applyTransformer(cr *compiledRule, data types.EventData) (out types.EventData, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("transformer panic: %v", rec)
		}
	}()

	copied := make(types.EventData, len(data))
	for k, v := range data {
		copied[k] = v
	}
	out, err = cr.Transformer.Transform(copied)
	if err == nil && out == nil {
		err = fmt.Errorf("transformer returned nil payload")
	}
	return out, err
}

// destinationsFor derives the rule's destination list for this event.
func (r *Router) destinationsFor(cr *compiledRule, data types.EventData) []string {
	if len(cr.Destinations) == 0 {
		if cr.Strategy == StrategyContentBased {
			if room, ok := contentRoom(data); ok {
				return []string{room}
			}
		}
		return nil
	}

	if cr.Strategy == StrategyLoadBalanced {
		n := atomic.AddUint64(&cr.rrCounter, 1)
		return []string{cr.Destinations[int((n-1)%uint64(len(cr.Destinations)))]}
	}

	return cr.Destinations
}

// contentRoom synthesizes the deterministic room name for content-based rules:
// pattern_<pattern_type>_<symbol>.
func contentRoom(data types.EventData) (string, bool) {
	patternType, ok := data["pattern_type"].(string)
	if !ok || patternType == "" {
		return "", false
	}
	symbol, ok := data["symbol"].(string)
	if !ok || symbol == "" {
		return "", false
	}
	return fmt.Sprintf("pattern_%s_%s", patternType, symbol), true
}

// expandDestination resolves a destination to a recipient set.
// Per-user rooms resolve to their single user; class rooms (content-derived
// or criteria-narrowed) expand via the subscription index; plain static rooms
// with no user criteria stay room-level (nil set).
func (r *Router) expandDestination(cr *compiledRule, dest string, data types.EventData) map[string]struct{} {
	if types.IsUserRoom(dest) {
		return map[string]struct{}{dest[len(types.UserRoomPrefix):]: {}}
	}

	criteria := make(subscription.Criteria, len(cr.UserCriteria)+2)
	for k, v := range cr.UserCriteria {
		criteria[k] = v
	}
	if cr.Strategy == StrategyContentBased && len(cr.Destinations) == 0 {
		if patternType, ok := data["pattern_type"].(string); ok {
			criteria["pattern_type"] = patternType
		}
		if symbol, ok := data["symbol"].(string); ok {
			criteria["symbol"] = symbol
		}
	}

	if len(criteria) == 0 {
		return nil // room-level delivery
	}
	return r.index.FindMatchingUsers(criteria)
}

// mergeDestination unions recipient sets per room. A nil (room-level) set
// absorbs any user set: room-level delivery already reaches every member.
func mergeDestination(dests map[string]map[string]struct{}, room string, users map[string]struct{}) {
	existing, seen := dests[room]
	if !seen {
		dests[room] = users
		return
	}
	if existing == nil {
		return // already room-level
	}
	if users == nil {
		dests[room] = nil
		return
	}
	for u := range users {
		existing[u] = struct{}{}
	}
}

func countUsers(dests map[string]map[string]struct{}) int {
	union := make(map[string]struct{})
	for _, users := range dests {
		for u := range users {
			union[u] = struct{}{}
		}
	}
	return len(union)
}

func (r *Router) recordTiming(start time.Time) {
	elapsed := time.Since(start)
	atomic.AddInt64(&r.routingNanos, elapsed.Nanoseconds())
	monitoring.ObserveRoutingDuration(elapsed.Seconds())
}

// Stats is a point-in-time snapshot of routing counters.
type Stats struct {
	TotalEvents          int64   `json:"total_events"`
	EventsRouted         int64   `json:"events_routed"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	CacheFallbacks       int64   `json:"cache_fallbacks"`
	AvgRoutingTimeMs     float64 `json:"avg_routing_time_ms"`
	RoutingErrors        int64   `json:"routing_errors"`
	TransformationErrors int64   `json:"transformation_errors"`
	TotalRules           int     `json:"total_rules"`
	CacheSize            int     `json:"cache_size"`
}

// GetStats returns a snapshot of routing statistics.
func (r *Router) GetStats() Stats {
	total := atomic.LoadInt64(&r.totalEvents)
	hits := atomic.LoadInt64(&r.cacheHits)

	var hitRate, avgMs float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
		avgMs = float64(atomic.LoadInt64(&r.routingNanos)) / float64(total) / 1e6
	}

	cacheLen := 0
	if r.cache != nil {
		cacheLen = r.cache.Len()
	}

	return Stats{
		TotalEvents:          total,
		EventsRouted:         atomic.LoadInt64(&r.eventsRouted),
		CacheHitRate:         hitRate,
		CacheFallbacks:       atomic.LoadInt64(&r.cacheFallbacks),
		AvgRoutingTimeMs:     avgMs,
		RoutingErrors:        atomic.LoadInt64(&r.routingErrors),
		TransformationErrors: atomic.LoadInt64(&r.transformationErrors),
		TotalRules:           r.RuleCount(),
		CacheSize:            cacheLen,
	}
}
