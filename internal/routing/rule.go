package routing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/adred-codev/odin-broadcast/internal/subscription"
	"github.com/adred-codev/odin-broadcast/internal/types"
)

// Strategy selects how a rule's destinations are derived.
type Strategy string

const (
	// StrategyBroadcastAll sends to every static destination of the rule.
	StrategyBroadcastAll Strategy = "broadcast_all"
	// StrategyContentBased synthesizes destinations from event content when
	// the rule has no static destinations ("pattern_<type>_<symbol>").
	StrategyContentBased Strategy = "content_based"
	// StrategyPriorityFirst behaves like broadcast_all; the rule's priority
	// orders its events ahead of lower-priority traffic within a batch.
	StrategyPriorityFirst Strategy = "priority_first"
	// StrategyLoadBalanced rotates through the rule's static destinations,
	// sending each event to exactly one of them.
	StrategyLoadBalanced Strategy = "load_balanced"
)

// PredicateKind tags the content-filter variants.
type PredicateKind int

const (
	PredicateEquals PredicateKind = iota
	PredicateRange
	PredicateContains
	PredicateIn
)

// Predicate is one content filter applied to a single event field.
// The tagged variant replaces the source system's duck-typed filter dicts.
type Predicate struct {
	Kind PredicateKind

	Equals   any      // PredicateEquals
	Min, Max *float64 // PredicateRange (either bound may be nil)
	Contains string   // PredicateContains: "a|b|c" alternation
	In       []string // PredicateIn
}

// Equals builds an equality predicate.
func Equals(v any) Predicate { return Predicate{Kind: PredicateEquals, Equals: v} }

// Range builds a numeric range predicate; pass nil to leave a bound open.
func Range(min, max *float64) Predicate { return Predicate{Kind: PredicateRange, Min: min, Max: max} }

// Contains builds an alternation predicate ("a|b|c" matches any listed substring).
func Contains(alternation string) Predicate {
	return Predicate{Kind: PredicateContains, Contains: alternation}
}

// In builds a set-membership predicate.
func In(values ...string) Predicate { return Predicate{Kind: PredicateIn, In: values} }

// Evaluate applies the predicate to a field value.
// Returns an error for values the predicate cannot interpret; the router
// counts such errors and treats the rule as non-matching.
func (p Predicate) Evaluate(value any) (bool, error) {
	switch p.Kind {
	case PredicateEquals:
		return equalValues(p.Equals, value), nil

	case PredicateRange:
		f, ok := toFloat(value)
		if !ok {
			return false, fmt.Errorf("range predicate on non-numeric value %T", value)
		}
		if p.Min != nil && f < *p.Min {
			return false, nil
		}
		if p.Max != nil && f > *p.Max {
			return false, nil
		}
		return true, nil

	case PredicateContains:
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("contains predicate on non-string value %T", value)
		}
		for _, alt := range strings.Split(p.Contains, "|") {
			if alt != "" && strings.Contains(s, alt) {
				return true, nil
			}
		}
		return false, nil

	case PredicateIn:
		s, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("in predicate on non-string value %T", value)
		}
		for _, candidate := range p.In {
			if candidate == s {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown predicate kind %d", p.Kind)
	}
}

func equalValues(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		if gf, gok := toFloat(got); gok {
			return wf == gf
		}
		return false
	}
	return want == got
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Transformer rewrites event payloads before delivery. Implementations must
// be pure: same input, same output, no retained references.
type Transformer interface {
	Transform(data types.EventData) (types.EventData, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(data types.EventData) (types.EventData, error)

func (f TransformerFunc) Transform(data types.EventData) (types.EventData, error) {
	return f(data)
}

// Rule is one declarative routing rule.
type Rule struct {
	ID                string
	Priority          types.Priority
	EventTypePatterns []string             // regex patterns; rule matches if any matches event_type
	ContentFilters    map[string]Predicate // field → predicate, all must pass
	UserCriteria      subscription.Criteria
	Strategy          Strategy
	Destinations      []string // static rooms and/or "user_<id>"; empty + content_based ⇒ derived
	Transformer       Transformer
}

// compiledRule carries the rule plus its pre-compiled patterns. Bad patterns
// are dropped at compile time; a rule whose every pattern is bad simply never
// matches.
type compiledRule struct {
	Rule
	patterns    []*regexp.Regexp
	badPatterns int
	rrCounter   uint64 // round-robin cursor for load_balanced
}

func compileRule(rule Rule) (*compiledRule, int) {
	cr := &compiledRule{Rule: rule, patterns: make([]*regexp.Regexp, 0, len(rule.EventTypePatterns))}
	bad := 0
	for _, pattern := range rule.EventTypePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			bad++
			continue
		}
		cr.patterns = append(cr.patterns, re)
	}
	cr.badPatterns = bad
	return cr, bad
}

// matchesEventType reports whether any compiled pattern matches.
func (cr *compiledRule) matchesEventType(eventType string) bool {
	for _, re := range cr.patterns {
		if re.MatchString(eventType) {
			return true
		}
	}
	return false
}
