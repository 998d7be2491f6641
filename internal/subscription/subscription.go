package subscription

import (
	"time"

	"github.com/adred-codev/odin-broadcast/internal/types"
)

// Subscription is one user's interest registration for a subscription type.
// At most one subscription exists per (user, type); re-subscribing replaces it.
type Subscription struct {
	UserID         string
	Type           string  // e.g. "tier_patterns"
	Filters        Filters // dimension → constraint
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Filters maps filter dimensions to constraints. Recognized value shapes:
//
//	[]string          set membership ("pattern_types", "symbols")
//	string            exact match
//	float64 / int     minimum threshold, dimension name ends in "_min"
//	                  ("confidence_min"); "priority_min" compares priority order
//
// A dimension absent from the map is unconstrained.
type Filters map[string]any

// Criteria is the targeting query resolved against the index.
// String values are matched against set/equality filters; numeric values are
// compared against "_min" thresholds.
type Criteria map[string]any

// normalize coerces filter values decoded from JSON into the canonical shapes
// above ([]any → []string, json numbers → float64).
func (f Filters) normalize() Filters {
	if f == nil {
		return nil
	}
	out := make(Filters, len(f))
	for k, v := range f {
		switch val := v.(type) {
		case []any:
			ss := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok {
					ss = append(ss, s)
				}
			}
			out[k] = ss
		case []string:
			out[k] = append([]string(nil), val...)
		case int:
			out[k] = float64(val)
		case int64:
			out[k] = float64(val)
		case float32:
			out[k] = float64(val)
		default:
			out[k] = val
		}
	}
	return out
}

// dimension aliases: criteria use the singular event-field name, filters the
// plural set name.
var criteriaDimensions = map[string]string{
	"pattern_type": "pattern_types",
	"symbol":       "symbols",
}

// dimensionFor maps a criteria key to the filter dimension it constrains.
func dimensionFor(key string) string {
	if dim, ok := criteriaDimensions[key]; ok {
		return dim
	}
	return key
}

// matches reports whether this subscription satisfies every criterion.
// Missing criterion keys are no constraint; missing filter dimensions on the
// subscription side are also no constraint (the user accepts everything on
// that dimension).
func (s *Subscription) matches(criteria Criteria) bool {
	for key, want := range criteria {
		if key == "subscription_type" {
			if typ, ok := want.(string); ok && s.Type != typ {
				return false
			}
			continue
		}

		switch v := want.(type) {
		case string:
			if !s.matchesString(key, v) {
				return false
			}
		case float64:
			if !s.matchesMin(key, v) {
				return false
			}
		case int:
			if !s.matchesMin(key, float64(v)) {
				return false
			}
		}
		// Unrecognized criterion value types constrain nothing.
	}
	return true
}

func (s *Subscription) matchesString(key, want string) bool {
	dim := dimensionFor(key)
	constraint, ok := s.Filters[dim]
	if !ok {
		return true
	}
	switch c := constraint.(type) {
	case []string:
		for _, member := range c {
			if member == want {
				return true
			}
		}
		return false
	case string:
		return c == want
	default:
		return true
	}
}

// matchesMin handles numeric criteria against "<key>_min" thresholds.
// "priority" compares by priority order rather than raw value.
func (s *Subscription) matchesMin(key string, value float64) bool {
	constraint, ok := s.Filters[key+"_min"]
	if !ok {
		return true
	}
	min, ok := constraint.(float64)
	if !ok {
		if str, isStr := constraint.(string); isStr && key == "priority" {
			return types.Priority(int(value)) >= types.ParsePriority(str)
		}
		return true
	}
	return value >= min
}
