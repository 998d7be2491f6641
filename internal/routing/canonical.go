package routing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Canonicalization turns an event payload into a deterministic string so that
// identical payloads produce identical cache keys regardless of map iteration
// order or numeric spelling (1 vs 1.0).
//
// Payloads containing values that cannot be rendered deterministically
// (functions, channels, cycles) make the whole call uncacheable: the router
// counts a cache fallback and routes without touching the cache. Correctness
// is preserved either way.

// ErrNotCanonical marks payloads that cannot be canonicalized.
var ErrNotCanonical = errors.New("payload not canonicalizable")

// maxCanonicalDepth bounds recursion; cycles through maps or slices hit the
// cap instead of recursing forever.
const maxCanonicalDepth = 32

// CacheKey builds the routing cache key for (event_type, event_data, user_context).
func CacheKey(eventType string, data, userCtx map[string]any) (string, error) {
	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte('|')
	if err := writeCanonical(&b, data, 0); err != nil {
		return "", err
	}
	b.WriteByte('|')
	if err := writeCanonical(&b, userCtx, 0); err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(b.String()))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

func writeCanonical(b *strings.Builder, v any, depth int) error {
	if depth > maxCanonicalDepth {
		return fmt.Errorf("%w: depth limit exceeded (cycle?)", ErrNotCanonical)
	}

	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		b.WriteString(strconv.Quote(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case int:
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case int64:
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case uint64:
		b.WriteString(strconv.FormatFloat(float64(val), 'g', -1, 64))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			if err := writeCanonical(b, val[k], depth+1); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(item))
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrNotCanonical, v)
	}
	return nil
}
