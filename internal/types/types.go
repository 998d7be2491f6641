package types

import "strings"

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Priority orders events within a batch. Higher priority events are emitted
// first; priority never pre-empts the batch window itself.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String returns the wire representation used in batch envelopes
// ("low" | "medium" | "high" | "critical").
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "medium"
	}
}

// ParsePriority converts a wire string back to a Priority.
// Unknown values map to PriorityMedium (never an error on the hot path).
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "medium":
		return PriorityMedium
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// EventData is the opaque structured payload carried by every event.
// Values are whatever the upstream publisher sent (JSON-decoded).
type EventData = map[string]any

// UserRoomPrefix namespaces per-recipient rooms so they can never collide
// with admin-defined room names. "user_<id>" is the delivery convention.
const UserRoomPrefix = "user_"

// UserRoom returns the dedicated delivery room for a recipient.
func UserRoom(userID string) string {
	return UserRoomPrefix + userID
}

// IsUserRoom reports whether a room name is in the per-recipient namespace.
func IsUserRoom(room string) bool {
	return strings.HasPrefix(room, UserRoomPrefix)
}
