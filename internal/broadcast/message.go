package broadcast

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/types"
)

// EventMessage is one event held in a pending batch.
type EventMessage struct {
	Type      string          `json:"type"`
	Data      types.EventData `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Priority  types.Priority  `json:"-"`

	// enqueuedAt anchors delivery latency measurement; not serialized.
	enqueuedAt time.Time
	// wireBytes is the serialized size of Data, computed once at enqueue.
	wireBytes int
}

// MarshalJSON emits the batch-envelope entry shape: epoch-seconds timestamp,
// priority as its wire string.
func (m EventMessage) MarshalJSON() ([]byte, error) {
	type entry struct {
		Type      string          `json:"type"`
		Data      types.EventData `json:"data"`
		Timestamp float64         `json:"timestamp"`
		Priority  string          `json:"priority"`
	}
	return json.Marshal(entry{
		Type:      m.Type,
		Data:      m.Data,
		Timestamp: epochSeconds(m.Timestamp),
		Priority:  m.Priority.String(),
	})
}

// BatchEnvelope is the wire shape for multi-event deliveries. Single-event
// batches skip the envelope and emit the event natively.
type BatchEnvelope struct {
	Type           string         `json:"type"` // always "event_batch"
	BatchID        string         `json:"batch_id"`
	BatchTimestamp float64        `json:"batch_timestamp"` // epoch seconds
	Events         []EventMessage `json:"events"`
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// BatchEnvelopeType is the discriminator clients switch on.
const BatchEnvelopeType = "event_batch"

// payloadSize estimates the wire size of an event payload. Used for the
// per-batch byte cap; an unmarshalable payload counts as zero and rides on
// the event-count cap alone.
func payloadSize(data types.EventData) int {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(raw)
}
