// Package bus forwards relayed outbox events to message brokers.
//
// Each subscriber maps an outbox.Event to the broker's message type and returns the
// broker error as the delivery failure, so the relay retries the record. Brokers
// see at-least-once delivery; consumers deduplicate on the event_id header.
package bus

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/meridian-commerce/outbox"
)

// Header names set on every forwarded message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderOccurredAt    = "occurred_at"
)

type header struct {
	key   string
	value string
}

// headers lists the event headers followed by the string values of its metadata
// object (trace_id, correlation_id, ...), sorted by key. Metadata that is not a
// JSON object of strings is not copied. Metadata never overrides the event headers.
func headers(e outbox.Event) []header {
	hs := []header{
		{HeaderEventID, e.ID.String()},
		{HeaderEventType, e.EventType},
		{HeaderAggregateType, e.AggregateType},
		{HeaderAggregateID, e.AggregateID},
		{HeaderOccurredAt, e.OccurredAt.UTC().Format(time.RFC3339Nano)},
	}

	if len(e.Metadata) == 0 {
		return hs
	}

	var md map[string]any
	if err := json.Unmarshal(e.Metadata, &md); err != nil {
		return hs
	}

	reserved := make(map[string]struct{}, len(hs))
	for _, h := range hs {
		reserved[h.key] = struct{}{}
	}

	extra := make([]header, 0, len(md))
	for k, v := range md {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, ok := reserved[k]; ok {
			continue
		}
		extra = append(extra, header{k, s})
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].key < extra[j].key })

	return append(hs, extra...)
}
