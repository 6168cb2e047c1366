// Package publish mirrors decoded change notifications to external messaging
// systems. Each configured sink gets its own worker with a bounded queue fed
// from the notification hub; a slow or dead broker drops events for that sink
// only and never stalls subscriptions or sync sessions.
package publish

import (
	"github.com/pgpulse/pgpulse/wire"
)

// ChangeEvent is one republished change notification. Notifications carry no
// row data, so neither do published events; downstream consumers re-query.
type ChangeEvent struct {
	Table      string  `json:"table" msgpack:"tbl"`
	Operation  wire.Op `json:"op" msgpack:"op"`
	Condition  string  `json:"condition,omitempty" msgpack:"cond,omitempty"`
	Hash       string  `json:"condition_hash,omitempty" msgpack:"hash,omitempty"`
	ProcessID  string  `json:"process_id" msgpack:"proc"`
	NodeID     uint64  `json:"node_id" msgpack:"node"`
	ObservedAt int64   `json:"observed_at" msgpack:"ts"` // unix ms
}

// Sink is a destination for change events.
type Sink interface {
	// Publish sends an event payload. key routes partitioning.
	Publish(topic string, key string, value []byte) error
	Close() error
}

// Transformer encodes change events for a sink.
type Transformer interface {
	Transform(event ChangeEvent) ([]byte, error)
}

// Filter decides whether an event is published.
type Filter interface {
	Match(table string, op wire.Op) bool
}
