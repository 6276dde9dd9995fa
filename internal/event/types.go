package event

import "time"

// Event represents a typed event with an occurrence timestamp. Buses can
// carry any payload type; payloads implementing Event additionally get
// per-type accounting and type-based subscription filters.
type Event interface {
	Type() string
	Timestamp() time.Time
}
