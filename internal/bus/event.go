package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	sync.run_started, sync.run_completed, sync.run_failed
//	message.upserted, message.conflict, message.send_ack, message.send_failed
//	session.updated
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
