package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "transport." for decoded inbound wire events,
// "message." for send lifecycle and store writes, "chat." for conversation
// lifecycle (promotion, seen), "roster." for list refreshes.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
