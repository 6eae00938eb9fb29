package model

// Event is a domain event written to the outbox in the same transaction as
// the state change that produced it.
type Event struct {
	AggregateType string
	AggregateID   string
	RoutingKey    string
	Payload       any
}
