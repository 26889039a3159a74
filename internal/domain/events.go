package domain

import "time"

// Event is a message delivered to subscriber channels (chat, dashboard).
// The concrete types are OrderStateChanged, PriceTick, and
// BrokerConnectionChanged.
type Event interface {
	// EventType returns the wire discriminator for the event.
	EventType() string
}

// OrderStateChanged is published every time the canonical state of an order
// changes, including partial failures, so duplication semantics are always
// observable at the canonical-order level.
type OrderStateChanged struct {
	OrderID  string     `json:"order_id"`
	OldState OrderState `json:"old_state"`
	NewState OrderState `json:"new_state"`
	Legs     []OrderLeg `json:"legs"`
	At       time.Time  `json:"at"`
}

// BrokerConnectionChanged is published when a broker connection transitions
// between connection states.
type BrokerConnectionChanged struct {
	BrokerID string          `json:"broker_id"`
	State    ConnectionState `json:"connection_state"`
	At       time.Time       `json:"at"`
}

func (OrderStateChanged) EventType() string       { return "order_state_changed" }
func (PriceTick) EventType() string               { return "price_tick" }
func (BrokerConnectionChanged) EventType() string { return "broker_connection_changed" }
