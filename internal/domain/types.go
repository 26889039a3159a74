// Package domain defines the canonical types shared across the duplicator
// engine: order intents, canonical orders and their per-broker legs, broker
// connection state, positions, and price ticks.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the price type of an order.
type OrderType string

const (
	OrderTypeLimit          OrderType = "LMT"
	OrderTypeMarket         OrderType = "MKT"
	OrderTypeStopLoss       OrderType = "SL"
	OrderTypeStopLossMarket OrderType = "SL-M"
)

// Valid reports whether the order type is one of the known values.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return true
	}
	return false
}

// OrderState is the canonical state of a duplicated order, derived from the
// states of its legs.
type OrderState string

const (
	StatePending            OrderState = "PENDING"
	StateDispatching        OrderState = "DISPATCHING"
	StatePlaced             OrderState = "PLACED"
	StatePartiallyPlaced    OrderState = "PARTIALLY_PLACED"
	StatePartiallyFilled    OrderState = "PARTIALLY_FILLED"
	StateFilled             OrderState = "FILLED"
	StatePartiallyCancelled OrderState = "PARTIALLY_CANCELLED"
	StateCancelled          OrderState = "CANCELLED"
	StateRejected           OrderState = "REJECTED"
	StateFailed             OrderState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

// LegState is the state of a single broker leg.
type LegState string

const (
	LegPending         LegState = "PENDING"
	LegDispatching     LegState = "DISPATCHING"
	LegPlaced          LegState = "PLACED"
	LegPartiallyFilled LegState = "PARTIALLY_FILLED"
	LegFilled          LegState = "FILLED"
	LegCancelled       LegState = "CANCELLED"
	LegRejected        LegState = "REJECTED"
	LegFailed          LegState = "FAILED"
	LegUnknown         LegState = "UNKNOWN" // timed out, true state pending reconciliation
)

// Terminal reports whether the leg admits no further transitions.
func (s LegState) Terminal() bool {
	switch s {
	case LegFilled, LegCancelled, LegRejected, LegFailed:
		return true
	}
	return false
}

// ConnectionState is the runtime state of a broker connection.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "DISCONNECTED"
	ConnConnecting   ConnectionState = "CONNECTING"
	ConnConnected    ConnectionState = "CONNECTED"
	ConnDegraded     ConnectionState = "DEGRADED"
)

// ---------------------------------------------------------------------------
// Failure taxonomy
// ---------------------------------------------------------------------------

// FailureKind classifies why a broker operation did not succeed. Connector
// implementations must map their native error taxonomy onto these kinds.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureValidation     FailureKind = "VALIDATION_ERROR"
	FailureBrokerRejected FailureKind = "BROKER_REJECTED"
	FailureTimeout        FailureKind = "TIMEOUT"
	FailureConnectionDown FailureKind = "CONNECTION_DOWN"
	FailureMergeConflict  FailureKind = "MERGE_CONFLICT"
)

// LegOp identifies which broker operation produced a LegOutcome.
type LegOp string

const (
	OpPlace  LegOp = "PLACE"
	OpModify LegOp = "MODIFY"
	OpCancel LegOp = "CANCEL"
)

// LegOutcome is the synchronous result of one broker call for one leg.
type LegOutcome struct {
	Op            LegOp       `json:"op"`
	BrokerID      string      `json:"broker_id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Kind          FailureKind `json:"kind,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// OK reports whether the operation succeeded.
func (o LegOutcome) OK() bool { return o.Kind == FailureNone }

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderIntent is a user request to buy or sell, before duplication across
// brokers. It arrives from the chat or dashboard channels.
type OrderIntent struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderType  OrderType       `json:"order_type"`
	Exchange   string          `json:"exchange"`
}

// OrderChanges carries the mutable fields of a modify request. Nil fields
// are left unchanged.
type OrderChanges struct {
	Quantity *int64           `json:"quantity,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// OrderLeg is the portion of a canonical order submitted to one broker. A
// leg is exclusively owned by its parent order.
type OrderLeg struct {
	BrokerID        string          `json:"broker_id"`
	BrokerOrderID   string          `json:"broker_order_id,omitempty"`
	State           LegState        `json:"state"`
	FilledQty       int64           `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	LastError       string          `json:"last_error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Order is the canonical, broker-agnostic aggregate representing a user's
// duplicated intent across all legs. It is owned and mutated only by the
// ledger.
type Order struct {
	ID         string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	OrderType  OrderType       `json:"order_type"`
	Exchange   string          `json:"exchange"`
	State      OrderState      `json:"state"`
	Legs       []OrderLeg      `json:"legs"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Leg returns a pointer to the leg for the given broker, or nil.
func (o *Order) Leg(brokerID string) *OrderLeg {
	for i := range o.Legs {
		if o.Legs[i].BrokerID == brokerID {
			return &o.Legs[i]
		}
	}
	return nil
}

// LegEvent is an asynchronous order-status event delivered on a broker's
// stream for one leg.
type LegEvent struct {
	BrokerID      string          `json:"broker_id"`
	BrokerOrderID string          `json:"broker_order_id"`
	State         LegState        `json:"state"`
	FilledQty     int64           `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Market data, positions, broker status
// ---------------------------------------------------------------------------

// PriceTick is a last-traded-price update for an instrument. Ticks are
// consumed only from the primary quote connection; ticks from any other
// broker are dropped before reaching the ledger or the broadcaster.
type PriceTick struct {
	Instrument   string          `json:"instrument"`
	LastPrice    decimal.Decimal `json:"last_price"`
	Volume       int64           `json:"volume,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	SourceBroker string          `json:"source_broker_id"`
}

// Position is one open position at one broker.
type Position struct {
	BrokerID     string          `json:"broker_id"`
	Instrument   string          `json:"instrument"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	MTM          decimal.Decimal `json:"mtm"`
}

// BrokerStatus is a point-in-time snapshot of one broker connection.
type BrokerStatus struct {
	BrokerID        string          `json:"broker_id"`
	Enabled         bool            `json:"enabled"`
	PrimaryQuotes   bool            `json:"primary_quotes"`
	ConnectionState ConnectionState `json:"connection_state"`
}

// ---------------------------------------------------------------------------
// Canonical state derivation
// ---------------------------------------------------------------------------

// DeriveState computes the canonical order state as a pure function of the
// leg states. Precedence, highest first: any in-flight leg pins the order to
// DISPATCHING; all legs failed terminally yields REJECTED (if any broker
// actively refused) or FAILED; a mix of placed and failed legs yields the
// PARTIALLY_* family; with every leg placed the some/all pattern applies to
// fills and cancellations.
func DeriveState(legs []OrderLeg) OrderState {
	if len(legs) == 0 {
		return StatePending
	}

	var inFlight, placed, failed, rejected int
	var filled, partFilled, cancelled int
	for i := range legs {
		switch legs[i].State {
		case LegPending, LegDispatching, LegUnknown:
			inFlight++
		case LegRejected:
			rejected++
			failed++
		case LegFailed:
			failed++
		case LegPlaced:
			placed++
		case LegPartiallyFilled:
			placed++
			partFilled++
		case LegFilled:
			placed++
			filled++
		case LegCancelled:
			placed++
			cancelled++
		}
	}

	if inFlight > 0 {
		return StateDispatching
	}
	if placed == 0 {
		if rejected > 0 {
			return StateRejected
		}
		return StateFailed
	}

	allPlaced := failed == 0
	switch {
	case filled == placed:
		if allPlaced {
			return StateFilled
		}
		return StatePartiallyFilled
	case filled > 0 || partFilled > 0:
		return StatePartiallyFilled
	case cancelled == placed:
		if allPlaced {
			return StateCancelled
		}
		return StatePartiallyCancelled
	case cancelled > 0:
		return StatePartiallyCancelled
	case allPlaced:
		return StatePlaced
	default:
		return StatePartiallyPlaced
	}
}
