// Package broker defines the Connector interface and provides
// implementations for duplicating orders across different brokerages.
package broker

import (
	"context"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// Connector abstracts one broker's network API: order operations, position
// reads, and a streaming channel for order and price events.
//
// No operation retries internally; retry policy lives in the orchestrator.
// Blocking operations honour the deadline on their context and return a
// Timeout outcome when it is exceeded; the underlying broker call may
// still complete later and is reconciled via the stream.
type Connector interface {
	// Name returns the broker identifier (e.g. "broker1", "alpaca").
	Name() string

	// State returns the current connection state.
	State() domain.ConnectionState

	// Connect establishes the broker session.
	Connect(ctx context.Context) error

	// Close tears down the session and any open stream.
	Close() error

	// Place submits one order and returns the per-broker outcome.
	Place(ctx context.Context, intent domain.OrderIntent) domain.LegOutcome

	// Modify changes quantity and/or price of an open broker order.
	// Duplicate modify calls are idempotent by broker contract.
	Modify(ctx context.Context, brokerOrderID string, changes domain.OrderChanges) domain.LegOutcome

	// Cancel requests cancellation of an open broker order. Duplicate
	// cancel calls are idempotent by broker contract.
	Cancel(ctx context.Context, brokerOrderID string) domain.LegOutcome

	// Positions returns all current positions held at the brokerage.
	Positions(ctx context.Context) ([]domain.Position, error)

	// OpenStream starts the persistent event stream. Order-status events
	// are delivered on orders and price ticks on quotes, each in
	// per-broker arrival order. The stream runs until ctx is cancelled;
	// reconnection is the connector's own responsibility.
	OpenStream(ctx context.Context, orders chan<- domain.LegEvent, quotes chan<- domain.PriceTick) error

	// OnConnectionChange registers a callback invoked on every connection
	// state transition.
	OnConnectionChange(fn func(domain.ConnectionState))
}

// down returns the outcome used when an operation is attempted while the
// connector is not connected. No network call is made.
func down(op domain.LegOp, brokerID string) domain.LegOutcome {
	return domain.LegOutcome{
		Op:       op,
		BrokerID: brokerID,
		Kind:     domain.FailureConnectionDown,
		Message:  "not connected to broker",
	}
}
