package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// Compile-time interface check.
var _ Connector = (*PaperConnector)(nil)

// PaperConnector implements the Connector interface for paper trading and
// tests. It tracks orders in memory, assigns its own broker order IDs, and
// emits synthetic status events on its stream without any network calls.
type PaperConnector struct {
	name string

	mu      sync.Mutex
	state   domain.ConnectionState
	nextID  int
	orders  map[string]*paperOrder
	onState func(domain.ConnectionState)

	// Fill behaviour and failure injection, adjustable in tests.
	autoFill  bool
	fillDelay time.Duration
	failNext  *domain.LegOutcome

	events chan domain.LegEvent
	quotes chan domain.PriceTick
}

type paperOrder struct {
	intent domain.OrderIntent
	state  domain.LegState
	filled int64
}

// NewPaperConnector creates a disconnected paper connector. Orders fill
// automatically after fillDelay unless auto-fill is disabled.
func NewPaperConnector(name string) *PaperConnector {
	return &PaperConnector{
		name:      name,
		state:     domain.ConnDisconnected,
		orders:    make(map[string]*paperOrder),
		autoFill:  true,
		fillDelay: 10 * time.Millisecond,
		events:    make(chan domain.LegEvent, 256),
		quotes:    make(chan domain.PriceTick, 256),
	}
}

// Name returns the broker identifier.
func (c *PaperConnector) Name() string { return c.name }

// State returns the current connection state.
func (c *PaperConnector) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect marks the paper session as connected.
func (c *PaperConnector) Connect(_ context.Context) error {
	c.setState(domain.ConnConnected)
	return nil
}

// Close marks the paper session as disconnected.
func (c *PaperConnector) Close() error {
	c.setState(domain.ConnDisconnected)
	return nil
}

// OnConnectionChange registers the state transition callback.
func (c *PaperConnector) OnConnectionChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *PaperConnector) setState(s domain.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// Place records the order, emits a PLACED event on the stream, and
// schedules a synthetic fill if auto-fill is enabled.
func (c *PaperConnector) Place(_ context.Context, intent domain.OrderIntent) domain.LegOutcome {
	c.mu.Lock()
	if c.state != domain.ConnConnected {
		c.mu.Unlock()
		return down(domain.OpPlace, c.name)
	}
	if f := c.failNext; f != nil {
		c.failNext = nil
		c.mu.Unlock()
		return domain.LegOutcome{Op: domain.OpPlace, BrokerID: c.name, Kind: f.Kind, Message: f.Message}
	}

	c.nextID++
	id := fmt.Sprintf("%s-%06d", c.name, c.nextID)
	c.orders[id] = &paperOrder{intent: intent, state: domain.LegPlaced}
	delay := c.fillDelay
	auto := c.autoFill
	c.mu.Unlock()

	c.emit(domain.LegEvent{
		BrokerID:      c.name,
		BrokerOrderID: id,
		State:         domain.LegPlaced,
		Timestamp:     time.Now(),
	})
	if auto {
		time.AfterFunc(delay, func() { c.fill(id) })
	}

	return domain.LegOutcome{Op: domain.OpPlace, BrokerID: c.name, BrokerOrderID: id}
}

// fill completes an open order at its limit price.
func (c *PaperConnector) fill(id string) {
	c.mu.Lock()
	o, ok := c.orders[id]
	if !ok || o.state.Terminal() {
		c.mu.Unlock()
		return
	}
	o.state = domain.LegFilled
	o.filled = o.intent.Quantity
	ev := domain.LegEvent{
		BrokerID:      c.name,
		BrokerOrderID: id,
		State:         domain.LegFilled,
		FilledQty:     o.filled,
		AvgFillPrice:  o.intent.Price,
		Timestamp:     time.Now(),
	}
	c.mu.Unlock()
	c.emit(ev)
}

// Modify updates quantity and/or price of an open order.
func (c *PaperConnector) Modify(_ context.Context, brokerOrderID string, changes domain.OrderChanges) domain.LegOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ConnConnected {
		return down(domain.OpModify, c.name)
	}
	o, ok := c.orders[brokerOrderID]
	if !ok {
		return domain.LegOutcome{
			Op: domain.OpModify, BrokerID: c.name, BrokerOrderID: brokerOrderID,
			Kind: domain.FailureBrokerRejected, Message: "unknown order",
		}
	}
	if o.state.Terminal() {
		return domain.LegOutcome{
			Op: domain.OpModify, BrokerID: c.name, BrokerOrderID: brokerOrderID,
			Kind: domain.FailureBrokerRejected, Message: "order is no longer open",
		}
	}
	if changes.Quantity != nil {
		o.intent.Quantity = *changes.Quantity
	}
	if changes.Price != nil {
		o.intent.Price = *changes.Price
	}
	return domain.LegOutcome{Op: domain.OpModify, BrokerID: c.name, BrokerOrderID: brokerOrderID}
}

// Cancel cancels an open order. Cancelling an already-cancelled order is
// accepted (broker cancel is idempotent); cancelling a filled order is
// rejected.
func (c *PaperConnector) Cancel(_ context.Context, brokerOrderID string) domain.LegOutcome {
	c.mu.Lock()
	if c.state != domain.ConnConnected {
		c.mu.Unlock()
		return down(domain.OpCancel, c.name)
	}
	o, ok := c.orders[brokerOrderID]
	if !ok {
		c.mu.Unlock()
		return domain.LegOutcome{
			Op: domain.OpCancel, BrokerID: c.name, BrokerOrderID: brokerOrderID,
			Kind: domain.FailureBrokerRejected, Message: "unknown order",
		}
	}
	if o.state == domain.LegCancelled {
		c.mu.Unlock()
		return domain.LegOutcome{Op: domain.OpCancel, BrokerID: c.name, BrokerOrderID: brokerOrderID}
	}
	if o.state == domain.LegFilled {
		c.mu.Unlock()
		return domain.LegOutcome{
			Op: domain.OpCancel, BrokerID: c.name, BrokerOrderID: brokerOrderID,
			Kind: domain.FailureBrokerRejected, Message: "order already filled",
		}
	}
	o.state = domain.LegCancelled
	ev := domain.LegEvent{
		BrokerID:      c.name,
		BrokerOrderID: brokerOrderID,
		State:         domain.LegCancelled,
		FilledQty:     o.filled,
		Timestamp:     time.Now(),
	}
	c.mu.Unlock()
	c.emit(ev)
	return domain.LegOutcome{Op: domain.OpCancel, BrokerID: c.name, BrokerOrderID: brokerOrderID}
}

// Positions aggregates filled paper orders into net positions.
func (c *PaperConnector) Positions(_ context.Context) ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ConnConnected {
		return nil, fmt.Errorf("paper broker %s: not connected", c.name)
	}

	net := make(map[string]*domain.Position)
	for _, o := range c.orders {
		if o.filled == 0 {
			continue
		}
		p, ok := net[o.intent.Instrument]
		if !ok {
			p = &domain.Position{BrokerID: c.name, Instrument: o.intent.Instrument, AveragePrice: o.intent.Price}
			net[o.intent.Instrument] = p
		}
		if o.intent.Side == domain.SideBuy {
			p.Quantity += o.filled
		} else {
			p.Quantity -= o.filled
		}
		p.CurrentPrice = o.intent.Price
	}

	out := make([]domain.Position, 0, len(net))
	for _, p := range net {
		out = append(out, *p)
	}
	return out, nil
}

// OpenStream forwards order events and price ticks until ctx is cancelled.
func (c *PaperConnector) OpenStream(ctx context.Context, orders chan<- domain.LegEvent, quotes chan<- domain.PriceTick) error {
	if c.State() != domain.ConnConnected {
		return fmt.Errorf("paper broker %s: not connected", c.name)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-c.events:
				select {
				case orders <- ev:
				case <-ctx.Done():
					return
				}
			case tick := <-c.quotes:
				select {
				case quotes <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (c *PaperConnector) emit(ev domain.LegEvent) {
	select {
	case c.events <- ev:
	default:
		// Stream consumer is gone; drop rather than block order calls.
	}
}

// PublishTick injects a price tick into the paper quote stream.
func (c *PaperConnector) PublishTick(tick domain.PriceTick) {
	tick.SourceBroker = c.name
	select {
	case c.quotes <- tick:
	default:
	}
}

// ---------------------------------------------------------------------------
// Test knobs
// ---------------------------------------------------------------------------

// SetAutoFill toggles automatic fills of placed orders.
func (c *PaperConnector) SetAutoFill(on bool) {
	c.mu.Lock()
	c.autoFill = on
	c.mu.Unlock()
}

// SetFillDelay adjusts how long after placement a synthetic fill arrives.
func (c *PaperConnector) SetFillDelay(d time.Duration) {
	c.mu.Lock()
	c.fillDelay = d
	c.mu.Unlock()
}

// FailNextPlace makes the next Place call fail with the given kind.
func (c *PaperConnector) FailNextPlace(kind domain.FailureKind, message string) {
	c.mu.Lock()
	c.failNext = &domain.LegOutcome{Kind: kind, Message: message}
	c.mu.Unlock()
}
