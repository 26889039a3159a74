package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/util"
)

// Compile-time interface check.
var _ Connector = (*AlpacaConnector)(nil)

// AlpacaConnector implements the Connector interface using the Alpaca
// brokerage API: REST for order operations and positions, the trade-update
// stream for order events, and the market-data stream for price ticks.
type AlpacaConnector struct {
	name        string
	client      *alpaca.Client
	apiKey      string
	apiSecret   string
	instruments []string
	limiter     *util.RateLimiter
	log         *slog.Logger

	mu      sync.Mutex
	state   domain.ConnectionState
	onState func(domain.ConnectionState)
}

// NewAlpacaConnector creates an Alpaca connector with the given credentials
// and the instruments whose price ticks it should stream.
func NewAlpacaConnector(name, apiKey, apiSecret, baseURL string, instruments []string, rateLimitPerMin int, log *slog.Logger) *AlpacaConnector {
	if rateLimitPerMin <= 0 {
		rateLimitPerMin = 200
	}
	return &AlpacaConnector{
		name: name,
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		instruments: instruments,
		limiter:     util.NewRateLimiter(rateLimitPerMin),
		state:       domain.ConnDisconnected,
		log:         log.With("broker", name),
	}
}

// Name returns the broker identifier.
func (c *AlpacaConnector) Name() string { return c.name }

// State returns the current connection state.
func (c *AlpacaConnector) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnConnectionChange registers the state transition callback.
func (c *AlpacaConnector) OnConnectionChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *AlpacaConnector) setState(s domain.ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// Connect verifies the credentials by fetching the account.
func (c *AlpacaConnector) Connect(ctx context.Context) error {
	c.setState(domain.ConnConnecting)
	if err := c.limiter.Wait(ctx); err != nil {
		c.setState(domain.ConnDisconnected)
		return err
	}
	acct, err := call(ctx, func() (*alpaca.Account, error) { return c.client.GetAccount() })
	if err != nil {
		c.setState(domain.ConnDisconnected)
		return err
	}
	c.setState(domain.ConnConnected)
	c.log.Info("connected to alpaca", "account", acct.AccountNumber)
	return nil
}

// Close marks the session disconnected. Stream goroutines stop when their
// context is cancelled.
func (c *AlpacaConnector) Close() error {
	c.setState(domain.ConnDisconnected)
	return nil
}

// Place submits one order to Alpaca.
func (c *AlpacaConnector) Place(ctx context.Context, intent domain.OrderIntent) domain.LegOutcome {
	if c.State() != domain.ConnConnected {
		return down(domain.OpPlace, c.name)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.failure(domain.OpPlace, "", err)
	}

	qty := decimal.NewFromInt(intent.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      intent.Instrument,
		Qty:         &qty,
		Side:        alpacaSide(intent.Side),
		Type:        alpacaType(intent.OrderType),
		TimeInForce: alpaca.Day,
	}
	switch intent.OrderType {
	case domain.OrderTypeLimit:
		req.LimitPrice = &intent.Price
	case domain.OrderTypeStopLoss:
		req.LimitPrice = &intent.Price
		req.StopPrice = &intent.Price
	case domain.OrderTypeStopLossMarket:
		req.StopPrice = &intent.Price
	}

	order, err := call(ctx, func() (*alpaca.Order, error) { return c.client.PlaceOrder(req) })
	if err != nil {
		return c.failure(domain.OpPlace, "", err)
	}
	return domain.LegOutcome{Op: domain.OpPlace, BrokerID: c.name, BrokerOrderID: order.ID}
}

// Modify replaces quantity and/or limit price of an open order.
func (c *AlpacaConnector) Modify(ctx context.Context, brokerOrderID string, changes domain.OrderChanges) domain.LegOutcome {
	if c.State() != domain.ConnConnected {
		return down(domain.OpModify, c.name)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.failure(domain.OpModify, brokerOrderID, err)
	}

	req := alpaca.ReplaceOrderRequest{}
	if changes.Quantity != nil {
		qty := decimal.NewFromInt(*changes.Quantity)
		req.Qty = &qty
	}
	if changes.Price != nil {
		req.LimitPrice = changes.Price
	}

	order, err := call(ctx, func() (*alpaca.Order, error) { return c.client.ReplaceOrder(brokerOrderID, req) })
	if err != nil {
		return c.failure(domain.OpModify, brokerOrderID, err)
	}
	// Alpaca assigns a new order ID on replace; report it so the leg can
	// track subsequent stream events.
	return domain.LegOutcome{Op: domain.OpModify, BrokerID: c.name, BrokerOrderID: order.ID}
}

// Cancel requests cancellation of an open order. A 422 for an order that is
// already done is treated as idempotent success.
func (c *AlpacaConnector) Cancel(ctx context.Context, brokerOrderID string) domain.LegOutcome {
	if c.State() != domain.ConnConnected {
		return down(domain.OpCancel, c.name)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return c.failure(domain.OpCancel, brokerOrderID, err)
	}

	if _, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.client.CancelOrder(brokerOrderID)
	}); err != nil {
		return c.failure(domain.OpCancel, brokerOrderID, err)
	}
	return domain.LegOutcome{Op: domain.OpCancel, BrokerID: c.name, BrokerOrderID: brokerOrderID}
}

// Positions returns all current positions from the Alpaca account.
func (c *AlpacaConnector) Positions(ctx context.Context) ([]domain.Position, error) {
	if c.State() != domain.ConnConnected {
		return nil, errors.New("not connected to broker")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	positions, err := call(ctx, func() ([]alpaca.Position, error) { return c.client.GetPositions() })
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		pos := domain.Position{
			BrokerID:     c.name,
			Instrument:   p.Symbol,
			Quantity:     p.Qty.IntPart(),
			AveragePrice: p.AvgEntryPrice,
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = *p.CurrentPrice
		}
		if p.UnrealizedPL != nil {
			pos.PnL = *p.UnrealizedPL
			pos.MTM = *p.UnrealizedPL
		}
		out = append(out, pos)
	}
	return out, nil
}

// OpenStream starts the trade-update stream for order events and the
// market-data trade stream for price ticks. Both reconnect with backoff
// until ctx is cancelled.
func (c *AlpacaConnector) OpenStream(ctx context.Context, orders chan<- domain.LegEvent, quotes chan<- domain.PriceTick) error {
	if c.State() != domain.ConnConnected {
		return errors.New("not connected to broker")
	}

	// Order events.
	go func() {
		for ctx.Err() == nil {
			err := c.client.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
				if ev, ok := c.legEvent(tu); ok {
					select {
					case orders <- ev:
					case <-ctx.Done():
					}
				}
			}, alpaca.StreamTradeUpdatesRequest{})
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("trade update stream dropped, reconnecting", "error", err)
			c.setState(domain.ConnDegraded)
			if err := util.Retry(ctx, 5, time.Second, func() error { return c.Connect(ctx) }); err != nil {
				c.log.Error("trade update stream reconnect failed", "error", err)
				c.setState(domain.ConnDisconnected)
				return
			}
		}
	}()

	// Price ticks.
	go func() {
		for ctx.Err() == nil {
			sc := stream.NewStocksClient(marketdata.IEX,
				stream.WithCredentials(c.apiKey, c.apiSecret),
			)
			if err := sc.Connect(ctx); err != nil {
				c.log.Warn("market data stream connect failed", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			err := sc.SubscribeToTrades(func(t stream.Trade) {
				tick := domain.PriceTick{
					Instrument:   t.Symbol,
					LastPrice:    decimal.NewFromFloat(t.Price),
					Volume:       int64(t.Size),
					Timestamp:    t.Timestamp,
					SourceBroker: c.name,
				}
				select {
				case quotes <- tick:
				case <-ctx.Done():
				}
			}, c.instruments...)
			if err != nil {
				c.log.Warn("trade subscription failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case err := <-sc.Terminated():
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("market data stream terminated, reconnecting", "error", err)
			}
		}
	}()

	return nil
}

// legEvent maps an Alpaca trade update onto a leg event. Updates that do
// not change leg state (e.g. pending_new) are skipped.
func (c *AlpacaConnector) legEvent(tu alpaca.TradeUpdate) (domain.LegEvent, bool) {
	var state domain.LegState
	switch tu.Event {
	case "new", "accepted", "replaced":
		state = domain.LegPlaced
	case "partial_fill":
		state = domain.LegPartiallyFilled
	case "fill":
		state = domain.LegFilled
	case "canceled":
		state = domain.LegCancelled
	case "rejected":
		state = domain.LegRejected
	case "expired":
		state = domain.LegCancelled
	default:
		return domain.LegEvent{}, false
	}

	ev := domain.LegEvent{
		BrokerID:      c.name,
		BrokerOrderID: tu.Order.ID,
		State:         state,
		Timestamp:     tu.At,
	}
	ev.FilledQty = tu.Order.FilledQty.IntPart()
	if tu.Order.FilledAvgPrice != nil {
		ev.AvgFillPrice = *tu.Order.FilledAvgPrice
	}
	return ev, true
}

// call runs one SDK call off the caller's goroutine so a hung broker API
// cannot block past the context deadline. On timeout the call keeps
// running in the background and its eventual effect, if any, arrives on
// the trade-update stream.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

// failure maps an Alpaca error onto the engine failure taxonomy.
func (c *AlpacaConnector) failure(op domain.LegOp, brokerOrderID string, err error) domain.LegOutcome {
	out := domain.LegOutcome{Op: op, BrokerID: c.name, BrokerOrderID: brokerOrderID, Message: err.Error()}

	var apiErr *alpaca.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = domain.FailureTimeout
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= 500 {
			out.Kind = domain.FailureConnectionDown
		} else {
			out.Kind = domain.FailureBrokerRejected
		}
	default:
		out.Kind = domain.FailureConnectionDown
	}
	return out
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeMarket:
		return alpaca.Market
	case domain.OrderTypeStopLoss:
		return alpaca.StopLimit
	case domain.OrderTypeStopLossMarket:
		return alpaca.Stop
	default:
		return alpaca.Limit
	}
}
