// Package orchestrator duplicates order intents across every enabled
// broker, isolates per-broker failures, and exposes the aggregate views
// the dashboard reads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/broker"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/cache"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/config"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/event"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/ledger"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/store"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/util"
)

// ErrInvalidIntent wraps every intent validation failure.
var ErrInvalidIntent = errors.New("invalid order intent")

// ErrOrderNotFound is returned when neither the ledger nor the durable
// store knows the order.
var ErrOrderNotFound = ledger.ErrNotFound

// PositionSummary aggregates one instrument across all brokers.
type PositionSummary struct {
	Instrument  string          `json:"instrument"`
	NetQuantity int64           `json:"net_quantity"`
	PnL         decimal.Decimal `json:"pnl"`
	MTM         decimal.Decimal `json:"mtm"`
}

// Orchestrator coordinates order duplication across the broker registry.
type Orchestrator struct {
	engine   config.EngineConfig
	trading  config.TradingConfig
	registry *broker.Registry
	ledger   *ledger.Ledger
	events   *event.Broadcaster
	cache    *cache.Cache
	orders   store.OrderStore
	ticks    store.TickStore
	log      *slog.Logger

	legEvents chan domain.LegEvent
	quotes    chan domain.PriceTick
}

// New wires the orchestrator. orders and ticks may be nil to disable
// durable order records and the tick archive respectively.
func New(engine config.EngineConfig, trading config.TradingConfig, registry *broker.Registry,
	led *ledger.Ledger, events *event.Broadcaster, orders store.OrderStore, ticks store.TickStore,
	log *slog.Logger) *Orchestrator {

	o := &Orchestrator{
		engine:    engine,
		trading:   trading,
		registry:  registry,
		ledger:    led,
		events:    events,
		cache:     cache.New(),
		orders:    orders,
		ticks:     ticks,
		log:       log.With("component", "orchestrator"),
		legEvents: make(chan domain.LegEvent, 1024),
		quotes:    make(chan domain.PriceTick, 4096),
	}
	led.OnStateChange(func(ev domain.OrderStateChanged) { events.Publish(ev) })
	return o
}

// Start connects every enabled broker, opens their streams, and launches
// the merge and maintenance loops. Brokers that fail to connect are left
// disconnected; their legs fail per order instead of blocking startup.
func (o *Orchestrator) Start(ctx context.Context) {
	for _, conn := range o.registry.Enabled() {
		conn := conn
		conn.OnConnectionChange(func(s domain.ConnectionState) {
			o.log.Info("broker connection changed", "broker", conn.Name(), "state", s)
			o.events.Publish(domain.BrokerConnectionChanged{BrokerID: conn.Name(), State: s, At: time.Now()})
		})
		if err := conn.Connect(ctx); err != nil {
			o.log.Error("broker connect failed", "broker", conn.Name(), "error", err)
			continue
		}
		if err := conn.OpenStream(ctx, o.legEvents, o.quotes); err != nil {
			o.log.Error("broker stream failed", "broker", conn.Name(), "error", err)
		}
	}

	go o.mergeLoop(ctx)
	go o.maintenanceLoop(ctx)
}

// ---------------------------------------------------------------------------
// Order operations
// ---------------------------------------------------------------------------

// Submit validates the intent, creates the canonical order, and dispatches
// one placement per enabled broker concurrently. It returns as soon as
// dispatch has begun; leg results arrive asynchronously. Placement is
// never retried.
func (o *Orchestrator) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Order, error) {
	if err := o.validate(&intent); err != nil {
		return domain.Order{}, err
	}

	conns := o.registry.Enabled()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.Name())
	}

	order := o.ledger.Create(intent, ids)
	if err := o.ledger.BeginDispatch(order.ID); err != nil {
		return domain.Order{}, err
	}

	// Dispatch outlives the request; only the submit deadline bounds it.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.engine.SubmitTimeout())
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn broker.Connector) {
			defer wg.Done()
			legCtx, legCancel := context.WithTimeout(dispatchCtx, o.engine.PlaceTimeout())
			defer legCancel()

			out := conn.Place(legCtx, intent)
			if err := o.ledger.RecordLegOutcome(order.ID, out); err != nil {
				o.log.Error("recording place outcome", "order_id", order.ID, "broker", conn.Name(), "error", err)
			}
		}(conn)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	o.log.Info("order dispatched", "order_id", order.ID,
		"instrument", intent.Instrument, "side", intent.Side, "quantity", intent.Quantity,
		"brokers", len(conns))

	return o.ledger.Get(order.ID)
}

// Cancel requests cancellation of every cancellable leg, concurrently with
// bounded retries. A duplicate cancel finds no legs left to request and
// returns the current order unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	legs, err := o.ledger.BeginCancel(orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var wg sync.WaitGroup
	for _, leg := range legs {
		wg.Add(1)
		go func(leg domain.OrderLeg) {
			defer wg.Done()
			conn, ok := o.registry.Get(leg.BrokerID)
			if !ok {
				return
			}
			out := o.withRetry(ctx, func() domain.LegOutcome {
				return conn.Cancel(ctx, leg.BrokerOrderID)
			})
			if err := o.ledger.RecordLegOutcome(orderID, out); err != nil {
				o.log.Error("recording cancel outcome", "order_id", orderID, "broker", leg.BrokerID, "error", err)
			}
		}(leg)
	}
	wg.Wait()

	return o.ledger.Get(orderID)
}

// Modify applies quantity and/or price changes to every open leg,
// concurrently with bounded retries.
func (o *Orchestrator) Modify(ctx context.Context, orderID string, changes domain.OrderChanges) (domain.Order, error) {
	if changes.Quantity == nil && changes.Price == nil {
		return domain.Order{}, fmt.Errorf("%w: no changes given", ErrInvalidIntent)
	}
	if changes.Quantity != nil && *changes.Quantity <= 0 {
		return domain.Order{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	}
	if changes.Price != nil && changes.Price.Sign() <= 0 {
		return domain.Order{}, fmt.Errorf("%w: price must be positive", ErrInvalidIntent)
	}

	order, err := o.ledger.Get(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.State.Terminal() {
		return domain.Order{}, ledger.ErrTerminal
	}

	var wg sync.WaitGroup
	for _, leg := range order.Legs {
		if leg.BrokerOrderID == "" || leg.State.Terminal() {
			continue
		}
		wg.Add(1)
		go func(leg domain.OrderLeg) {
			defer wg.Done()
			conn, ok := o.registry.Get(leg.BrokerID)
			if !ok {
				return
			}
			out := o.withRetry(ctx, func() domain.LegOutcome {
				return conn.Modify(ctx, leg.BrokerOrderID, changes)
			})
			if err := o.ledger.RecordLegOutcome(orderID, out); err != nil {
				o.log.Error("recording modify outcome", "order_id", orderID, "broker", leg.BrokerID, "error", err)
			}
		}(leg)
	}
	wg.Wait()

	return o.ledger.Get(orderID)
}

// withRetry runs a modify or cancel call with exponential backoff. Broker
// rejections are final, and a downed connection fails the leg immediately
// rather than burning retries against a dead socket.
func (o *Orchestrator) withRetry(ctx context.Context, call func() domain.LegOutcome) domain.LegOutcome {
	var out domain.LegOutcome
	retryErr := util.Retry(ctx, o.engine.ModifyRetries, o.engine.RetryBaseDelay(), func() error {
		out = call()
		switch out.Kind {
		case domain.FailureNone:
			return nil
		case domain.FailureBrokerRejected, domain.FailureValidation, domain.FailureConnectionDown:
			return fmt.Errorf("%s: %w", out.Message, util.ErrPermanent)
		default:
			return errors.New(out.Message)
		}
	})
	if errors.Is(retryErr, context.Canceled) || errors.Is(retryErr, context.DeadlineExceeded) {
		out.Kind = domain.FailureTimeout
		out.Message = retryErr.Error()
	}
	return out
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetOrder returns the order from the ledger, falling back to the durable
// store for orders already evicted from memory.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := o.ledger.Get(orderID)
	if err == nil {
		return order, nil
	}
	if o.orders == nil {
		return domain.Order{}, err
	}
	rec, serr := o.orders.GetOrder(ctx, orderID)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, serr
	}
	return *rec, nil
}

// ListOrders returns in-memory orders matching the filter.
func (o *Orchestrator) ListOrders(f ledger.Filter) []domain.Order {
	return o.ledger.List(f)
}

// ListPositions returns every broker's open positions, cached briefly so a
// dashboard poll loop does not hammer the broker APIs.
func (o *Orchestrator) ListPositions(ctx context.Context) ([]domain.Position, error) {
	v, err := o.cache.GetOrCompute("positions", o.engine.PositionsCacheTTL(), func() (any, error) {
		return o.fetchPositions(ctx), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Position), nil
}

func (o *Orchestrator) fetchPositions(ctx context.Context) []domain.Position {
	conns := o.registry.Enabled()
	results := make([][]domain.Position, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn broker.Connector) {
			defer wg.Done()
			positions, err := conn.Positions(ctx)
			if err != nil {
				o.log.Warn("fetching positions", "broker", conn.Name(), "error", err)
				return
			}
			results[i] = positions
		}(i, conn)
	}
	wg.Wait()

	var out []domain.Position
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// PositionsSummary nets positions per instrument across all brokers.
func (o *Orchestrator) PositionsSummary(ctx context.Context) ([]PositionSummary, error) {
	positions, err := o.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	byInstrument := make(map[string]*PositionSummary)
	for _, p := range positions {
		s, ok := byInstrument[p.Instrument]
		if !ok {
			s = &PositionSummary{Instrument: p.Instrument}
			byInstrument[p.Instrument] = s
		}
		s.NetQuantity += p.Quantity
		s.PnL = s.PnL.Add(p.PnL)
		s.MTM = s.MTM.Add(p.MTM)
	}

	out := make([]PositionSummary, 0, len(byInstrument))
	for _, s := range byInstrument {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

// BrokerStatuses returns a briefly cached snapshot of every broker
// connection.
func (o *Orchestrator) BrokerStatuses() []domain.BrokerStatus {
	v, _ := o.cache.GetOrCompute("broker_statuses", o.engine.HealthCacheTTL(), func() (any, error) {
		return o.registry.Statuses(), nil
	})
	return v.([]domain.BrokerStatus)
}

// LastPrice returns the last traded price seen for the instrument on the
// primary quote stream.
func (o *Orchestrator) LastPrice(instrument string) (domain.PriceTick, bool) {
	return o.events.LastTick(instrument)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (o *Orchestrator) validate(intent *domain.OrderIntent) error {
	if intent.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", ErrInvalidIntent)
	}
	if len(o.trading.Instruments) > 0 {
		allowed := false
		for _, ins := range o.trading.Instruments {
			if ins == intent.Instrument {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: instrument %q is not tradeable", ErrInvalidIntent, intent.Instrument)
		}
	}
	if !intent.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, intent.Side)
	}
	if !intent.OrderType.Valid() {
		return fmt.Errorf("%w: order type %q", ErrInvalidIntent, intent.OrderType)
	}
	if intent.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	}
	if intent.OrderType != domain.OrderTypeMarket && intent.Price.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive for %s orders", ErrInvalidIntent, intent.OrderType)
	}
	if intent.Exchange == "" {
		intent.Exchange = o.trading.DefaultExchange
	}
	return nil
}

// ---------------------------------------------------------------------------
// Background loops
// ---------------------------------------------------------------------------

// mergeLoop feeds broker stream events into the ledger and price ticks
// into the broadcaster, and periodically flushes ticks to the archive.
func (o *Orchestrator) mergeLoop(ctx context.Context) {
	primary := primaryName(o.registry)
	var pending []domain.PriceTick
	flush := time.NewTicker(30 * time.Second)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			o.flushTicks(pending)
			return
		case ev := <-o.legEvents:
			o.ledger.ApplyStreamEvent(ev)
		case tick := <-o.quotes:
			o.events.PublishTick(tick)
			if o.ticks != nil && tick.SourceBroker == primary {
				pending = append(pending, tick)
			}
		case <-flush.C:
			o.flushTicks(pending)
			pending = nil
		}
	}
}

func (o *Orchestrator) flushTicks(ticks []domain.PriceTick) {
	if o.ticks == nil || len(ticks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.ticks.WriteTicks(ctx, ticks); err != nil {
		o.log.Error("archiving ticks", "count", len(ticks), "error", err)
	}
}

// maintenanceLoop evicts aged terminal orders from memory and purges their
// durable records past the retention window.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n := o.ledger.EvictTerminal(now); n > 0 {
				o.log.Info("evicted terminal orders", "count", n)
			}
			if o.orders != nil {
				n, err := o.orders.PurgeBefore(ctx, now.Add(-o.engine.Retention()))
				if err != nil {
					o.log.Error("purging order records", "error", err)
				} else if n > 0 {
					o.log.Info("purged order records", "count", n)
				}
			}
		}
	}
}

func primaryName(r *broker.Registry) string {
	if p := r.Primary(); p != nil {
		return p.Name()
	}
	return ""
}
