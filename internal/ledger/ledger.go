// Package ledger owns the canonical Order entity. It merges synchronous
// per-broker outcomes and asynchronous stream events into one order state
// machine and is the single source of truth for order state.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

var (
	// ErrNotFound is returned when no order exists for the given ID.
	ErrNotFound = errors.New("order not found")
	// ErrTerminal is returned when a mutation targets an order that has
	// already reached a terminal state.
	ErrTerminal = errors.New("order is in a terminal state")
)

// RecordStore persists terminal orders. Implemented by store.SQLiteStore.
type RecordStore interface {
	SaveOrder(ctx context.Context, order *domain.Order) error
}

// Ledger holds all live orders in memory. Mutations are serialized per
// order via a per-order mutex; different orders never contend.
type Ledger struct {
	mu     sync.RWMutex
	orders map[string]*orderEntry
	index  map[brokerKey]string // (broker_id, broker_order_id) → order_id

	sink      func(domain.OrderStateChanged)
	records   RecordStore
	retention time.Duration
	log       *slog.Logger
}

type orderEntry struct {
	mu    sync.Mutex
	order domain.Order
}

type brokerKey struct {
	brokerID      string
	brokerOrderID string
}

// New creates a ledger. records may be nil (no durable persistence);
// terminal orders are then only held until eviction.
func New(records RecordStore, retention time.Duration, log *slog.Logger) *Ledger {
	return &Ledger{
		orders:    make(map[string]*orderEntry),
		index:     make(map[brokerKey]string),
		records:   records,
		retention: retention,
		log:       log.With("component", "ledger"),
	}
}

// OnStateChange registers the sink invoked on every canonical state change.
// The sink is called while the per-order lock is held and must not block.
func (l *Ledger) OnStateChange(fn func(domain.OrderStateChanged)) {
	l.sink = fn
}

// ---------------------------------------------------------------------------
// Creation and dispatch
// ---------------------------------------------------------------------------

// Create builds a canonical order in state PENDING with one leg per broker,
// in the given order. Every leg gets a unique broker.
func (l *Ledger) Create(intent domain.OrderIntent, brokerIDs []string) domain.Order {
	now := time.Now()
	legs := make([]domain.OrderLeg, 0, len(brokerIDs))
	for _, id := range brokerIDs {
		legs = append(legs, domain.OrderLeg{BrokerID: id, State: domain.LegPending, UpdatedAt: now})
	}

	o := domain.Order{
		ID:         uuid.NewString(),
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		Price:      intent.Price,
		OrderType:  intent.OrderType,
		Exchange:   intent.Exchange,
		State:      domain.StatePending,
		Legs:       legs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	l.mu.Lock()
	l.orders[o.ID] = &orderEntry{order: o}
	l.mu.Unlock()

	return snapshot(&o)
}

// BeginDispatch marks every leg in-flight and moves the order to
// DISPATCHING.
func (l *Ledger) BeginDispatch(orderID string) error {
	return l.mutate(orderID, func(o *domain.Order) error {
		for i := range o.Legs {
			if o.Legs[i].State == domain.LegPending {
				o.Legs[i].State = domain.LegDispatching
				o.Legs[i].UpdatedAt = time.Now()
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Merging outcomes and stream events
// ---------------------------------------------------------------------------

// RecordLegOutcome applies the synchronous result of one broker call to the
// order's leg for that broker.
func (l *Ledger) RecordLegOutcome(orderID string, out domain.LegOutcome) error {
	var replacedID string
	err := l.mutate(orderID, func(o *domain.Order) error {
		leg := o.Leg(out.BrokerID)
		if leg == nil {
			return ErrNotFound
		}
		now := time.Now()

		switch out.Op {
		case domain.OpPlace:
			if out.OK() {
				leg.BrokerOrderID = out.BrokerOrderID
				if legRank(leg.State) < legRank(domain.LegPlaced) {
					leg.State = domain.LegPlaced
				}
			} else {
				leg.LastError = out.Message
				leg.State = failedLegState(out.Kind)
			}
		case domain.OpModify:
			if out.OK() {
				// A replace may assign a fresh broker order ID.
				if out.BrokerOrderID != "" && out.BrokerOrderID != leg.BrokerOrderID {
					replacedID = leg.BrokerOrderID
					leg.BrokerOrderID = out.BrokerOrderID
				}
				leg.LastError = ""
			} else {
				leg.LastError = out.Message
			}
		case domain.OpCancel:
			if out.OK() {
				if !leg.State.Terminal() {
					leg.State = domain.LegCancelled
				}
			} else {
				leg.LastError = out.Message
				leg.CancelRequested = false
			}
		}
		leg.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}

	if out.OK() && (out.BrokerOrderID != "" || replacedID != "") {
		l.mu.Lock()
		if replacedID != "" {
			delete(l.index, brokerKey{out.BrokerID, replacedID})
		}
		if out.BrokerOrderID != "" {
			l.index[brokerKey{out.BrokerID, out.BrokerOrderID}] = orderID
		}
		l.mu.Unlock()
	}
	return nil
}

// RecordLegEvent applies an asynchronous stream event to the order's leg
// for that broker. A decreasing filled quantity is a merge conflict: it is
// logged and discarded, never applied (broker streams may redeliver).
func (l *Ledger) RecordLegEvent(orderID string, ev domain.LegEvent) error {
	return l.mutate(orderID, func(o *domain.Order) error {
		leg := o.Leg(ev.BrokerID)
		if leg == nil {
			return ErrNotFound
		}

		if ev.FilledQty < leg.FilledQty {
			l.log.Warn("discarding out-of-order fill event",
				"order_id", o.ID,
				"broker_id", ev.BrokerID,
				"kind", domain.FailureMergeConflict,
				"have_filled", leg.FilledQty,
				"event_filled", ev.FilledQty)
			return nil
		}
		if leg.State.Terminal() && ev.State != leg.State {
			l.log.Warn("discarding event for terminal leg",
				"order_id", o.ID, "broker_id", ev.BrokerID, "event_state", ev.State)
			return nil
		}

		if leg.BrokerOrderID == "" && ev.BrokerOrderID != "" {
			// Stream beat the synchronous outcome; adopt the broker's ID.
			leg.BrokerOrderID = ev.BrokerOrderID
		}
		if legRank(ev.State) >= legRank(leg.State) || ev.State.Terminal() {
			leg.State = ev.State
		}
		leg.FilledQty = ev.FilledQty
		if !ev.AvgFillPrice.IsZero() {
			leg.AvgFillPrice = ev.AvgFillPrice
		}
		leg.UpdatedAt = ev.Timestamp
		return nil
	})
}

// ApplyStreamEvent resolves the canonical order for a stream event by
// (broker_id, broker_order_id) and applies it. Events for unknown broker
// orders are dropped.
func (l *Ledger) ApplyStreamEvent(ev domain.LegEvent) {
	l.mu.RLock()
	orderID, ok := l.index[brokerKey{ev.BrokerID, ev.BrokerOrderID}]
	l.mu.RUnlock()
	if !ok {
		l.log.Debug("stream event for unknown broker order",
			"broker_id", ev.BrokerID, "broker_order_id", ev.BrokerOrderID)
		return
	}
	if err := l.RecordLegEvent(orderID, ev); err != nil {
		l.log.Warn("applying stream event", "order_id", orderID, "error", err)
	}
}

// BeginCancel atomically selects the legs that can be cancelled and marks
// them cancel-requested, so a second concurrent cancel of the same order
// finds nothing left to do.
func (l *Ledger) BeginCancel(orderID string) ([]domain.OrderLeg, error) {
	var selected []domain.OrderLeg
	err := l.mutate(orderID, func(o *domain.Order) error {
		for i := range o.Legs {
			leg := &o.Legs[i]
			if leg.State.Terminal() || leg.CancelRequested || leg.BrokerOrderID == "" {
				continue
			}
			leg.CancelRequested = true
			selected = append(selected, *leg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selected, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Filter restricts List results. Zero-valued fields match everything.
type Filter struct {
	States     []domain.OrderState
	Instrument string
	Since      time.Time
}

func (f Filter) matches(o *domain.Order) bool {
	if f.Instrument != "" && o.Instrument != f.Instrument {
		return false
	}
	if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if o.State == s {
				return true
			}
		}
		return false
	}
	return true
}

// Get returns a snapshot of the order.
func (l *Ledger) Get(orderID string) (domain.Order, error) {
	l.mu.RLock()
	e, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return domain.Order{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.order), nil
}

// List returns snapshots of all orders matching the filter, newest first.
func (l *Ledger) List(f Filter) []domain.Order {
	l.mu.RLock()
	entries := make([]*orderEntry, 0, len(l.orders))
	for _, e := range l.orders {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var out []domain.Order
	for _, e := range entries {
		e.mu.Lock()
		if f.matches(&e.order) {
			out = append(out, snapshot(&e.order))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

// EvictTerminal removes terminal orders older than the retention window
// from memory. Durable records are purged by an external maintenance task,
// not here. Returns the number of evicted orders.
func (l *Ledger) EvictTerminal(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for id, e := range l.orders {
		e.mu.Lock()
		gone := e.order.State.Terminal() && e.order.UpdatedAt.Before(cutoff)
		if gone {
			for i := range e.order.Legs {
				leg := e.order.Legs[i]
				if leg.BrokerOrderID != "" {
					delete(l.index, brokerKey{leg.BrokerID, leg.BrokerOrderID})
				}
			}
			delete(l.orders, id)
			evicted++
		}
		e.mu.Unlock()
	}
	return evicted
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// mutate runs fn under the per-order lock, recomputes the canonical state,
// and emits a state-change event if it moved. Terminal orders are
// immutable.
func (l *Ledger) mutate(orderID string, fn func(*domain.Order) error) error {
	l.mu.RLock()
	e, ok := l.orders[orderID]
	l.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.order.State.Terminal() {
		return ErrTerminal
	}
	if err := fn(&e.order); err != nil {
		return err
	}

	old := e.order.State
	e.order.State = domain.DeriveState(e.order.Legs)
	if e.order.State == old {
		return nil
	}
	e.order.UpdatedAt = time.Now()

	l.log.Info("order state changed",
		"order_id", e.order.ID, "old_state", old, "new_state", e.order.State)

	if l.sink != nil {
		l.sink(domain.OrderStateChanged{
			OrderID:  e.order.ID,
			OldState: old,
			NewState: e.order.State,
			Legs:     append([]domain.OrderLeg(nil), e.order.Legs...),
			At:       e.order.UpdatedAt,
		})
	}
	if e.order.State.Terminal() && l.records != nil {
		rec := snapshot(&e.order)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.records.SaveOrder(ctx, &rec); err != nil {
				l.log.Error("persisting terminal order", "order_id", rec.ID, "error", err)
			}
		}()
	}
	return nil
}

func snapshot(o *domain.Order) domain.Order {
	cp := *o
	cp.Legs = append([]domain.OrderLeg(nil), o.Legs...)
	return cp
}

// legRank orders leg states by progress so redelivered events never move a
// leg backwards.
func legRank(s domain.LegState) int {
	switch s {
	case domain.LegPending:
		return 0
	case domain.LegDispatching:
		return 1
	case domain.LegUnknown:
		return 2
	case domain.LegPlaced:
		return 3
	case domain.LegPartiallyFilled:
		return 4
	default: // terminal
		return 5
	}
}

func failedLegState(kind domain.FailureKind) domain.LegState {
	switch kind {
	case domain.FailureValidation, domain.FailureBrokerRejected:
		return domain.LegRejected
	case domain.FailureTimeout:
		return domain.LegUnknown
	default:
		return domain.LegFailed
	}
}
