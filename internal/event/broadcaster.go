// Package event fans order, broker, and price events out to subscribers.
// Events are batched on a short window and delivered to each subscriber on
// a bounded queue; a slow subscriber loses its oldest batches, never the
// publishers.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

// Broadcaster collects events from the orchestrator, the ledger, and the
// primary quote stream, batches them, and fans batches out to subscribers.
type Broadcaster struct {
	primarySource string
	window        time.Duration
	depth         int
	log           *slog.Logger

	in chan domain.Event

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
	ltp  map[string]domain.PriceTick
}

// Subscriber is one consumer of event batches. Batches arrive on Events()
// in publish order; when the queue is full the oldest batch is dropped.
type Subscriber struct {
	ch      chan []domain.Event
	dropped int64
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan []domain.Event { return s.ch }

// New creates a broadcaster. primarySource names the broker whose price
// ticks are accepted; ticks from every other source are dropped at
// ingestion. window is the batching interval and depth the per-subscriber
// queue size in batches.
func New(primarySource string, window time.Duration, depth int, log *slog.Logger) *Broadcaster {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	if depth <= 0 {
		depth = 256
	}
	return &Broadcaster{
		primarySource: primarySource,
		window:        window,
		depth:         depth,
		log:           log.With("component", "broadcaster"),
		in:            make(chan domain.Event, 4096),
		subs:          make(map[*Subscriber]struct{}),
		ltp:           make(map[string]domain.PriceTick),
	}
}

// Start runs the batching loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

// Publish enqueues an event for delivery. It never blocks; if the ingest
// queue is full the event is dropped and counted in the log.
func (b *Broadcaster) Publish(ev domain.Event) {
	select {
	case b.in <- ev:
	default:
		b.log.Warn("ingest queue full, dropping event", "type", ev.EventType())
	}
}

// PublishTick enqueues a price tick. Ticks from any source other than the
// primary quote broker are dropped here, before batching or LTP tracking.
func (b *Broadcaster) PublishTick(tick domain.PriceTick) {
	if tick.SourceBroker != b.primarySource {
		return
	}
	b.mu.Lock()
	b.ltp[tick.Instrument] = tick
	b.mu.Unlock()
	b.Publish(tick)
}

// LastTick returns the most recent tick seen for the instrument.
func (b *Broadcaster) LastTick(instrument string) (domain.PriceTick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tick, ok := b.ltp[instrument]
	return tick, ok
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan []domain.Event, b.depth)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

func (b *Broadcaster) run(ctx context.Context) {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	var pending []domain.Event
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for s := range b.subs {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
			return
		case ev := <-b.in:
			pending = append(pending, ev)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			b.deliver(pending)
			pending = nil
		}
	}
}

// deliver hands one batch to every subscriber. Publish order within the
// batch is arrival order. A full subscriber queue sheds its oldest batch.
func (b *Broadcaster) deliver(batch []domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- batch:
		default:
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
			select {
			case s.ch <- batch:
			default:
				s.dropped++
			}
		}
	}
}
