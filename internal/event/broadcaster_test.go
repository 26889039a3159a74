package event

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tick(source, instrument, price string) domain.PriceTick {
	return domain.PriceTick{
		Instrument:   instrument,
		LastPrice:    decimal.RequireFromString(price),
		Timestamp:    time.Now(),
		SourceBroker: source,
	}
}

func recvBatch(t *testing.T, s *Subscriber) []domain.Event {
	t.Helper()
	select {
	case batch := <-s.Events():
		return batch
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
		return nil
	}
}

func TestBatchPreservesPublishOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New("broker1", 10*time.Millisecond, 8, testLogger())
	b.Start(ctx)
	sub := b.Subscribe()

	b.Publish(domain.OrderStateChanged{OrderID: "o1", NewState: domain.StateDispatching})
	b.Publish(domain.OrderStateChanged{OrderID: "o1", NewState: domain.StatePlaced})
	b.Publish(domain.OrderStateChanged{OrderID: "o1", NewState: domain.StateFilled})

	var got []domain.OrderState
	for len(got) < 3 {
		for _, ev := range recvBatch(t, sub) {
			sc, ok := ev.(domain.OrderStateChanged)
			if !ok {
				t.Fatalf("unexpected event type %T", ev)
			}
			got = append(got, sc.NewState)
		}
	}

	want := []domain.OrderState{domain.StateDispatching, domain.StatePlaced, domain.StateFilled}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNonPrimaryTicksDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := New("broker1", 10*time.Millisecond, 8, testLogger())
	b.Start(ctx)
	sub := b.Subscribe()

	b.PublishTick(tick("broker2", "NIFTY-FUT", "100.00"))
	b.PublishTick(tick("broker1", "NIFTY-FUT", "101.00"))

	batch := recvBatch(t, sub)
	if len(batch) != 1 {
		t.Fatalf("len(batch) = %d, want 1 (non-primary tick must be dropped)", len(batch))
	}
	got := batch[0].(domain.PriceTick)
	if got.SourceBroker != "broker1" || !got.LastPrice.Equal(decimal.RequireFromString("101.00")) {
		t.Errorf("delivered tick = %+v, want the primary tick at 101.00", got)
	}
}

func TestLastTickTracksPrimaryOnly(t *testing.T) {
	b := New("broker1", 10*time.Millisecond, 8, testLogger())

	b.PublishTick(tick("broker1", "NIFTY-FUT", "101.00"))
	b.PublishTick(tick("broker2", "NIFTY-FUT", "999.00"))

	got, ok := b.LastTick("NIFTY-FUT")
	if !ok {
		t.Fatal("LastTick returned no tick")
	}
	if !got.LastPrice.Equal(decimal.RequireFromString("101.00")) {
		t.Errorf("last price = %v, want 101.00 (non-primary tick leaked in)", got.LastPrice)
	}
	if _, ok := b.LastTick("BANKNIFTY-FUT"); ok {
		t.Error("LastTick for unseen instrument reported a tick")
	}
}

func TestSlowSubscriberLosesOldestBatch(t *testing.T) {
	b := New("broker1", 10*time.Millisecond, 2, testLogger())
	sub := b.Subscribe()

	// Deliver directly so each event is its own batch and the queue of
	// depth 2 overflows without a reader.
	for i := 0; i < 4; i++ {
		b.deliver([]domain.Event{domain.OrderStateChanged{OrderID: "o1", NewState: orderStateForIndex(i)}})
	}

	first := <-sub.Events()
	got := first[0].(domain.OrderStateChanged).NewState
	if got == domain.StateDispatching {
		t.Error("oldest batch survived a full queue, want drop-oldest")
	}
	if sub.dropped == 0 {
		t.Error("dropped counter not incremented")
	}
}

func orderStateForIndex(i int) domain.OrderState {
	states := []domain.OrderState{
		domain.StateDispatching, domain.StatePlaced,
		domain.StatePartiallyFilled, domain.StateFilled,
	}
	return states[i%len(states)]
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New("broker1", 10*time.Millisecond, 8, testLogger())
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, open := <-sub.Events(); open {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(sub) // second call must be harmless
}

func TestStopClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := New("broker1", 10*time.Millisecond, 8, testLogger())
	b.Start(ctx)
	sub := b.Subscribe()

	cancel()

	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected closed channel after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed after shutdown")
	}
}
