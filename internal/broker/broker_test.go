package broker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
)

func testIntent() domain.OrderIntent {
	return domain.OrderIntent{
		Instrument: "NIFTY-FUT",
		Side:       domain.SideBuy,
		Quantity:   25,
		Price:      decimal.RequireFromString("150.50"),
		OrderType:  domain.OrderTypeLimit,
		Exchange:   "NFO",
	}
}

func TestPaperPlaceAndFill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewPaperConnector("broker1")
	c.SetFillDelay(5 * time.Millisecond)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	orders := make(chan domain.LegEvent, 16)
	quotes := make(chan domain.PriceTick, 16)
	if err := c.OpenStream(ctx, orders, quotes); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	out := c.Place(ctx, testIntent())
	if !out.OK() {
		t.Fatalf("Place failed: %+v", out)
	}
	if out.BrokerOrderID == "" {
		t.Fatal("Place did not assign a broker order ID")
	}

	// First a PLACED event, then a FILLED event with the full quantity.
	ev := recvEvent(t, orders)
	if ev.State != domain.LegPlaced || ev.BrokerOrderID != out.BrokerOrderID {
		t.Fatalf("first event = %+v, want PLACED for %s", ev, out.BrokerOrderID)
	}
	ev = recvEvent(t, orders)
	if ev.State != domain.LegFilled {
		t.Fatalf("second event state = %v, want FILLED", ev.State)
	}
	if ev.FilledQty != 25 {
		t.Errorf("filled qty = %d, want 25", ev.FilledQty)
	}
	if !ev.AvgFillPrice.Equal(decimal.RequireFromString("150.50")) {
		t.Errorf("avg fill price = %v, want 150.50", ev.AvgFillPrice)
	}
}

func TestPaperPlaceWhileDisconnected(t *testing.T) {
	c := NewPaperConnector("broker1")
	out := c.Place(context.Background(), testIntent())
	if out.Kind != domain.FailureConnectionDown {
		t.Errorf("outcome kind = %v, want CONNECTION_DOWN", out.Kind)
	}
}

func TestPaperFailNextPlace(t *testing.T) {
	ctx := context.Background()
	c := NewPaperConnector("broker1")
	c.Connect(ctx)
	c.FailNextPlace(domain.FailureBrokerRejected, "margin exceeded")

	out := c.Place(ctx, testIntent())
	if out.Kind != domain.FailureBrokerRejected || out.Message != "margin exceeded" {
		t.Errorf("outcome = %+v, want injected rejection", out)
	}

	// The injected failure is consumed; the next place succeeds.
	out = c.Place(ctx, testIntent())
	if !out.OK() {
		t.Errorf("second Place = %+v, want success", out)
	}
}

func TestPaperCancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewPaperConnector("broker1")
	c.SetAutoFill(false)
	c.Connect(ctx)

	out := c.Place(ctx, testIntent())
	if !out.OK() {
		t.Fatalf("Place: %+v", out)
	}

	first := c.Cancel(ctx, out.BrokerOrderID)
	if !first.OK() {
		t.Fatalf("first Cancel: %+v", first)
	}
	second := c.Cancel(ctx, out.BrokerOrderID)
	if !second.OK() {
		t.Errorf("second Cancel = %+v, want idempotent success", second)
	}
}

func TestPaperCancelFilledOrderRejected(t *testing.T) {
	ctx := context.Background()
	c := NewPaperConnector("broker1")
	c.SetFillDelay(0)
	c.Connect(ctx)

	out := c.Place(ctx, testIntent())
	time.Sleep(20 * time.Millisecond) // let the synthetic fill land

	cancel := c.Cancel(ctx, out.BrokerOrderID)
	if cancel.Kind != domain.FailureBrokerRejected {
		t.Errorf("Cancel after fill = %+v, want BROKER_REJECTED", cancel)
	}
}

func TestPaperPositions(t *testing.T) {
	ctx := context.Background()
	c := NewPaperConnector("broker1")
	c.SetFillDelay(0)
	c.Connect(ctx)

	c.Place(ctx, testIntent())
	time.Sleep(20 * time.Millisecond)

	positions, err := c.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	if positions[0].Instrument != "NIFTY-FUT" || positions[0].Quantity != 25 {
		t.Errorf("position = %+v, want 25 NIFTY-FUT", positions[0])
	}
}

func TestRegistryTopology(t *testing.T) {
	r := NewRegistry()
	b1 := NewPaperConnector("broker1")
	b2 := NewPaperConnector("broker2")

	if err := r.Add(b1, true, true); err != nil {
		t.Fatalf("Add broker1: %v", err)
	}
	if err := r.Add(b2, true, false); err != nil {
		t.Fatalf("Add broker2: %v", err)
	}
	if err := r.Add(NewPaperConnector("broker3"), true, true); err == nil {
		t.Error("second primary should be rejected")
	}
	if err := r.Add(NewPaperConnector("broker1"), false, false); err == nil {
		t.Error("duplicate name should be rejected")
	}

	enabled := r.Enabled()
	if len(enabled) != 2 || enabled[0].Name() != "broker1" || enabled[1].Name() != "broker2" {
		t.Errorf("Enabled() order wrong: %v", enabled)
	}
	if p := r.Primary(); p == nil || p.Name() != "broker1" {
		t.Errorf("Primary() = %v, want broker1", p)
	}

	statuses := r.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if statuses[0].ConnectionState != domain.ConnDisconnected {
		t.Errorf("initial connection state = %v, want DISCONNECTED", statuses[0].ConnectionState)
	}
}

func TestConnectionChangeCallback(t *testing.T) {
	c := NewPaperConnector("broker1")
	var got []domain.ConnectionState
	c.OnConnectionChange(func(s domain.ConnectionState) { got = append(got, s) })

	c.Connect(context.Background())
	c.Close()

	if len(got) != 2 || got[0] != domain.ConnConnected || got[1] != domain.ConnDisconnected {
		t.Errorf("transitions = %v, want [CONNECTED DISCONNECTED]", got)
	}
}

func TestAlpacaPlaceHonorsDeadline(t *testing.T) {
	// The account endpoint answers immediately so Connect succeeds; the
	// order endpoint hangs well past the call deadline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v2/account" {
			w.Write([]byte(`{"account_number":"TEST"}`))
			return
		}
		time.Sleep(3 * time.Second)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewAlpacaConnector("alpaca", "key", "secret", srv.URL, nil, 0, log)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := c.Place(ctx, testIntent())
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("Place blocked %v past a 200ms deadline", elapsed)
	}
	if out.Kind != domain.FailureTimeout {
		t.Errorf("outcome kind = %q, want TIMEOUT", out.Kind)
	}
}

func recvEvent(t *testing.T, ch <-chan domain.LegEvent) domain.LegEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for leg event")
		return domain.LegEvent{}
	}
}
