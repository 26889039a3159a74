package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/broker"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/config"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/domain"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/event"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/ledger"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/orchestrator"
)

type harness struct {
	srv     *httptest.Server
	brokers []*broker.PaperConnector
}

func newHarness(t *testing.T, autoFill bool) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b1 := broker.NewPaperConnector("broker1")
	b2 := broker.NewPaperConnector("broker2")
	b1.SetAutoFill(autoFill)
	b2.SetAutoFill(autoFill)

	reg := broker.NewRegistry()
	reg.Add(b1, true, true)
	reg.Add(b2, true, false)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := config.EngineConfig{
		PlaceTimeoutMs: 1000, SubmitTimeoutMs: 2000, ModifyRetries: 2,
		RetryBaseDelayMs: 10, BatchWindowMs: 10, SubscriberDepth: 8,
		PositionsCacheTTLs: 30, HealthCacheTTLs: 1, RetentionDays: 7,
	}
	led := ledger.New(nil, eng.Retention(), log)
	events := event.New("broker1", eng.BatchWindow(), eng.SubscriberDepth, log)
	events.Start(ctx)

	orch := orchestrator.New(eng, config.TradingConfig{DefaultExchange: "NFO"}, reg, led, events, nil, nil, log)
	orch.Start(ctx)

	srv := httptest.NewServer(NewServer(orch, events, log).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, brokers: []*broker.PaperConnector{b1, b2}}
}

func (h *harness) submit(t *testing.T) domain.Order {
	t.Helper()
	body := `{"instrument":"NIFTY-FUT","side":"BUY","quantity":25,"price":"150.50","order_type":"LMT"}`
	resp, err := http.Post(h.srv.URL+"/api/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/orders: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /api/orders = %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type on 201 = %q, want application/json", ct)
	}
	var order domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		t.Fatalf("decoding order: %v", err)
	}
	return order
}

func (h *harness) getOrder(t *testing.T, id string) (domain.Order, int) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + "/api/orders/" + id)
	if err != nil {
		t.Fatalf("GET /api/orders/%s: %v", id, err)
	}
	defer resp.Body.Close()
	var order domain.Order
	json.NewDecoder(resp.Body).Decode(&order)
	return order, resp.StatusCode
}

func (h *harness) waitForState(t *testing.T, id string, want domain.OrderState) domain.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		order, code := h.getOrder(t, id)
		if code == http.StatusOK && order.State == want {
			return order
		}
		time.Sleep(5 * time.Millisecond)
	}
	order, _ := h.getOrder(t, id)
	t.Fatalf("order %s state = %v, want %v", id, order.State, want)
	return domain.Order{}
}

func TestSubmitAndTrackOrder(t *testing.T) {
	h := newHarness(t, true)

	order := h.submit(t)
	if order.ID == "" || len(order.Legs) != 2 {
		t.Fatalf("created order = %+v", order)
	}

	final := h.waitForState(t, order.ID, domain.StateFilled)
	if final.Legs[0].FilledQty != 25 {
		t.Errorf("filled qty = %d, want 25", final.Legs[0].FilledQty)
	}
}

func TestSubmitValidationError(t *testing.T) {
	h := newHarness(t, true)

	body := `{"instrument":"NIFTY-FUT","side":"BUY","quantity":0,"price":"150.50","order_type":"LMT"}`
	resp, err := http.Post(h.srv.URL+"/api/orders", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownOrder(t *testing.T) {
	h := newHarness(t, true)
	if _, code := h.getOrder(t, "no-such-order"); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, false)
	order := h.submit(t)
	h.waitForState(t, order.ID, domain.StatePlaced)

	req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/orders/"+order.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", resp.StatusCode)
	}
	var cancelled domain.Order
	json.NewDecoder(resp.Body).Decode(&cancelled)
	if cancelled.State != domain.StateCancelled {
		t.Errorf("state = %v, want CANCELLED", cancelled.State)
	}

	// A second cancel hits the terminal-order guard.
	req2, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/orders/"+order.ID, nil)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("second DELETE status = %d, want 409", resp2.StatusCode)
	}
}

func TestModifyOrder(t *testing.T) {
	h := newHarness(t, false)
	order := h.submit(t)
	h.waitForState(t, order.ID, domain.StatePlaced)

	body := bytes.NewReader([]byte(`{"quantity":50}`))
	req, _ := http.NewRequest(http.MethodPatch, h.srv.URL+"/api/orders/"+order.ID, body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("PATCH status = %d: %s", resp.StatusCode, raw)
	}
}

func TestListOrdersByState(t *testing.T) {
	h := newHarness(t, true)
	order := h.submit(t)
	h.waitForState(t, order.ID, domain.StateFilled)

	resp, err := http.Get(h.srv.URL + "/api/orders?state=FILLED")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var orders []domain.Order
	json.NewDecoder(resp.Body).Decode(&orders)
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Errorf("filtered orders = %+v, want just %s", orders, order.ID)
	}

	resp2, err := http.Get(h.srv.URL + "/api/orders?state=PENDING")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	var none []domain.Order
	json.NewDecoder(resp2.Body).Decode(&none)
	if len(none) != 0 {
		t.Errorf("PENDING filter returned %d orders, want 0", len(none))
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, true)

	resp, err := http.Get(h.srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	var health struct {
		Status  string                `json:"status"`
		Brokers []domain.BrokerStatus `json:"brokers"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if len(health.Brokers) != 2 {
		t.Errorf("len(brokers) = %d, want 2", len(health.Brokers))
	}
}

func TestLastPriceEndpoint(t *testing.T) {
	h := newHarness(t, true)

	resp, err := http.Get(h.srv.URL + "/api/ltp/NIFTY-FUT")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before any tick = %d, want 404", resp.StatusCode)
	}

	h.brokers[0].PublishTick(domain.PriceTick{
		Instrument: "NIFTY-FUT",
		LastPrice:  decimal.RequireFromString("151.00"),
		Timestamp:  time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.srv.URL + "/api/ltp/NIFTY-FUT")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		if resp.StatusCode == http.StatusOK {
			var tick domain.PriceTick
			json.NewDecoder(resp.Body).Decode(&tick)
			resp.Body.Close()
			if !tick.LastPrice.Equal(decimal.RequireFromString("151.00")) {
				t.Fatalf("last price = %v, want 151.00", tick.LastPrice)
			}
			return
		}
		resp.Body.Close()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tick never became visible")
}

func TestWebSocketEventFeed(t *testing.T) {
	h := newHarness(t, true)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	order := h.submit(t)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading websocket: %v", err)
		}
		if msg.Type != "order_state_changed" {
			continue
		}
		var sc domain.OrderStateChanged
		if err := json.Unmarshal(msg.Data, &sc); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		if sc.OrderID == order.ID && sc.NewState == domain.StateFilled {
			return
		}
	}
}
