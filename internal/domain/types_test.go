package domain

import "testing"

func legs(states ...LegState) []OrderLeg {
	out := make([]OrderLeg, len(states))
	for i, s := range states {
		out[i] = OrderLeg{BrokerID: string(rune('a' + i)), State: s}
	}
	return out
}

func TestDeriveState(t *testing.T) {
	cases := []struct {
		name string
		legs []OrderLeg
		want OrderState
	}{
		{"no legs", nil, StatePending},
		{"all dispatching", legs(LegDispatching, LegDispatching), StateDispatching},
		{"one in flight pins dispatching", legs(LegPlaced, LegDispatching), StateDispatching},
		{"timeout leg stays dispatching until reconciled", legs(LegPlaced, LegUnknown), StateDispatching},
		{"all placed", legs(LegPlaced, LegPlaced), StatePlaced},
		{"one placed one rejected", legs(LegPlaced, LegRejected), StatePartiallyPlaced},
		{"one placed one failed", legs(LegPlaced, LegFailed), StatePartiallyPlaced},
		{"all rejected", legs(LegRejected, LegRejected), StateRejected},
		{"all failed", legs(LegFailed, LegFailed), StateFailed},
		{"mixed rejected and failed", legs(LegRejected, LegFailed), StateRejected},
		{"all filled", legs(LegFilled, LegFilled), StateFilled},
		{"some filled", legs(LegFilled, LegPlaced), StatePartiallyFilled},
		{"partial fill on one leg", legs(LegPartiallyFilled, LegPlaced), StatePartiallyFilled},
		{"filled but a leg failed", legs(LegFilled, LegFailed), StatePartiallyFilled},
		{"all cancelled", legs(LegCancelled, LegCancelled), StateCancelled},
		{"some cancelled", legs(LegCancelled, LegPlaced), StatePartiallyCancelled},
		{"cancelled with a failed leg", legs(LegCancelled, LegFailed), StatePartiallyCancelled},
		{"fill wins over cancel", legs(LegFilled, LegCancelled), StatePartiallyFilled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveState(tc.legs); got != tc.want {
				t.Errorf("DeriveState = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []OrderState{StateFilled, StateCancelled, StateRejected, StateFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%v.Terminal() = false, want true", s)
		}
	}
	open := []OrderState{
		StatePending, StateDispatching, StatePlaced, StatePartiallyPlaced,
		StatePartiallyFilled, StatePartiallyCancelled,
	}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%v.Terminal() = true, want false", s)
		}
	}
}

func TestOrderLegLookup(t *testing.T) {
	o := &Order{Legs: []OrderLeg{{BrokerID: "broker1"}, {BrokerID: "broker2"}}}
	if leg := o.Leg("broker2"); leg == nil || leg.BrokerID != "broker2" {
		t.Fatalf("Leg(broker2) = %v, want broker2 leg", leg)
	}
	if leg := o.Leg("broker3"); leg != nil {
		t.Errorf("Leg(broker3) = %v, want nil", leg)
	}
}

func TestSideAndTypeValidation(t *testing.T) {
	if !SideBuy.Valid() || !SideSell.Valid() {
		t.Error("BUY/SELL should be valid sides")
	}
	if Side("HOLD").Valid() {
		t.Error("HOLD should not be a valid side")
	}
	if !OrderTypeLimit.Valid() || !OrderTypeMarket.Valid() {
		t.Error("LMT/MKT should be valid order types")
	}
	if OrderType("ICEBERG").Valid() {
		t.Error("ICEBERG should not be a valid order type")
	}
}
