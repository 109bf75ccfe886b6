package order_test

import (
	"testing"

	"MatchLedger/internal/order"
)

func TestStatus_TerminalStatesAcceptNothing(t *testing.T) {
	terminals := []order.Status{
		order.StatusFilled, order.StatusCancelled,
		order.StatusRejected, order.StatusExpired,
	}
	all := []order.Status{
		order.StatusPending, order.StatusOpen, order.StatusPartiallyFilled,
		order.StatusFilled, order.StatusCancelled, order.StatusRejected,
		order.StatusExpired,
	}
	for _, from := range terminals {
		if !from.IsTerminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestStatus_MonotoneTransitions(t *testing.T) {
	cases := []struct {
		from, to order.Status
		allowed  bool
	}{
		{order.StatusPending, order.StatusOpen, true},
		{order.StatusPending, order.StatusFilled, true},
		{order.StatusPending, order.StatusRejected, true},
		{order.StatusPending, order.StatusCancelled, false},
		{order.StatusOpen, order.StatusCancelled, true},
		{order.StatusOpen, order.StatusRejected, false},
		{order.StatusOpen, order.StatusPending, false},
		{order.StatusPartiallyFilled, order.StatusFilled, true},
		{order.StatusPartiallyFilled, order.StatusCancelled, true},
		{order.StatusPartiallyFilled, order.StatusOpen, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestParse_RoundTripsStringForms(t *testing.T) {
	for _, typ := range []order.Type{
		order.TypeMarket, order.TypeLimit, order.TypeStopLoss,
		order.TypeStopLimit, order.TypeTakeProfit,
	} {
		got, err := order.ParseType(typ.String())
		if err != nil || got != typ {
			t.Errorf("ParseType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	for _, st := range []order.Status{
		order.StatusPending, order.StatusOpen, order.StatusPartiallyFilled,
		order.StatusFilled, order.StatusCancelled, order.StatusRejected,
		order.StatusExpired,
	} {
		got, err := order.ParseStatus(st.String())
		if err != nil || got != st {
			t.Errorf("ParseStatus(%q) = %v, %v", st.String(), got, err)
		}
	}
	if _, err := order.ParseType("TRAILING_STOP"); err == nil {
		t.Error("unknown type should not parse")
	}
	if _, err := order.ParseStatus("UNKNOWN"); err == nil {
		t.Error("UNKNOWN is not a persistable status")
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := order.Order{Quantity: 1_000_000, FilledQuantity: 400_000}
	if o.Remaining() != 600_000 {
		t.Errorf("remaining = %d, want 600000", o.Remaining())
	}
}
