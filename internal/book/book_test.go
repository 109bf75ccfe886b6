package book_test

import (
	"testing"

	"github.com/google/uuid"

	"MatchLedger/internal/book"
	"MatchLedger/internal/order"
)

func entry(price, remaining int64, seq uint64) *book.Entry {
	return &book.Entry{OrderID: uuid.New(), Price: price, Remaining: remaining, Seq: seq}
}

func TestBook_BidsRankedPriceDescending(t *testing.T) {
	b := book.New("BTC-USDT")
	low := entry(4_900_00, 10, 1)
	high := entry(5_000_00, 10, 2)
	b.Insert(order.SideBuy, low)
	b.Insert(order.SideBuy, high)

	best := b.PeekBest(order.SideBuy)
	if best.OrderID != high.OrderID {
		t.Errorf("best bid should be the highest price, got price=%d", best.Price)
	}
}

func TestBook_AsksRankedPriceAscending(t *testing.T) {
	b := book.New("BTC-USDT")
	high := entry(5_100_00, 10, 1)
	low := entry(5_000_00, 10, 2)
	b.Insert(order.SideSell, high)
	b.Insert(order.SideSell, low)

	best := b.PeekBest(order.SideSell)
	if best.OrderID != low.OrderID {
		t.Errorf("best ask should be the lowest price, got price=%d", best.Price)
	}
}

func TestBook_TimePriorityAtSamePrice(t *testing.T) {
	b := book.New("BTC-USDT")
	first := entry(5_000_00, 10, 1)
	second := entry(5_000_00, 10, 2)
	// Insert later arrival first to prove ordering comes from seq, not insert order.
	b.Insert(order.SideSell, second)
	b.Insert(order.SideSell, first)

	if best := b.PeekBest(order.SideSell); best.OrderID != first.OrderID {
		t.Errorf("earliest arrival at best price must match first, got seq=%d", best.Seq)
	}
}

func TestBook_RemoveByID(t *testing.T) {
	b := book.New("BTC-USDT")
	e := entry(5_000_00, 10, 1)
	b.Insert(order.SideBuy, e)

	if !b.RemoveByID(e.OrderID) {
		t.Fatal("remove should succeed for a resting order")
	}
	if b.RemoveByID(e.OrderID) {
		t.Error("second remove should report not-resting")
	}
	if b.PeekBest(order.SideBuy) != nil {
		t.Error("book should be empty after removal")
	}
}

func TestBook_ReduceRemovesAtZero(t *testing.T) {
	b := book.New("BTC-USDT")
	e := entry(5_000_00, 10, 1)
	b.Insert(order.SideSell, e)

	if rem := b.Reduce(e.OrderID, 4); rem != 6 {
		t.Errorf("remaining after reduce: got %d, want 6", rem)
	}
	if rem := b.Reduce(e.OrderID, 6); rem != 0 {
		t.Errorf("remaining after full reduce: got %d, want 0", rem)
	}
	if b.Contains(e.OrderID) {
		t.Error("fully reduced entry must leave the book")
	}
}

func TestBook_Crosses(t *testing.T) {
	cases := []struct {
		side       order.Side
		taker      int64
		maker      int64
		wantCross  bool
	}{
		{order.SideBuy, 5_000_00, 5_000_00, true},
		{order.SideBuy, 5_000_00, 5_000_01, false},
		{order.SideBuy, -1, 9_999_99, true}, // MARKET crosses any price
		{order.SideSell, 5_000_00, 5_000_00, true},
		{order.SideSell, 5_000_00, 4_999_99, false},
		{order.SideSell, -1, 1, true},
	}
	for _, c := range cases {
		if got := book.Crosses(c.side, c.taker, c.maker); got != c.wantCross {
			t.Errorf("Crosses(%v, %d, %d) = %v, want %v", c.side, c.taker, c.maker, got, c.wantCross)
		}
	}
}

func TestBook_AchievableQty(t *testing.T) {
	b := book.New("BTC-USDT")
	b.Insert(order.SideSell, entry(5_000_00, 400_000, 1))
	b.Insert(order.SideSell, entry(5_000_50, 600_000, 2))
	b.Insert(order.SideSell, entry(5_100_00, 1_000_000, 3))

	// Limit 5000.50 reaches the first two levels only.
	if got := b.AchievableQty(order.SideBuy, 5_000_50, 2_000_000); got != 1_000_000 {
		t.Errorf("achievable: got %d, want 1_000_000", got)
	}
	// Need below depth is capped at need.
	if got := b.AchievableQty(order.SideBuy, 5_000_50, 300_000); got != 300_000 {
		t.Errorf("achievable capped: got %d, want 300_000", got)
	}
	// MARKET reaches everything.
	if got := b.AchievableQty(order.SideBuy, -1, 3_000_000); got != 2_000_000 {
		t.Errorf("market achievable: got %d, want 2_000_000", got)
	}
}

func TestBook_DepthSnapshotAggregatesLevels(t *testing.T) {
	b := book.New("BTC-USDT")
	b.Insert(order.SideBuy, entry(5_000_00, 100, 1))
	b.Insert(order.SideBuy, entry(5_000_00, 200, 2))
	b.Insert(order.SideBuy, entry(4_999_00, 300, 3))

	bids, asks := b.DepthSnapshot(0)
	if len(asks) != 0 {
		t.Errorf("asks should be empty, got %d levels", len(asks))
	}
	if len(bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(bids))
	}
	if bids[0].Price != 5_000_00 || bids[0].Quantity != 300 {
		t.Errorf("best level: got %+v", bids[0])
	}
	if bids[1].Price != 4_999_00 || bids[1].Quantity != 300 {
		t.Errorf("second level: got %+v", bids[1])
	}
}
