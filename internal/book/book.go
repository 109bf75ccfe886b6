// Package book implements the per-symbol resting-order index: bids ranked by
// price descending then arrival, asks by price ascending then arrival.
// The book is a view for matching, not the source of truth: it stores order
// ids plus the few fields matching needs, never the Order entity itself.
package book

import (
	"github.com/google/uuid"
	"github.com/huandu/skiplist"

	"MatchLedger/internal/order"
)

// Entry is the matching-relevant slice of a resting order
type Entry struct {
	OrderID   uuid.UUID
	Price     int64 // price scale
	Remaining int64 // quantity scale
	Seq       uint64
}

// bookKey orders entries within one side: price priority first, arrival
// sequence as the tiebreak. Each resting order is its own skiplist node, so
// insert, best-lookup and removal are O(log depth).
type bookKey struct {
	price int64
	seq   uint64
}

type askComparator struct{}

func (askComparator) Compare(l, r interface{}) int {
	a, b := l.(bookKey), r.(bookKey)
	if a.price != b.price {
		if a.price < b.price {
			return -1 // asks: lowest price first
		}
		return 1
	}
	if a.seq != b.seq {
		if a.seq < b.seq {
			return -1
		}
		return 1
	}
	return 0
}

func (askComparator) CalcScore(key interface{}) float64 {
	return float64(key.(bookKey).price)
}

type bidComparator struct{}

func (bidComparator) Compare(l, r interface{}) int {
	a, b := l.(bookKey), r.(bookKey)
	if a.price != b.price {
		if a.price > b.price {
			return -1 // bids: highest price first
		}
		return 1
	}
	if a.seq != b.seq {
		if a.seq < b.seq {
			return -1
		}
		return 1
	}
	return 0
}

func (bidComparator) CalcScore(key interface{}) float64 {
	return -float64(key.(bookKey).price)
}

// Book holds both sides for one symbol. It is not safe for concurrent use;
// the symbol worker owns it exclusively.
type Book struct {
	symbol string
	bids   *skiplist.SkipList
	asks   *skiplist.SkipList
	index  map[uuid.UUID]indexEntry
}

type indexEntry struct {
	side order.Side
	key  bookKey
}

func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   skiplist.New(bidComparator{}),
		asks:   skiplist.New(askComparator{}),
		index:  make(map[uuid.UUID]indexEntry),
	}
}

func (b *Book) Symbol() string {
	return b.symbol
}

func (b *Book) side(s order.Side) *skiplist.SkipList {
	if s == order.SideBuy {
		return b.bids
	}
	return b.asks
}

// Insert adds a resting entry on the given side
func (b *Book) Insert(s order.Side, e *Entry) {
	key := bookKey{price: e.Price, seq: e.Seq}
	b.side(s).Set(key, e)
	b.index[e.OrderID] = indexEntry{side: s, key: key}
}

// PeekBest returns the highest-priority entry on a side, or nil if empty
func (b *Book) PeekBest(s order.Side) *Entry {
	front := b.side(s).Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

// RemoveByID removes a resting entry. Returns false if the id is not resting.
func (b *Book) RemoveByID(orderID uuid.UUID) bool {
	ie, ok := b.index[orderID]
	if !ok {
		return false
	}
	b.side(ie.side).Remove(ie.key)
	delete(b.index, orderID)
	return true
}

// Reduce decrements a resting entry's remaining quantity, removing it when
// it reaches zero. Returns the remaining quantity after the reduction.
func (b *Book) Reduce(orderID uuid.UUID, qty int64) int64 {
	ie, ok := b.index[orderID]
	if !ok {
		return 0
	}
	elem := b.side(ie.side).Get(ie.key)
	if elem == nil {
		delete(b.index, orderID)
		return 0
	}
	e := elem.Value.(*Entry)
	e.Remaining -= qty
	if e.Remaining <= 0 {
		b.side(ie.side).Remove(ie.key)
		delete(b.index, orderID)
		return 0
	}
	return e.Remaining
}

// Contains reports whether an order id is resting in the book
func (b *Book) Contains(orderID uuid.UUID) bool {
	_, ok := b.index[orderID]
	return ok
}

// Crosses reports whether a taker at takerPrice can trade against a maker at
// makerPrice. MARKET takers cross unconditionally (takerPrice < 0).
func Crosses(takerSide order.Side, takerPrice, makerPrice int64) bool {
	if takerPrice < 0 {
		return true
	}
	if takerSide == order.SideBuy {
		return takerPrice >= makerPrice
	}
	return takerPrice <= makerPrice
}

// AchievableQty walks the opposite side and returns how much of need a taker
// at takerPrice could fill against current depth, without mutating anything.
// Used for the FOK pre-check, which must run before any execution.
func (b *Book) AchievableQty(takerSide order.Side, takerPrice, need int64) int64 {
	var total int64
	b.Walk(takerSide.Opposite(), func(e *Entry) bool {
		if !Crosses(takerSide, takerPrice, e.Price) {
			return false
		}
		total += e.Remaining
		return total < need
	})
	if total > need {
		return need
	}
	return total
}

// Walk visits a side's entries in priority order until fn returns false.
// Entries must not be mutated by fn.
func (b *Book) Walk(s order.Side, fn func(*Entry) bool) {
	for elem := b.side(s).Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(*Entry)) {
			return
		}
	}
}

// Depth returns the number of resting entries on a side
func (b *Book) Depth(s order.Side) int {
	return b.side(s).Len()
}

// Level is one price level of a depth snapshot
type Level struct {
	Price    int64
	Quantity int64
}

// DepthSnapshot aggregates resting quantity per price level, best first,
// up to maxLevels per side (0 means unbounded).
func (b *Book) DepthSnapshot(maxLevels int) (bids, asks []Level) {
	return levels(b.bids, maxLevels), levels(b.asks, maxLevels)
}

func levels(list *skiplist.SkipList, maxLevels int) []Level {
	var out []Level
	for elem := list.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if n := len(out); n > 0 && out[n-1].Price == e.Price {
			out[n-1].Quantity += e.Remaining
			continue
		}
		if maxLevels > 0 && len(out) == maxLevels {
			break
		}
		out = append(out, Level{Price: e.Price, Quantity: e.Remaining})
	}
	return out
}
