package order

import (
	"time"

	"github.com/google/uuid"
)

// Side represents order direction
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the counter side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type represents the order type
type Type int32

const (
	TypeMarket Type = iota
	TypeLimit
	TypeStopLoss
	TypeStopLimit
	TypeTakeProfit
)

func (t Type) String() string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	case TypeStopLoss:
		return "STOP_LOSS"
	case TypeStopLimit:
		return "STOP_LIMIT"
	case TypeTakeProfit:
		return "TAKE_PROFIT"
	default:
		return "UNKNOWN"
	}
}

// IsLimitFamily reports whether the type requires a limit price
func (t Type) IsLimitFamily() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// IsStopFamily reports whether the type requires a stop price and is
// parked outside the book until triggered
func (t Type) IsStopFamily() bool {
	return t == TypeStopLoss || t == TypeStopLimit || t == TypeTakeProfit
}

// TimeInForce represents the remainder policy after matching
type TimeInForce int32

const (
	TimeInForceGTC TimeInForce = iota // Good-Til-Cancelled: remainder rests
	TimeInForceIOC                    // Immediate-Or-Cancel: remainder discarded
	TimeInForceFOK                    // Fill-Or-Kill: all-or-nothing
)

func (tif TimeInForce) String() string {
	switch tif {
	case TimeInForceIOC:
		return "IOC"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "GTC"
	}
}

// Order is the authoritative order record. The book holds only a view of it
// (id, price, remaining, arrival sequence); all mutation happens through the
// symbol worker that owns the order's lifecycle.
type Order struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Symbol string

	Type        Type
	Side        Side
	TimeInForce TimeInForce

	Quantity  int64 // quantity scale, > 0
	Price     int64 // price scale; required for LIMIT / STOP_LIMIT
	StopPrice int64 // price scale; required for stop-family types

	FilledQuantity int64
	AvgFillPrice   int64 // volume-weighted, price scale
	Commission     int64 // accumulated, quote scale

	Status Status

	// ReservedRemaining tracks the unconsumed part of the admission
	// reservation in ReservedAsset units. Settlement consumes it fill by
	// fill; whatever is left when the order goes terminal is released.
	ReservedAsset     string
	ReservedRemaining int64

	// Seq is the arrival sequence assigned by the symbol worker.
	// Price-time priority ties break on it.
	Seq uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns quantity - filled_quantity
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Trade records a single fill. One row per fill, referencing both the taker
// and the maker order; Side is the taker's side.
type Trade struct {
	ID     uuid.UUID
	Symbol string

	TakerOrderID uuid.UUID
	MakerOrderID uuid.UUID
	TakerUserID  uuid.UUID
	MakerUserID  uuid.UUID

	Side     Side
	Quantity int64 // quantity scale
	Price    int64 // maker's price, price scale

	TakerCommission int64 // quote scale
	MakerCommission int64 // quote scale

	ExecutedAt time.Time
}
