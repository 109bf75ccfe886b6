// Package event defines the payloads crossing the engine boundary: outbound
// trade/order events for the market data feed and audit log, and inbound
// funding events from the wallet side.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Outbound pairs a payload with the NATS subject it is published on.
// The publish path is lossy under backpressure; the database is the
// authoritative record.
type Outbound struct {
	Subject string
	Payload interface{}
}

// TradeEvent is published for every fill. Delivery is at-least-once;
// consumers deduplicate by TradeID. Sequence is the per-symbol fill sequence
// so consumers can detect gaps and re-read the event log.
type TradeEvent struct {
	TradeID      uuid.UUID `json:"trade_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // taker side
	Quantity     int64     `json:"quantity"`
	Price        int64     `json:"price"`
	TakerOrderID uuid.UUID `json:"taker_order_id"`
	MakerOrderID uuid.UUID `json:"maker_order_id"`
	Commission   int64     `json:"commission"` // taker + maker, quote scale
	Sequence     uint64    `json:"sequence"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// OrderEvent reports an order reaching a new status. Published alongside
// trade events so callers that submitted asynchronously can observe the
// final state.
type OrderEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	UserID         uuid.UUID `json:"user_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	FilledQuantity int64     `json:"filled_quantity"`
	AvgFillPrice   int64     `json:"average_fill_price"`
	Commission     int64     `json:"commission"`
	Timestamp      time.Time `json:"timestamp"`
}

// TradeSubject returns the publish subject for a symbol's fills.
func TradeSubject(symbol string) string {
	return "exchange.trades." + symbol
}

// OrderSubject returns the publish subject for a symbol's order updates.
func OrderSubject(symbol string) string {
	return "exchange.orders." + symbol
}

// DepositConfirmed is consumed from the wallet service. DepositID is the
// idempotency key.
type DepositConfirmed struct {
	DepositID uuid.UUID `json:"deposit_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// WithdrawalRequested is consumed from the wallet service. WithdrawalID is
// the idempotency key.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}
