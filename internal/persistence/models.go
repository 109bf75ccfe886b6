package persistence

import (
	"time"

	"github.com/google/uuid"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/order"
)

// Item is one unit of work for the persistence worker. Exactly one field is
// set. Order values are snapshots copied by the producer; the worker never
// sees live engine state.
type Item struct {
	Order      *order.Order
	Trade      *order.Trade
	Batch      *ledger.Batch
	Deposit    *FundingRow
	Withdrawal *FundingRow
}

// FundingRow records one external deposit or withdrawal. ID is the wallet
// service's idempotency key; the insert is ON CONFLICT DO NOTHING so
// redeliveries are no-ops.
type FundingRow struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Asset     string
	Amount    int64
	AppliedAt time.Time
}
