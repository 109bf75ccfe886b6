package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is one asset's balance for a user, read from the
// balances projection.
type BalanceResponse struct {
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	Total     int64     `json:"total"`
}

// OrderResponse is an order snapshot as persisted, with its fills when
// requested through GetOrder.
type OrderResponse struct {
	OrderID           uuid.UUID       `json:"order_id"`
	UserID            uuid.UUID       `json:"user_id"`
	Symbol            string          `json:"symbol"`
	Type              string          `json:"type"`
	Side              string          `json:"side"`
	TimeInForce       string          `json:"time_in_force"`
	Quantity          int64           `json:"quantity"`
	Price             int64           `json:"price"`
	StopPrice         int64           `json:"stop_price"`
	FilledQuantity    int64           `json:"filled_quantity"`
	AvgFillPrice      int64           `json:"average_fill_price"`
	Commission        int64           `json:"commission"`
	Status            string          `json:"status"`
	ReservedAsset     string          `json:"reserved_asset,omitempty"`
	ReservedRemaining int64           `json:"reserved_remaining"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Trades            []TradeResponse `json:"trades,omitempty"`
}

// TradeResponse is one fill row.
type TradeResponse struct {
	TradeID         uuid.UUID `json:"trade_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"` // taker side
	Quantity        int64     `json:"quantity"`
	Price           int64     `json:"price"`
	TakerOrderID    uuid.UUID `json:"taker_order_id"`
	MakerOrderID    uuid.UUID `json:"maker_order_id"`
	TakerCommission int64     `json:"taker_commission"`
	MakerCommission int64     `json:"maker_commission"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// JournalEntry is one leg of the double-entry audit trail.
type JournalEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of the zero-sum audit over the balances
// projection. A healthy ledger sums to zero per asset across all scopes.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose projected balances do not net to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
