package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeReserve
	JournalTypeRelease
	JournalTypeSettleBase
	JournalTypeSettleQuote
	JournalTypeFee
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeReserve:
		return "reserve"
	case JournalTypeRelease:
		return "release"
	case JournalTypeSettleBase:
		return "settle_base"
	case JournalTypeSettleQuote:
		return "settle_quote"
	case JournalTypeFee:
		return "fee"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry leg: a positive amount moves from the
// credit account to the debit account. Each leg is balanced by construction.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // order id, trade id, or funding reference
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Asset         string
	Amount        int64 // fixed-point, always positive
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch groups the legs of one atomic ledger operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each leg is an individually
// balanced transfer, so Σ debits == Σ credits holds per asset whenever every
// leg passes these checks.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
