package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"MatchLedger/internal/ledger"
	"MatchLedger/internal/persistence"
)

// ApplyDeposit credits a confirmed deposit to the user's available
// balance. Delivery is at-least-once; depositID is the idempotency key
// and redeliveries are no-ops.
func (e *Engine) ApplyDeposit(depositID, userID uuid.UUID, asset string, amount int64) error {
	if !e.markFunding(depositID) {
		return nil
	}
	batch, err := e.ledger.Deposit(userID, asset, amount, fmt.Sprintf("deposit:%s", depositID))
	if err != nil {
		e.unmarkFunding(depositID)
		return errInvalid("deposit rejected: %v", err)
	}

	now := time.Now()
	e.sink.PersistBatch(batch)
	e.sink.PersistDeposit(&persistence.FundingRow{
		ID:        depositID,
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		AppliedAt: now,
	})
	e.metrics.DepositsApplied.WithLabelValues(asset).Inc()
	return nil
}

// ApplyWithdrawal debits available funds for an approved withdrawal.
// Locked funds are never touched; a user mid-order cannot withdraw what
// their open orders may still consume.
func (e *Engine) ApplyWithdrawal(withdrawalID, userID uuid.UUID, asset string, amount int64) error {
	if !e.markFunding(withdrawalID) {
		return nil
	}
	batch, err := e.ledger.Withdraw(userID, asset, amount, fmt.Sprintf("withdrawal:%s", withdrawalID))
	if err != nil {
		e.unmarkFunding(withdrawalID)
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return errInsufficient("withdrawal refused", err)
		}
		return errInvalid("withdrawal rejected: %v", err)
	}

	now := time.Now()
	e.sink.PersistBatch(batch)
	e.sink.PersistWithdrawal(&persistence.FundingRow{
		ID:        withdrawalID,
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		AppliedAt: now,
	})
	e.metrics.WithdrawalsApplied.WithLabelValues(asset).Inc()
	return nil
}

// SeedFundingIDs preloads already-applied funding ids during recovery so
// redelivered wallet events do not double-apply.
func (e *Engine) SeedFundingIDs(ids []uuid.UUID) {
	e.fundMu.Lock()
	for _, id := range ids {
		e.fundingSeen[id] = struct{}{}
	}
	e.fundMu.Unlock()
}

// markFunding records id as applied; false means it was already seen.
func (e *Engine) markFunding(id uuid.UUID) bool {
	e.fundMu.Lock()
	defer e.fundMu.Unlock()
	if _, dup := e.fundingSeen[id]; dup {
		return false
	}
	e.fundingSeen[id] = struct{}{}
	return true
}

func (e *Engine) unmarkFunding(id uuid.UUID) {
	e.fundMu.Lock()
	delete(e.fundingSeen, id)
	e.fundMu.Unlock()
}
