package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants. Used by tests and by the
// engine's periodic self-check; validation failures here are fatal.
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{ledger: l}
}

// ValidateBatchBalance verifies a journal batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserNonNegative checks available >= 0 and locked >= 0 for one
// (user, asset) pair
func (v *InvariantValidator) ValidateUserNonNegative(userID uuid.UUID, asset string) error {
	b := v.ledger.GetBalance(userID, asset)
	if b.Available < 0 {
		return fmt.Errorf("user %s has negative available %s balance: %d", userID, asset, b.Available)
	}
	if b.Locked < 0 {
		return fmt.Errorf("user %s has negative locked %s balance: %d", userID, asset, b.Locked)
	}
	return nil
}

// ValidateGlobalZeroSum verifies that per asset, all balances (user, system
// and external contra accounts) sum to zero. Every journal leg conserves
// this, so a non-zero total means a partially applied operation.
func (v *InvariantValidator) ValidateGlobalZeroSum() error {
	totals := make(map[string]int64)

	for path, b := range v.ledger.Snapshot() {
		asset := assetFromPath(path)
		totals[asset] += b.Available + b.Locked
	}

	for asset, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}
	return nil
}

func assetFromPath(path string) string {
	// paths end in ":<asset>"
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == ':' {
			return path[i+1:]
		}
	}
	return path
}
