package engine

import (
	"MatchLedger/internal/config"
	ledgermath "MatchLedger/internal/math"
)

// FeeSchedule holds the commission rates for one market, in parts per
// million of trade notional.
type FeeSchedule struct {
	MakerPPM int64
	TakerPPM int64
}

// ReservePPM is the rate used when locking funds for a resting BUY order.
// Reserving at the worse of the two rates guarantees the lock always
// covers the commission regardless of whether the order ends up maker
// or taker on each fill.
func (f FeeSchedule) ReservePPM() int64 {
	if f.MakerPPM > f.TakerPPM {
		return f.MakerPPM
	}
	return f.TakerPPM
}

// MakerFee computes the maker commission on a given notional.
func (f FeeSchedule) MakerFee(notional int64) int64 {
	return ledgermath.ComputeFee(notional, f.MakerPPM)
}

// TakerFee computes the taker commission on a given notional.
func (f FeeSchedule) TakerFee(notional int64) int64 {
	return ledgermath.ComputeFee(notional, f.TakerPPM)
}

// ReserveFee computes the commission reservation on a given notional,
// rounded up so the lock always covers the fee charged at settlement.
func (f FeeSchedule) ReserveFee(notional int64) int64 {
	return ledgermath.ComputeReserveFee(notional, f.ReservePPM())
}

// MarketSpec is the engine's view of one tradable symbol.
type MarketSpec struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Fees       FeeSchedule
}

func marketSpecFromConfig(m config.Market) MarketSpec {
	return MarketSpec{
		Symbol:     m.Symbol,
		BaseAsset:  m.BaseAsset,
		QuoteAsset: m.QuoteAsset,
		Fees:       FeeSchedule{MakerPPM: m.MakerFeePPM, TakerPPM: m.TakerFeePPM},
	}
}
