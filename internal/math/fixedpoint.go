package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 quote units
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	// Apply rounding
	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() > 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// ComputeNotional converts quantity * price into quote units
func ComputeNotional(
	quantity int64,
	price int64,
	priceScale int64,
	qtyScale int64,
	quoteScale int64,
) int64 {
	// raw_notional = quantity * price
	raw := MultiplyInt128(quantity, price)

	// Convert to quote scale
	raw.Mul(raw, big.NewInt(quoteScale))
	denominator := priceScale * qtyScale

	result := DivideInt128(raw, denominator, RoundHalfEven)

	putInt128(raw)

	return result
}

// Notional is ComputeNotional with the standard scale configs
func Notional(quantity, price int64) int64 {
	return ComputeNotional(
		quantity,
		price,
		PriceConfig.Scale,
		QuantityConfig.Scale,
		QuoteConfig.Scale,
	)
}

// ComputeVWAP calculates the volume-weighted average fill price after a fill.
// oldFilled/fillQty are quantity-scale, oldAvg/fillPrice are price-scale.
func ComputeVWAP(oldFilled, oldAvg, fillQty, fillPrice int64) int64 {
	if oldFilled == 0 {
		return fillPrice
	}

	// numerator = oldFilled * oldAvg + fillQty * fillPrice
	term1 := MultiplyInt128(oldFilled, oldAvg)
	term2 := MultiplyInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	// denominator = oldFilled + fillQty
	denominator := oldFilled + fillQty

	// result = numerator / denominator (with banker's rounding)
	result := DivideInt128(numerator, denominator, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputeFee applies a parts-per-million rate to a quote-scale notional.
// Commission is always charged in quote units.
func ComputeFee(notional, ratePPM int64) int64 {
	if notional == 0 || ratePPM == 0 {
		return 0
	}

	raw := MultiplyInt128(notional, ratePPM)
	result := DivideInt128(raw, 1_000_000, RoundHalfEven)
	putInt128(raw)

	return result
}

// ComputeReserveFee is ComputeFee with round-up. Reservations use it so the
// locked amount never undershoots the commission actually charged.
func ComputeReserveFee(notional, ratePPM int64) int64 {
	if notional == 0 || ratePPM == 0 {
		return 0
	}

	raw := MultiplyInt128(notional, ratePPM)
	result := DivideInt128(raw, 1_000_000, RoundUp)
	putInt128(raw)

	return result
}
