// Package micros implements the fixed-point arithmetic used everywhere in the
// copier: 1 USD = 1,000,000 micros, 1 outcome share = 1,000,000 micros, and a
// price in [0, 1] is scaled the same way. Prices fit in int64; share and
// notional quantities use big.Int so accumulated totals never overflow.
package micros

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// PerUnit is the fixed-point scale: micros per whole unit.
const PerUnit = 1_000_000

// BpsDenom is the basis-point denominator.
const BpsDenom = 10_000

var (
	perUnitBig = big.NewInt(PerUnit)
	bpsBig     = big.NewInt(BpsDenom)
)

// DivRound divides num by den rounding half away from zero.
// den must be non-zero.
func DivRound(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	// |2r| >= |den| → round away from zero
	r2 := new(big.Int).Lsh(new(big.Int).Abs(r), 1)
	if r2.CmpAbs(den) >= 0 {
		if (num.Sign() < 0) != (den.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		} else {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

// Notional returns shareMicros * priceMicros / 1e6, rounded.
func Notional(shareMicros *big.Int, priceMicros int64) *big.Int {
	n := new(big.Int).Mul(shareMicros, big.NewInt(priceMicros))
	return DivRound(n, perUnitBig)
}

// Shares returns notionalMicros * 1e6 / priceMicros, rounded.
// A zero or negative price is treated as 1 micro so callers never divide by zero.
func Shares(notionalMicros *big.Int, priceMicros int64) *big.Int {
	if priceMicros < 1 {
		priceMicros = 1
	}
	n := new(big.Int).Mul(notionalMicros, perUnitBig)
	return DivRound(n, big.NewInt(priceMicros))
}

// VWAP returns notionalMicros * 1e6 / shareMicros as a price in micros,
// or 0 when shareMicros is zero.
func VWAP(notionalMicros, shareMicros *big.Int) int64 {
	if shareMicros.Sign() == 0 {
		return 0
	}
	n := new(big.Int).Mul(notionalMicros, perUnitBig)
	return DivRound(n, shareMicros).Int64()
}

// RatioBps returns num * 10^4 / den rounded, or 0 when den is zero.
func RatioBps(num, den *big.Int) int64 {
	if den.Sign() == 0 {
		return 0
	}
	n := new(big.Int).Mul(num, bpsBig)
	return DivRound(n, den).Int64()
}

// ApplyBps scales v by bps/10^4, rounded.
func ApplyBps(v *big.Int, bps int64) *big.Int {
	n := new(big.Int).Mul(v, big.NewInt(bps))
	return DivRound(n, bpsBig)
}

// ParsePrice converts a venue decimal price string (e.g. "0.55") to micros.
func ParsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return d.Mul(decimal.NewFromInt(PerUnit)).Round(0).IntPart(), nil
}

// ParseSize converts a venue decimal size string (e.g. "100.5") to share micros.
func ParseSize(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse size %q: %w", s, err)
	}
	return d.Mul(decimal.NewFromInt(PerUnit)).Round(0).BigInt(), nil
}

// FormatPrice renders priceMicros as the venue's decimal string.
func FormatPrice(priceMicros int64) string {
	return decimal.New(priceMicros, -6).String()
}

// FormatBig renders a micros quantity as a decimal string in whole units.
func FormatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -6).String()
}

// Zero returns a fresh zero-valued big.Int.
func Zero() *big.Int { return new(big.Int) }

// FromInt64 wraps an int64 quantity as a big.Int.
func FromInt64(v int64) *big.Int { return big.NewInt(v) }

// Clone copies v, treating nil as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
