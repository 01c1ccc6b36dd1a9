// Package shares implements share-price accounting for pooled funds.
//
// A fund issues shares against deposits of its base asset. The price of one
// share is TotalAssets / TotalShares; an empty fund prices at 1:1. Every
// computation floors, so rounding always favors the fund over the caller.
//
// Products are widened to 256 bits before division so that no intermediate
// overflows; only a final result that does not fit in uint64 is an error.
// Reporting values use shopspring/decimal, never float64.
package shares

import (
	"fmt"
	"math/big"
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/defunds/fund-engine/internal/model"
)

// PriceScale is the number of decimal places used for reported prices.
var PriceScale int32 = 8

// MulDiv returns floor(a * b / d) computed without intermediate overflow.
// A zero divisor or a quotient above uint64 is ErrMathOverflow.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, fmt.Errorf("%w: division by zero", model.ErrMathOverflow)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(a), uint256.NewInt(b), uint256.NewInt(d))
	if overflow || !z.IsUint64() {
		return 0, fmt.Errorf("%w: %d*%d/%d", model.ErrMathOverflow, a, b, d)
	}
	return z.Uint64(), nil
}

// Add returns a + b or ErrMathOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d+%d", model.ErrMathOverflow, a, b)
	}
	return sum, nil
}

// Sub returns a - b or ErrMathOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d-%d", model.ErrMathOverflow, a, b)
	}
	return diff, nil
}

// SaturatingSub returns a - b, or 0 when b > a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ToMint returns the number of shares a deposit of amount base units buys.
// The first deposit into an empty fund (or one whose assets were drained)
// mints 1:1.
func ToMint(f *model.Fund, amount uint64) (uint64, error) {
	if f.TotalShares == 0 || f.TotalAssets == 0 {
		return amount, nil
	}
	return MulDiv(amount, f.TotalShares, f.TotalAssets)
}

// WithdrawalAmount returns the base units redeemed by burning shares at the
// current price. A fund with no shares redeems nothing.
func WithdrawalAmount(f *model.Fund, shares uint64) (uint64, error) {
	if f.TotalShares == 0 {
		return 0, nil
	}
	return MulDiv(shares, f.TotalAssets, f.TotalShares)
}

// Decimal converts a base-unit quantity for reporting.
func Decimal(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

// SharePrice reports the value of one share in base units.
func SharePrice(f *model.Fund) decimal.Decimal {
	if f.TotalShares == 0 || f.TotalAssets == 0 {
		return decimal.NewFromInt(1)
	}
	assets := Decimal(f.TotalAssets)
	return assets.DivRound(Decimal(f.TotalShares), PriceScale)
}

// ApplyDeposit records a deposit of amount minting minted shares. The fund
// is only modified when both additions succeed.
func ApplyDeposit(f *model.Fund, amount, minted uint64) error {
	assets, err := Add(f.TotalAssets, amount)
	if err != nil {
		return err
	}
	supply, err := Add(f.TotalShares, minted)
	if err != nil {
		return err
	}
	f.TotalAssets, f.TotalShares = assets, supply
	return nil
}

// ApplyBurn removes shares and the assets they redeemed from the fund.
// The fund is only modified when both subtractions succeed.
func ApplyBurn(f *model.Fund, shares, assets uint64) error {
	supply, err := Sub(f.TotalShares, shares)
	if err != nil {
		return err
	}
	remaining, err := Sub(f.TotalAssets, assets)
	if err != nil {
		return err
	}
	f.TotalShares, f.TotalAssets = supply, remaining
	return nil
}

// BurnShares removes shares from the fund supply without touching assets.
func BurnShares(f *model.Fund, shares uint64) error {
	supply, err := Sub(f.TotalShares, shares)
	if err != nil {
		return err
	}
	f.TotalShares = supply
	return nil
}

// ReduceAssets lowers TotalAssets by amount, flooring at zero. Payout
// amounts may include swap gains that were never booked as deposits.
func ReduceAssets(f *model.Fund, amount uint64) {
	f.TotalAssets = SaturatingSub(f.TotalAssets, amount)
}

// CurrentValue is the position's redemption value at the current price.
func CurrentValue(f *model.Fund, p *model.InvestorPosition) (uint64, error) {
	return WithdrawalAmount(f, p.Shares)
}

// UnrealizedPnL is the current value of a position plus what it already
// withdrew, minus everything it deposited.
func UnrealizedPnL(f *model.Fund, p *model.InvestorPosition) (decimal.Decimal, error) {
	value, err := CurrentValue(f, p)
	if err != nil {
		return decimal.Zero, err
	}
	return Decimal(value).
		Add(Decimal(p.TotalWithdrawn)).
		Sub(Decimal(p.TotalDeposited)), nil
}
