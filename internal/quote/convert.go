package quote

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvalidAmount is returned for non-positive fiat amounts.
var ErrInvalidAmount = errors.New("invalid fiat amount")

// FiatToTokenUnits converts a fiat amount into the token's smallest unit at
// the given token-per-fiat rate: trunc(fiat * rate * 10^tokenDecimals).
//
// Rounding truncates toward zero, so a payer sending exactly the quoted
// amount always satisfies a minimum-amount check against that quote. Amounts
// too small to reach one smallest token unit are rejected; the result is
// always positive.
func FiatToTokenUnits(fiatAmount, rate *big.Rat, tokenDecimals int) (*big.Int, error) {
	if fiatAmount == nil || fiatAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fiat amount must be positive", ErrInvalidAmount)
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive", ErrInvalidAmount)
	}
	if tokenDecimals < 0 {
		return nil, fmt.Errorf("%w: token decimals must be non-negative", ErrInvalidAmount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)), nil)

	units := new(big.Rat).Mul(fiatAmount, rate)
	units.Mul(units, new(big.Rat).SetInt(scale))

	result := new(big.Int).Quo(units.Num(), units.Denom())
	if result.Sign() <= 0 {
		// A zero minimum would let any transfer, including a zero-value one,
		// satisfy the deposit check.
		return nil, fmt.Errorf("%w: fiat amount %s truncates to zero token units at rate %s", ErrInvalidAmount, fiatAmount.RatString(), rate.RatString())
	}

	return result, nil
}
