package domain

import (
	"math/bits"

	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

// Basis-point fee bounds. 10,000 bps equals 100%; the platform fee is capped
// at 10%.
const (
	BpsDenominator = 10_000
	MaxFeeBps      = 1_000
)

// PlatformFee returns floor(amount * feeBps / 10000). The multiplication is
// overflow-checked; an overflowing product aborts the operation rather than
// wrapping or saturating.
func PlatformFee(amount uint64, feeBps uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(feeBps))
	if hi != 0 {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "fee computation overflows")
	}
	return lo / BpsDenominator, nil
}

// SplitBalance divides a balance into the seller share and the platform fee.
// The fee rounds down, so the seller share absorbs the truncated remainder and
// the two always sum to the input balance.
func SplitBalance(balance uint64, feeBps uint16) (sellerAmount, platformFee uint64, err error) {
	platformFee, err = PlatformFee(balance, feeBps)
	if err != nil {
		return 0, 0, err
	}
	return balance - platformFee, platformFee, nil
}
