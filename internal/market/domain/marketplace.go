package domain

import (
	"strconv"
	"time"

	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

// Marketplace is the singleton registry: fee rate, treasury destination and
// the aggregate skill count.
type Marketplace struct {
	Address    Address
	Authority  Address
	Treasury   Address
	FeeBps     uint16
	SkillCount uint64
	CreatedAt  time.Time
}

// NewMarketplace validates the initialization inputs and builds the singleton
// record. The skill count starts at zero and only ever grows.
func NewMarketplace(authority, treasury Address, feeBps uint16, now func() time.Time) (Marketplace, error) {
	if now == nil {
		now = time.Now
	}
	if authority.IsZero() {
		return Marketplace{}, apperrors.New(apperrors.CodeUnauthorized, "marketplace authority is required")
	}
	if treasury.IsZero() {
		return Marketplace{}, apperrors.New(apperrors.CodeInvalidFee, "treasury address is required")
	}
	if feeBps > MaxFeeBps {
		return Marketplace{}, apperrors.WithMetadata(
			apperrors.CodeInvalidFee,
			"platform fee exceeds maximum",
			map[string]string{"fee_bps": strconv.FormatUint(uint64(feeBps), 10)},
		)
	}
	return Marketplace{
		Address:    MarketplaceAddress(),
		Authority:  authority,
		Treasury:   treasury,
		FeeBps:     feeBps,
		SkillCount: 0,
		CreatedAt:  now().UTC(),
	}, nil
}
