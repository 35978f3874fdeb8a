package domain

import (
	"strings"
	"time"

	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

// MaxSkillIDBytes bounds the stored skill identifier.
const MaxSkillIDBytes = 64

// Listing is a seller's offer of one skill at a fixed price. Listings are
// never deleted; sellers toggle the Active flag instead.
type Listing struct {
	Address              Address
	Seller               Address
	SkillID              string
	Price                uint64
	Subscription         bool
	SubscriptionDuration time.Duration // zero means no explicit duration
	Active               bool
	CreatedAt            time.Time
}

// CreateListingInput describes the inputs needed to list a skill.
type CreateListingInput struct {
	Seller               Address
	SkillID              string
	Price                uint64
	Subscription         bool
	SubscriptionDuration time.Duration
}

// CreateListing validates the input and builds an active listing record at
// the deterministic (seller, skill id) address.
func CreateListing(input CreateListingInput, now func() time.Time) (Listing, error) {
	if now == nil {
		now = time.Now
	}
	if input.Seller.IsZero() {
		return Listing{}, apperrors.New(apperrors.CodeUnauthorized, "listing seller is required")
	}
	skillID := strings.TrimSpace(input.SkillID)
	if skillID == "" {
		return Listing{}, apperrors.New(apperrors.CodeInvalidSkill, "skill id is required")
	}
	if len(skillID) > MaxSkillIDBytes {
		return Listing{}, apperrors.WithMetadata(
			apperrors.CodeSkillIDTooLong,
			"skill id exceeds maximum length",
			map[string]string{"skill_id": skillID},
		)
	}
	if input.Price == 0 {
		return Listing{}, apperrors.New(apperrors.CodeInvalidPrice, "price must be greater than zero")
	}
	if input.SubscriptionDuration < 0 {
		return Listing{}, apperrors.New(apperrors.CodeInvalidPrice, "subscription duration must not be negative")
	}
	return Listing{
		Address:              ListingAddress(input.Seller, skillID),
		Seller:               input.Seller,
		SkillID:              skillID,
		Price:                input.Price,
		Subscription:         input.Subscription,
		SubscriptionDuration: input.SubscriptionDuration,
		Active:               true,
		CreatedAt:            now().UTC(),
	}, nil
}
