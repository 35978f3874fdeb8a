package domain

import (
	"time"

	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

// DefaultSubscriptionDuration applies when a subscription listing has no
// explicit duration (30 days).
const DefaultSubscriptionDuration = 30 * 24 * time.Hour

// LicenseStatus is the read result of a verification.
type LicenseStatus int

const (
	// LicenseStatusUnspecified represents an invalid status value.
	LicenseStatusUnspecified LicenseStatus = iota
	// LicenseActive indicates a usable license; the verification counted as a use.
	LicenseActive
	// LicenseInactive indicates an explicitly deactivated license.
	LicenseInactive
	// LicenseExpired indicates the license's expiry has passed.
	LicenseExpired
)

// String returns the status name.
func (s LicenseStatus) String() string {
	switch s {
	case LicenseActive:
		return "active"
	case LicenseInactive:
		return "inactive"
	case LicenseExpired:
		return "expired"
	default:
		return "unspecified"
	}
}

// License is a buyer's proof-of-purchase record gating use of one skill.
// Exactly one license exists per (owner, listing) pair; licenses are never
// deleted, and the expiry is fixed at purchase and never extended.
type License struct {
	Address       Address
	Owner         Address
	Listing       Address
	PurchasePrice uint64
	PlatformFee   uint64
	Active        bool
	UsageCount    uint64
	ExpiresAt     time.Time // zero means perpetual
	CreatedAt     time.Time
	LastUsedAt    time.Time // zero until first active verification
}

// IssueLicense builds the license created by a purchase. Subscription listings
// expire a fixed duration after purchase; the listing's duration applies when
// present, otherwise the 30-day default. Non-subscription licenses never
// expire.
func IssueLicense(owner Address, listing Listing, platformFee uint64, now func() time.Time) (License, error) {
	if now == nil {
		now = time.Now
	}
	if owner.IsZero() {
		return License{}, apperrors.New(apperrors.CodeUnauthorized, "license owner is required")
	}
	if listing.Address.IsZero() {
		return License{}, apperrors.New(apperrors.CodeInvalidSkill, "license listing is required")
	}

	createdAt := now().UTC()
	license := License{
		Address:       LicenseAddress(owner, listing.Address),
		Owner:         owner,
		Listing:       listing.Address,
		PurchasePrice: listing.Price,
		PlatformFee:   platformFee,
		Active:        true,
		UsageCount:    0,
		CreatedAt:     createdAt,
	}
	if listing.Subscription {
		duration := listing.SubscriptionDuration
		if duration <= 0 {
			duration = DefaultSubscriptionDuration
		}
		license.ExpiresAt = createdAt.Add(duration)
	}
	return license, nil
}

// Verify runs the license verification state machine. An inactive license
// reports Inactive and an elapsed expiry reports Expired, both without
// mutation. An active verification increments the usage count and stamps the
// last-used time; every active call counts as one use.
func (l *License) Verify(now time.Time) LicenseStatus {
	if !l.Active {
		return LicenseInactive
	}
	if !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt) {
		return LicenseExpired
	}
	l.UsageCount++
	l.LastUsedAt = now.UTC()
	return LicenseActive
}
