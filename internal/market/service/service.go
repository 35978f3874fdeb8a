// Package service implements the marketplace operations over storage, grants
// and telemetry.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/grant"
	"github.com/clawos/skillmarket/internal/market/storage"
	"github.com/clawos/skillmarket/internal/market/telemetry"
	apperrors "github.com/clawos/skillmarket/internal/platform/errors"
)

const (
	defaultListSkillsPageSize = 20
	maxListSkillsPageSize     = 100

	defaultListEventsLimit = 50
	maxListEventsLimit     = 500
)

// Service executes marketplace operations. Every mutating call requires a
// caller grant; the grant's caller claim is the acting address.
type Service struct {
	store   storage.Store
	grants  grant.Config
	emitter *telemetry.Emitter
	clock   func() time.Time
}

// NewService creates a marketplace service.
func NewService(store storage.Store, grants grant.Config, emitter *telemetry.Emitter, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:   store,
		grants:  grants,
		emitter: emitter,
		clock:   clock,
	}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil {
		return apperrors.New(apperrors.CodeInternal, "marketplace storage is not configured")
	}
	return nil
}

// authorize verifies the caller grant and returns the acting address.
func (s *Service) authorize(token string) (domain.Address, error) {
	claims, err := grant.Verify(token, s.grants)
	if err != nil {
		return "", err
	}
	return claims.Caller, nil
}

// marketplace loads the singleton, reporting NOT_FOUND when uninitialized.
func (s *Service) marketplace(ctx context.Context) (domain.Marketplace, error) {
	marketplace, err := s.store.GetMarketplace(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Marketplace{}, apperrors.New(apperrors.CodeNotFound, "marketplace is not initialized")
		}
		return domain.Marketplace{}, apperrors.Wrap(apperrors.CodeInternal, "load marketplace", err)
	}
	return marketplace, nil
}

// InitializeInput describes the marketplace initialization request. The grant
// caller becomes the marketplace authority.
type InitializeInput struct {
	Grant    string
	Treasury domain.Address
	FeeBps   uint16
}

// InitializeMarketplace creates the marketplace singleton.
func (s *Service) InitializeMarketplace(ctx context.Context, input InitializeInput) (domain.Marketplace, error) {
	if err := s.ready(); err != nil {
		return domain.Marketplace{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return domain.Marketplace{}, err
	}

	marketplace, err := domain.NewMarketplace(caller, input.Treasury, input.FeeBps, s.clock)
	if err != nil {
		return domain.Marketplace{}, err
	}
	if err := s.store.CreateMarketplace(ctx, marketplace); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.Marketplace{}, apperrors.New(apperrors.CodeAlreadyExists, "marketplace is already initialized")
		}
		return domain.Marketplace{}, apperrors.Wrap(apperrors.CodeInternal, "create marketplace", err)
	}
	return marketplace, nil
}

// ListSkillInput describes a listing request. The grant caller is the seller.
type ListSkillInput struct {
	Grant                string
	SkillID              string
	Price                uint64
	Subscription         bool
	SubscriptionDuration time.Duration
}

// ListSkill creates an active listing at the deterministic (seller, skill)
// address and bumps the marketplace skill count.
func (s *Service) ListSkill(ctx context.Context, input ListSkillInput) (domain.Listing, error) {
	if err := s.ready(); err != nil {
		return domain.Listing{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return domain.Listing{}, err
	}

	listing, err := domain.CreateListing(domain.CreateListingInput{
		Seller:               caller,
		SkillID:              input.SkillID,
		Price:                input.Price,
		Subscription:         input.Subscription,
		SubscriptionDuration: input.SubscriptionDuration,
	}, s.clock)
	if err != nil {
		return domain.Listing{}, err
	}

	if err := s.store.CreateListing(ctx, listing); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return domain.Listing{}, apperrors.WithMetadata(
				apperrors.CodeAlreadyExists,
				"skill is already listed",
				map[string]string{"skill_id": listing.SkillID},
			)
		case errors.Is(err, storage.ErrNotFound):
			return domain.Listing{}, apperrors.New(apperrors.CodeNotFound, "marketplace is not initialized")
		default:
			return domain.Listing{}, apperrors.Wrap(apperrors.CodeInternal, "create listing", err)
		}
	}

	s.emitter.SkillListed(ctx, listing)
	return listing, nil
}

// PurchaseSkillInput describes a purchase request. The grant caller is the
// buyer; the listing is named by its seller and skill identifier.
type PurchaseSkillInput struct {
	Grant   string
	Seller  domain.Address
	SkillID string
}

// PurchaseSkill moves the listing price into the skill's escrow and issues a
// license to the buyer. Fee and expiry are fixed at purchase time.
func (s *Service) PurchaseSkill(ctx context.Context, input PurchaseSkillInput) (domain.License, error) {
	if err := s.ready(); err != nil {
		return domain.License{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return domain.License{}, err
	}

	marketplace, err := s.marketplace(ctx)
	if err != nil {
		return domain.License{}, err
	}
	listing, err := s.listing(ctx, input.Seller, input.SkillID)
	if err != nil {
		return domain.License{}, err
	}
	if !listing.Active {
		return domain.License{}, apperrors.WithMetadata(
			apperrors.CodeSkillNotActive,
			"skill is not active",
			map[string]string{"skill_id": listing.SkillID},
		)
	}

	platformFee, err := domain.PlatformFee(listing.Price, marketplace.FeeBps)
	if err != nil {
		return domain.License{}, err
	}
	license, err := domain.IssueLicense(caller, listing, platformFee, s.clock)
	if err != nil {
		return domain.License{}, err
	}

	escrow := domain.EscrowAddress(listing.SkillID)
	if err := s.store.CreatePurchase(ctx, license, caller, escrow, listing.Price); err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyExists):
			return domain.License{}, apperrors.WithMetadata(
				apperrors.CodeAlreadyExists,
				"license already exists for this skill",
				map[string]string{"skill_id": listing.SkillID},
			)
		case errors.Is(err, storage.ErrInsufficientFunds):
			return domain.License{}, apperrors.New(apperrors.CodeInsufficientFunds, "buyer balance is too low")
		case errors.Is(err, storage.ErrListingInactive):
			return domain.License{}, apperrors.WithMetadata(
				apperrors.CodeSkillNotActive,
				"skill is not active",
				map[string]string{"skill_id": listing.SkillID},
			)
		case errors.Is(err, storage.ErrNotFound):
			return domain.License{}, apperrors.WithMetadata(
				apperrors.CodeNotFound,
				"skill listing not found",
				map[string]string{"skill_id": listing.SkillID},
			)
		default:
			return domain.License{}, apperrors.Wrap(apperrors.CodeInternal, "create purchase", err)
		}
	}

	s.emitter.SkillPurchased(ctx, license, listing)
	return license, nil
}

// ClaimPaymentInput describes a claim request. The grant caller must be the
// listing seller.
type ClaimPaymentInput struct {
	Grant   string
	Seller  domain.Address
	SkillID string
}

// ClaimPayment drains the skill's escrow: the accumulated fee share goes to
// the treasury and the remainder to the seller. The escrow account authorizes
// its own outflow; the grant only proves the caller is the seller.
func (s *Service) ClaimPayment(ctx context.Context, input ClaimPaymentInput) (storage.ClaimSettlement, error) {
	if err := s.ready(); err != nil {
		return storage.ClaimSettlement{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return storage.ClaimSettlement{}, err
	}

	marketplace, err := s.marketplace(ctx)
	if err != nil {
		return storage.ClaimSettlement{}, err
	}
	listing, err := s.listing(ctx, input.Seller, input.SkillID)
	if err != nil {
		return storage.ClaimSettlement{}, err
	}
	if caller != listing.Seller {
		return storage.ClaimSettlement{}, apperrors.New(apperrors.CodeUnauthorized, "only the seller may claim payment")
	}

	escrow := domain.EscrowAddress(listing.SkillID)
	settlement, err := s.store.SettleClaim(ctx, escrow, listing.Seller, marketplace.Treasury, func(balance uint64) (uint64, uint64, error) {
		return domain.SplitBalance(balance, marketplace.FeeBps)
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return storage.ClaimSettlement{}, err
		}
		return storage.ClaimSettlement{}, apperrors.Wrap(apperrors.CodeInternal, "settle claim", err)
	}

	s.emitter.PaymentClaimed(ctx, listing, settlement)
	return settlement, nil
}

// VerifyLicenseInput describes a verification request. The grant caller is the
// license owner; the license is named by the listing it gates.
type VerifyLicenseInput struct {
	Grant   string
	Seller  domain.Address
	SkillID string
}

// VerifyLicense runs the license state machine. An active license counts the
// call as one use and persists the updated counters; an inactive or expired
// license fails with the matching code and records nothing.
func (s *Service) VerifyLicense(ctx context.Context, input VerifyLicenseInput) (domain.License, error) {
	if err := s.ready(); err != nil {
		return domain.License{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return domain.License{}, err
	}

	listingAddress := domain.ListingAddress(input.Seller, strings.TrimSpace(input.SkillID))
	licenseAddress := domain.LicenseAddress(caller, listingAddress)
	license, err := s.store.GetLicense(ctx, licenseAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.License{}, apperrors.New(apperrors.CodeNotFound, "license not found")
		}
		return domain.License{}, apperrors.Wrap(apperrors.CodeInternal, "load license", err)
	}
	if license.Owner != caller {
		return domain.License{}, apperrors.New(apperrors.CodeUnauthorized, "only the license owner may verify it")
	}

	now := s.clock().UTC()
	switch license.Verify(now) {
	case domain.LicenseInactive:
		return domain.License{}, apperrors.New(apperrors.CodeLicenseInactive, "license is inactive")
	case domain.LicenseExpired:
		return domain.License{}, apperrors.New(apperrors.CodeLicenseExpired, "license is expired")
	}

	// The store increments the counter in place; the loaded record's count may
	// be stale under concurrent verifications.
	count, err := s.store.RecordLicenseUse(ctx, license.Address, now)
	if err != nil {
		return domain.License{}, apperrors.Wrap(apperrors.CodeInternal, "record license use", err)
	}
	license.UsageCount = count
	license.LastUsedAt = now
	return license, nil
}

// UpdateSkillStatusInput describes an activation toggle. The grant caller must
// be the listing seller.
type UpdateSkillStatusInput struct {
	Grant   string
	Seller  domain.Address
	SkillID string
	Active  bool
}

// UpdateSkillStatus toggles a listing's active flag. No other field changes.
func (s *Service) UpdateSkillStatus(ctx context.Context, input UpdateSkillStatusInput) (domain.Listing, error) {
	if err := s.ready(); err != nil {
		return domain.Listing{}, err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return domain.Listing{}, err
	}

	listing, err := s.listing(ctx, input.Seller, input.SkillID)
	if err != nil {
		return domain.Listing{}, err
	}
	if caller != listing.Seller {
		return domain.Listing{}, apperrors.New(apperrors.CodeUnauthorized, "only the seller may update skill status")
	}

	if err := s.store.SetListingActive(ctx, listing.Address, input.Active); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Listing{}, apperrors.New(apperrors.CodeNotFound, "skill listing not found")
		}
		return domain.Listing{}, apperrors.Wrap(apperrors.CodeInternal, "update skill status", err)
	}
	listing.Active = input.Active
	return listing, nil
}

// DepositInput describes an operator deposit. Only the marketplace authority
// may mint balances.
type DepositInput struct {
	Grant   string
	Account domain.Address
	Amount  uint64
}

// Deposit credits an account balance. It exists for operator funding, not as
// a marketplace operation.
func (s *Service) Deposit(ctx context.Context, input DepositInput) error {
	if err := s.ready(); err != nil {
		return err
	}
	caller, err := s.authorize(input.Grant)
	if err != nil {
		return err
	}

	marketplace, err := s.marketplace(ctx)
	if err != nil {
		return err
	}
	if caller != marketplace.Authority {
		return apperrors.New(apperrors.CodeUnauthorized, "only the marketplace authority may deposit")
	}
	if input.Account.IsZero() {
		return apperrors.New(apperrors.CodeInvalidPrice, "deposit account is required")
	}
	if input.Amount == 0 {
		return apperrors.New(apperrors.CodeInvalidPrice, "deposit amount must be greater than zero")
	}

	if err := s.store.Deposit(ctx, input.Account, input.Amount); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "deposit", err)
	}
	return nil
}

// GetMarketplace returns the marketplace singleton.
func (s *Service) GetMarketplace(ctx context.Context) (domain.Marketplace, error) {
	if err := s.ready(); err != nil {
		return domain.Marketplace{}, err
	}
	return s.marketplace(ctx)
}

// GetSkill returns the listing for one (seller, skill) pair.
func (s *Service) GetSkill(ctx context.Context, seller domain.Address, skillID string) (domain.Listing, error) {
	if err := s.ready(); err != nil {
		return domain.Listing{}, err
	}
	return s.listing(ctx, seller, skillID)
}

// ListSkills returns one page of listings.
func (s *Service) ListSkills(ctx context.Context, pageSize int, pageToken string) (storage.ListingPage, error) {
	if err := s.ready(); err != nil {
		return storage.ListingPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultListSkillsPageSize
	}
	if pageSize > maxListSkillsPageSize {
		pageSize = maxListSkillsPageSize
	}
	page, err := s.store.ListListings(ctx, pageSize, pageToken)
	if err != nil {
		return storage.ListingPage{}, apperrors.Wrap(apperrors.CodeInternal, "list skills", err)
	}
	return page, nil
}

// GetLicense returns one license record without counting a use.
func (s *Service) GetLicense(ctx context.Context, owner, seller domain.Address, skillID string) (domain.License, error) {
	if err := s.ready(); err != nil {
		return domain.License{}, err
	}
	address := domain.LicenseAddress(owner, domain.ListingAddress(seller, strings.TrimSpace(skillID)))
	license, err := s.store.GetLicense(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.License{}, apperrors.New(apperrors.CodeNotFound, "license not found")
		}
		return domain.License{}, apperrors.Wrap(apperrors.CodeInternal, "load license", err)
	}
	return license, nil
}

// EscrowBalance returns the undistributed balance held for one skill.
func (s *Service) EscrowBalance(ctx context.Context, skillID string) (uint64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	balance, err := s.store.Balance(ctx, domain.EscrowAddress(strings.TrimSpace(skillID)))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "escrow balance", err)
	}
	return balance, nil
}

// AccountBalance returns one account's balance.
func (s *Service) AccountBalance(ctx context.Context, address domain.Address) (uint64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if address.IsZero() {
		return 0, apperrors.New(apperrors.CodeInvalidPrice, "account address is required")
	}
	balance, err := s.store.Balance(ctx, address)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternal, "account balance", err)
	}
	return balance, nil
}

// ListEvents returns the most recent success notifications, newest first.
func (s *Service) ListEvents(ctx context.Context, limit int) ([]storage.Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListEventsLimit
	}
	if limit > maxListEventsLimit {
		limit = maxListEventsLimit
	}
	events, err := s.store.ListEvents(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list events", err)
	}
	return events, nil
}

// listing resolves a (seller, skill) pair to its stored record.
func (s *Service) listing(ctx context.Context, seller domain.Address, skillID string) (domain.Listing, error) {
	if seller.IsZero() {
		return domain.Listing{}, apperrors.New(apperrors.CodeInvalidSkill, "seller address is required")
	}
	skillID = strings.TrimSpace(skillID)
	address := domain.ListingAddress(seller, skillID)
	listing, err := s.store.GetListing(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Listing{}, apperrors.WithMetadata(
				apperrors.CodeNotFound,
				"skill listing not found",
				map[string]string{"skill_id": skillID},
			)
		}
		return domain.Listing{}, apperrors.Wrap(apperrors.CodeInternal, "load listing", err)
	}
	// Defense against address/identifier mismatch: the stored record must
	// carry the identifiers it was resolved by.
	if listing.SkillID != skillID || listing.Seller != seller {
		return domain.Listing{}, apperrors.New(apperrors.CodeInvalidSkill, "skill identifier mismatch")
	}
	return listing, nil
}
