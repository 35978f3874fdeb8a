// Package storage defines persistence and ledger contracts for marketplace state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a record already occupies its derived address.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrInsufficientFunds indicates a transfer exceeds the source balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrListingInactive indicates a purchase against a deactivated listing.
	ErrListingInactive = errors.New("listing is not active")
)

// Event records one success notification for external observers.
type Event struct {
	Kind       string
	Attributes map[string]string
	Timestamp  time.Time
}

// ListingPage stores one page of listing records.
type ListingPage struct {
	Listings      []domain.Listing
	NextPageToken string
}

// ClaimSplit computes the seller and treasury shares of an escrow balance.
// It runs inside the claim transaction, after the balance read.
type ClaimSplit func(balance uint64) (sellerAmount, platformFee uint64, err error)

// ClaimSettlement reports the amounts moved by a claim.
type ClaimSettlement struct {
	Balance      uint64
	SellerAmount uint64
	PlatformFee  uint64
}

// MarketplaceStore persists the marketplace singleton.
type MarketplaceStore interface {
	// CreateMarketplace inserts the singleton; a second insert fails with
	// ErrAlreadyExists.
	CreateMarketplace(ctx context.Context, marketplace domain.Marketplace) error
	GetMarketplace(ctx context.Context) (domain.Marketplace, error)
}

// ListingStore persists skill listings.
type ListingStore interface {
	// CreateListing inserts one listing and increments the marketplace skill
	// count in the same transaction. A listing already at the derived address
	// fails with ErrAlreadyExists.
	CreateListing(ctx context.Context, listing domain.Listing) error
	GetListing(ctx context.Context, address domain.Address) (domain.Listing, error)
	SetListingActive(ctx context.Context, address domain.Address, active bool) error
	ListListings(ctx context.Context, pageSize int, pageToken string) (ListingPage, error)
}

// LicenseStore persists purchase licenses.
type LicenseStore interface {
	GetLicense(ctx context.Context, address domain.Address) (domain.License, error)
	// RecordLicenseUse counts one use of a license atomically and stamps the
	// last-used time, returning the updated usage count. Concurrent
	// verifications of the same license serialize on the counter.
	RecordLicenseUse(ctx context.Context, address domain.Address, lastUsedAt time.Time) (uint64, error)
}

// Ledger moves and reports fungible balances. The marketplace core computes
// how much moves between which parties; the ledger executes it.
type Ledger interface {
	// Transfer moves amount from one account to another atomically, failing
	// with ErrInsufficientFunds when the source balance is too low.
	Transfer(ctx context.Context, from, to domain.Address, amount uint64) error
	Balance(ctx context.Context, address domain.Address) (uint64, error)
	// Deposit credits an account directly. It is the faucet for tests and
	// operator tooling, not part of the marketplace operations.
	Deposit(ctx context.Context, address domain.Address, amount uint64) error
}

// SettlementStore executes the two compound fund-moving operations. Each call
// commits fully or not at all.
type SettlementStore interface {
	// CreatePurchase moves the price from buyer to escrow and inserts the
	// license in one transaction. The listing's active flag is re-checked
	// inside that transaction; a deactivated listing fails with
	// ErrListingInactive. A duplicate license fails with ErrAlreadyExists; a
	// short buyer balance with ErrInsufficientFunds. In all cases no funds
	// move.
	CreatePurchase(ctx context.Context, license domain.License, buyer, escrow domain.Address, amount uint64) error
	// SettleClaim drains the escrow balance into the seller and treasury
	// accounts in one transaction, splitting it with the provided function.
	// The escrow authorizes its own outflow; no caller credential reaches the
	// store. A zero balance settles to zero transfers without error.
	SettleClaim(ctx context.Context, escrow, seller, treasury domain.Address, split ClaimSplit) (ClaimSettlement, error)
}

// EventStore records success notifications.
type EventStore interface {
	AppendEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, limit int) ([]Event, error)
}

// Store aggregates every persistence contract the market service needs.
type Store interface {
	MarketplaceStore
	ListingStore
	LicenseStore
	Ledger
	SettlementStore
	EventStore
}
