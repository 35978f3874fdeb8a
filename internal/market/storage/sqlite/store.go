// Package sqlite provides a SQLite-backed marketplace storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/storage"
	"github.com/clawos/skillmarket/internal/market/storage/sqlite/migrations"
	sqlitemigrate "github.com/clawos/skillmarket/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists marketplace state and ledger balances in SQLite. The two
// compound operations run as single transactions, so fund movement and record
// mutation commit or abort together.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite marketplace store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite only honors _txlock and _pragma= options; bare
	// _journal_mode style keys are silently ignored.
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// amountValue bounds a uint64 amount to the signed range SQLite stores.
func amountValue(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d exceeds storable range", amount)
	}
	return int64(amount), nil
}

// CreateMarketplace inserts the marketplace singleton.
func (s *Store) CreateMarketplace(ctx context.Context, marketplace domain.Marketplace) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if marketplace.Address.IsZero() {
		return fmt.Errorf("marketplace address is required")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO marketplaces (address, authority, treasury, fee_bps, skill_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(marketplace.Address),
		string(marketplace.Authority),
		string(marketplace.Treasury),
		int64(marketplace.FeeBps),
		int64(marketplace.SkillCount),
		toMillis(marketplace.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create marketplace: %w", err)
	}
	return nil
}

// GetMarketplace returns the marketplace singleton.
func (s *Store) GetMarketplace(ctx context.Context) (domain.Marketplace, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Marketplace{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT address, authority, treasury, fee_bps, skill_count, created_at
		   FROM marketplaces
		  WHERE address = ?`,
		string(domain.MarketplaceAddress()),
	)
	return scanMarketplace(row)
}

func scanMarketplace(row *sql.Row) (domain.Marketplace, error) {
	var marketplace domain.Marketplace
	var address, authority, treasury string
	var feeBps, skillCount, createdAt int64
	err := row.Scan(&address, &authority, &treasury, &feeBps, &skillCount, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Marketplace{}, storage.ErrNotFound
		}
		return domain.Marketplace{}, fmt.Errorf("get marketplace: %w", err)
	}
	marketplace.Address = domain.Address(address)
	marketplace.Authority = domain.Address(authority)
	marketplace.Treasury = domain.Address(treasury)
	marketplace.FeeBps = uint16(feeBps)
	marketplace.SkillCount = uint64(skillCount)
	marketplace.CreatedAt = fromMillis(createdAt)
	return marketplace, nil
}

// CreateListing inserts one listing and increments the marketplace skill count
// in the same transaction.
func (s *Store) CreateListing(ctx context.Context, listing domain.Listing) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if listing.Address.IsZero() {
		return fmt.Errorf("listing address is required")
	}
	price, err := amountValue(listing.Price)
	if err != nil {
		return err
	}
	var duration any
	if listing.SubscriptionDuration > 0 {
		duration = listing.SubscriptionDuration.Milliseconds()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO listings (
			   address, seller, skill_id, price,
			   is_subscription, subscription_duration_ms, is_active, created_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(listing.Address),
			string(listing.Seller),
			listing.SkillID,
			price,
			listing.Subscription,
			duration,
			listing.Active,
			toMillis(listing.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("create listing: %w", err)
		}

		result, err := tx.ExecContext(
			ctx,
			`UPDATE marketplaces SET skill_count = skill_count + 1 WHERE address = ?`,
			string(domain.MarketplaceAddress()),
		)
		if err != nil {
			return fmt.Errorf("increment skill count: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("increment skill count: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

const listingColumns = `address, seller, skill_id, price,
	is_subscription, subscription_duration_ms, is_active, created_at`

// GetListing returns one listing by address.
func (s *Store) GetListing(ctx context.Context, address domain.Address) (domain.Listing, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Listing{}, err
	}
	if address.IsZero() {
		return domain.Listing{}, fmt.Errorf("listing address is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+listingColumns+` FROM listings WHERE address = ?`,
		string(address),
	)
	listing, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Listing{}, storage.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("get listing: %w", err)
	}
	return listing, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (domain.Listing, error) {
	var listing domain.Listing
	var address, seller string
	var price, createdAt int64
	var durationMillis sql.NullInt64
	err := row.Scan(
		&address,
		&seller,
		&listing.SkillID,
		&price,
		&listing.Subscription,
		&durationMillis,
		&listing.Active,
		&createdAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	listing.Address = domain.Address(address)
	listing.Seller = domain.Address(seller)
	listing.Price = uint64(price)
	if durationMillis.Valid {
		listing.SubscriptionDuration = time.Duration(durationMillis.Int64) * time.Millisecond
	}
	listing.CreatedAt = fromMillis(createdAt)
	return listing, nil
}

// SetListingActive toggles a listing's active flag. No other field changes.
func (s *Store) SetListingActive(ctx context.Context, address domain.Address, active bool) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if address.IsZero() {
		return fmt.Errorf("listing address is required")
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE listings SET is_active = ? WHERE address = ?`,
		active,
		string(address),
	)
	if err != nil {
		return fmt.Errorf("set listing active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set listing active: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListListings returns one page of listing records ordered by address.
func (s *Store) ListListings(ctx context.Context, pageSize int, pageToken string) (storage.ListingPage, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ListingPage{}, err
	}
	if pageSize <= 0 {
		return storage.ListingPage{}, fmt.Errorf("page size must be greater than zero")
	}
	pageToken = strings.TrimSpace(pageToken)

	page := storage.ListingPage{
		Listings: make([]domain.Listing, 0, pageSize),
	}

	var (
		rows *sql.Rows
		err  error
	)
	if pageToken == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT `+listingColumns+` FROM listings ORDER BY address ASC LIMIT ?`,
			pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT `+listingColumns+` FROM listings WHERE address > ? ORDER BY address ASC LIMIT ?`,
			pageToken,
			pageSize+1,
		)
	}
	if err != nil {
		return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		listing, err := scanListing(rows)
		if err != nil {
			return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
		}
		page.Listings = append(page.Listings, listing)
	}
	if err := rows.Err(); err != nil {
		return storage.ListingPage{}, fmt.Errorf("list listings: %w", err)
	}
	if len(page.Listings) > pageSize {
		page.NextPageToken = string(page.Listings[pageSize-1].Address)
		page.Listings = page.Listings[:pageSize]
	}

	return page, nil
}

// GetLicense returns one license by address.
func (s *Store) GetLicense(ctx context.Context, address domain.Address) (domain.License, error) {
	if err := s.ready(ctx); err != nil {
		return domain.License{}, err
	}
	if address.IsZero() {
		return domain.License{}, fmt.Errorf("license address is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT address, owner, listing_address, purchase_price, platform_fee,
		        is_active, usage_count, expires_at, created_at, last_used_at
		   FROM licenses
		  WHERE address = ?`,
		string(address),
	)

	var license domain.License
	var addr, owner, listingAddr string
	var purchasePrice, platformFee, usageCount, createdAt, lastUsedAt int64
	var expiresAt sql.NullInt64
	err := row.Scan(
		&addr,
		&owner,
		&listingAddr,
		&purchasePrice,
		&platformFee,
		&license.Active,
		&usageCount,
		&expiresAt,
		&createdAt,
		&lastUsedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.License{}, storage.ErrNotFound
		}
		return domain.License{}, fmt.Errorf("get license: %w", err)
	}
	license.Address = domain.Address(addr)
	license.Owner = domain.Address(owner)
	license.Listing = domain.Address(listingAddr)
	license.PurchasePrice = uint64(purchasePrice)
	license.PlatformFee = uint64(platformFee)
	license.UsageCount = uint64(usageCount)
	if expiresAt.Valid {
		license.ExpiresAt = fromMillis(expiresAt.Int64)
	}
	license.CreatedAt = fromMillis(createdAt)
	if lastUsedAt != 0 {
		license.LastUsedAt = fromMillis(lastUsedAt)
	}
	return license, nil
}

// RecordLicenseUse counts one use and stamps the last-used time. The counter
// increments in place, so concurrent verifications never overwrite each other.
// It returns the updated usage count.
func (s *Store) RecordLicenseUse(ctx context.Context, address domain.Address, lastUsedAt time.Time) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if address.IsZero() {
		return 0, fmt.Errorf("license address is required")
	}
	var count int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(
			ctx,
			`UPDATE licenses SET usage_count = usage_count + 1, last_used_at = ? WHERE address = ?`,
			toMillis(lastUsedAt),
			string(address),
		)
		if err != nil {
			return fmt.Errorf("record license use: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record license use: %w", err)
		}
		if affected == 0 {
			return storage.ErrNotFound
		}
		err = tx.QueryRowContext(
			ctx,
			`SELECT usage_count FROM licenses WHERE address = ?`,
			string(address),
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("read usage count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(count), nil
}

// Transfer moves amount between accounts atomically.
func (s *Store) Transfer(ctx context.Context, from, to domain.Address, amount uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return transferTx(ctx, tx, from, to, amount)
	})
}

// transferTx debits from and credits to inside an open transaction.
func transferTx(ctx context.Context, tx *sql.Tx, from, to domain.Address, amount uint64) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("transfer accounts are required")
	}
	if amount == 0 {
		return nil
	}
	value, err := amountValue(amount)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE accounts SET balance = balance - ? WHERE address = ? AND balance >= ?`,
		value,
		string(from),
		value,
	)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if affected == 0 {
		return storage.ErrInsufficientFunds
	}

	if err := creditTx(ctx, tx, to, value); err != nil {
		return err
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, to domain.Address, value int64) error {
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO accounts (address, balance) VALUES (?, ?)
		 ON CONFLICT (address) DO UPDATE SET balance = balance + excluded.balance`,
		string(to),
		value,
	)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	return nil
}

// Balance returns an account balance; unknown accounts hold zero.
func (s *Store) Balance(ctx context.Context, address domain.Address) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if address.IsZero() {
		return 0, fmt.Errorf("account address is required")
	}
	var balance int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT balance FROM accounts WHERE address = ?`,
		string(address),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return uint64(balance), nil
}

// Deposit credits an account directly.
func (s *Store) Deposit(ctx context.Context, address domain.Address, amount uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if address.IsZero() {
		return fmt.Errorf("account address is required")
	}
	if amount == 0 {
		return nil
	}
	value, err := amountValue(amount)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return creditTx(ctx, tx, address, value)
	})
}

// CreatePurchase moves the price into escrow and inserts the license in one
// transaction.
func (s *Store) CreatePurchase(ctx context.Context, license domain.License, buyer, escrow domain.Address, amount uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if license.Address.IsZero() {
		return fmt.Errorf("license address is required")
	}
	price, err := amountValue(license.PurchasePrice)
	if err != nil {
		return err
	}
	fee, err := amountValue(license.PlatformFee)
	if err != nil {
		return err
	}
	var expiresAt any
	if !license.ExpiresAt.IsZero() {
		expiresAt = toMillis(license.ExpiresAt)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Re-check the listing inside the transaction so a purchase racing a
		// deactivation cannot commit against an inactive listing.
		var listingActive bool
		err := tx.QueryRowContext(
			ctx,
			`SELECT is_active FROM listings WHERE address = ?`,
			string(license.Listing),
		).Scan(&listingActive)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("read listing: %w", err)
		}
		if !listingActive {
			return storage.ErrListingInactive
		}

		// Insert first so a duplicate purchase aborts before any fund movement.
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO licenses (
			   address, owner, listing_address, purchase_price, platform_fee,
			   is_active, usage_count, expires_at, created_at, last_used_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(license.Address),
			string(license.Owner),
			string(license.Listing),
			price,
			fee,
			license.Active,
			int64(license.UsageCount),
			expiresAt,
			toMillis(license.CreatedAt),
			0,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return storage.ErrAlreadyExists
			}
			return fmt.Errorf("create license: %w", err)
		}
		return transferTx(ctx, tx, buyer, escrow, amount)
	})
}

// SettleClaim drains the escrow into seller and treasury accounts in one
// transaction.
func (s *Store) SettleClaim(ctx context.Context, escrow, seller, treasury domain.Address, split storage.ClaimSplit) (storage.ClaimSettlement, error) {
	if err := s.ready(ctx); err != nil {
		return storage.ClaimSettlement{}, err
	}
	if escrow.IsZero() || seller.IsZero() || treasury.IsZero() {
		return storage.ClaimSettlement{}, fmt.Errorf("claim accounts are required")
	}
	if split == nil {
		return storage.ClaimSettlement{}, fmt.Errorf("claim split is required")
	}

	var settlement storage.ClaimSettlement
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT balance FROM accounts WHERE address = ?`,
			string(escrow),
		).Scan(&balance)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read escrow balance: %w", err)
		}

		sellerAmount, platformFee, err := split(uint64(balance))
		if err != nil {
			return err
		}
		if sellerAmount+platformFee != uint64(balance) {
			return fmt.Errorf("claim split does not drain escrow balance")
		}
		settlement = storage.ClaimSettlement{
			Balance:      uint64(balance),
			SellerAmount: sellerAmount,
			PlatformFee:  platformFee,
		}
		if balance == 0 {
			return nil
		}

		if err := transferTx(ctx, tx, escrow, seller, sellerAmount); err != nil {
			return err
		}
		return transferTx(ctx, tx, escrow, treasury, platformFee)
	})
	if err != nil {
		return storage.ClaimSettlement{}, err
	}
	return settlement, nil
}

// AppendEvent records one success notification.
func (s *Store) AppendEvent(ctx context.Context, event storage.Event) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(event.Kind) == "" {
		return fmt.Errorf("event kind is required")
	}
	attributes, err := json.Marshal(event.Attributes)
	if err != nil {
		return fmt.Errorf("encode event attributes: %w", err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO events (kind, attributes, created_at) VALUES (?, ?, ?)`,
		event.Kind,
		string(attributes),
		toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]storage.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT kind, attributes, created_at FROM events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []storage.Event
	for rows.Next() {
		var event storage.Event
		var attributes string
		var createdAt int64
		if err := rows.Scan(&event.Kind, &attributes, &createdAt); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		if err := json.Unmarshal([]byte(attributes), &event.Attributes); err != nil {
			return nil, fmt.Errorf("decode event attributes: %w", err)
		}
		event.Timestamp = fromMillis(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
