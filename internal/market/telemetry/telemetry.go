// Package telemetry emits marketplace success notifications.
package telemetry

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/clawos/skillmarket/internal/market/domain"
	"github.com/clawos/skillmarket/internal/market/storage"
)

// Event kinds emitted on successful mutations. Failed operations emit nothing.
const (
	EventSkillListed    = "skill_listed"
	EventSkillPurchased = "skill_purchased"
	EventPaymentClaimed = "payment_claimed"
)

// Emitter appends success notifications to the event store. A nil emitter
// drops events, so callers never branch on wiring.
type Emitter struct {
	events storage.EventStore
	clock  func() time.Time
}

// NewEmitter builds an emitter over the given event store.
func NewEmitter(events storage.EventStore, clock func() time.Time) *Emitter {
	if clock == nil {
		clock = time.Now
	}
	return &Emitter{events: events, clock: clock}
}

// emit appends one event; failures are logged, never surfaced. Notifications
// are observability, not part of the operation's outcome.
func (e *Emitter) emit(ctx context.Context, kind string, attributes map[string]string) {
	if e == nil || e.events == nil {
		return
	}
	event := storage.Event{
		Kind:       kind,
		Attributes: attributes,
		Timestamp:  e.clock().UTC(),
	}
	if err := e.events.AppendEvent(ctx, event); err != nil {
		log.Printf("telemetry: append %s event: %v", kind, err)
	}
}

// SkillListed records a successful listing creation.
func (e *Emitter) SkillListed(ctx context.Context, listing domain.Listing) {
	e.emit(ctx, EventSkillListed, map[string]string{
		"seller":   listing.Seller.String(),
		"skill_id": listing.SkillID,
		"price":    strconv.FormatUint(listing.Price, 10),
	})
}

// SkillPurchased records a successful purchase.
func (e *Emitter) SkillPurchased(ctx context.Context, license domain.License, listing domain.Listing) {
	e.emit(ctx, EventSkillPurchased, map[string]string{
		"buyer":    license.Owner.String(),
		"seller":   listing.Seller.String(),
		"skill_id": listing.SkillID,
		"price":    strconv.FormatUint(license.PurchasePrice, 10),
		"license":  license.Address.String(),
	})
}

// PaymentClaimed records a successful escrow claim.
func (e *Emitter) PaymentClaimed(ctx context.Context, listing domain.Listing, settlement storage.ClaimSettlement) {
	e.emit(ctx, EventPaymentClaimed, map[string]string{
		"seller":        listing.Seller.String(),
		"skill_id":      listing.SkillID,
		"seller_amount": strconv.FormatUint(settlement.SellerAmount, 10),
		"platform_fee":  strconv.FormatUint(settlement.PlatformFee, 10),
	})
}
