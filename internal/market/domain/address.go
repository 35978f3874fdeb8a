package domain

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"strings"
)

// Address identifies an account or record. Addresses are derived from stable
// inputs, so any party can recompute them without a directory lookup and two
// distinct logical entities never share one.
type Address string

// addressEncoding is lowercase base32 (RFC 4648) with no padding, producing
// 26-character strings safe for URLs and file paths.
var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Seed prefixes keep derivations for different record kinds disjoint.
const (
	seedMarketplace = "marketplace"
	seedSkill       = "skill"
	seedLicense     = "license"
	seedEscrow      = "escrow"
)

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

// String returns the address text.
func (a Address) String() string {
	return string(a)
}

// derive hashes length-prefixed seed parts and encodes the first 16 bytes.
// Length prefixes prevent distinct part lists from colliding on one digest.
func derive(parts ...string) Address {
	h := sha256.New()
	var prefix [4]byte
	for _, part := range parts {
		binary.BigEndian.PutUint32(prefix[:], uint32(len(part)))
		h.Write(prefix[:])
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return Address(strings.ToLower(addressEncoding.EncodeToString(sum[:16])))
}

// MarketplaceAddress returns the address of the marketplace singleton.
func MarketplaceAddress() Address {
	return derive(seedMarketplace)
}

// ListingAddress returns the address of the listing for seller and skillID.
func ListingAddress(seller Address, skillID string) Address {
	return derive(seedSkill, string(seller), skillID)
}

// LicenseAddress returns the address of owner's license for a listing.
func LicenseAddress(owner Address, listing Address) Address {
	return derive(seedLicense, string(owner), string(listing))
}

// EscrowAddress returns the escrow account address for a skill. All buyers of
// one skill pay into the same escrow.
func EscrowAddress(skillID string) Address {
	return derive(seedEscrow, skillID)
}
