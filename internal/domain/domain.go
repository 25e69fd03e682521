package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ItemState is the engine's belief about whether an item can still be bought.
type ItemState string

const (
	StateForSale ItemState = "for_sale"
	StateSold    ItemState = "sold"
	StateUnknown ItemState = "unknown"
)

// StatusSource records where a status came from.
type StatusSource string

const (
	SourceActiveListing   StatusSource = "active_listing"
	SourceOwnerLookup     StatusSource = "owner_lookup"
	SourceOptimisticEvent StatusSource = "optimistic_event"
	SourceDefault         StatusSource = "default"
)

// Item is one catalog entry. Defined entirely by the static catalog at load
// time and never mutated; a zero StaticPriceEth means "no known listing".
type Item struct {
	ID             int             `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	Image          string          `json:"image,omitempty" yaml:"image,omitempty"`
	StaticPriceEth decimal.Decimal `json:"static_price_eth" yaml:"static_price_eth"`
	ListingID      *int64          `json:"listing_id,omitempty" yaml:"listing_id,omitempty"`
}

// HasListing reports whether the item was ever listed on the marketplace.
func (i Item) HasListing() bool {
	return i.ListingID != nil
}

// StatusRecord is the engine's current belief about one item.
type StatusRecord struct {
	ItemID     int          `json:"item_id"`
	State      ItemState    `json:"state"`
	Source     StatusSource `json:"source"`
	ObservedAt time.Time    `json:"observed_at" format:"date-time"`
}

// AggregateCounts is the collection-wide live/sold tally. A valid value always
// satisfies LiveCount+SoldCount == catalog size.
type AggregateCounts struct {
	LiveCount int       `json:"live_count"`
	SoldCount int       `json:"sold_count"`
	AsOf      time.Time `json:"as_of" format:"date-time"`
}

// Total returns the number of items the counts cover.
func (c AggregateCounts) Total() int {
	return c.LiveCount + c.SoldCount
}

// PurchaseEvent is the signal emitted by the transaction-submission flow when
// a local purchase completes. PaidPriceEth may be absent.
type PurchaseEvent struct {
	ID           string           `json:"id"`
	ItemID       int              `json:"item_id"`
	PaidPriceEth *decimal.Decimal `json:"paid_price_eth,omitempty"`
	AnnouncedAt  time.Time        `json:"announced_at" format:"date-time"`
}

// Listing is a marketplace-side sale record, with its own lifecycle
// independent of on-chain ownership.
type Listing struct {
	ID       int64          `json:"id"`
	Seller   common.Address `json:"seller"`
	TokenID  int64          `json:"token_id"`
	Quantity uint64         `json:"quantity"`
	PriceWei *big.Int       `json:"price_wei"`
	Expiry   time.Time      `json:"expiry"`
	Active   bool           `json:"active"`
}

// IsLive reports whether the listing can still be bought from at the given
// instant: flagged active, unexpired, and with remaining quantity.
func (l Listing) IsLive(now time.Time) bool {
	if !l.Active || l.Quantity == 0 {
		return false
	}
	if !l.Expiry.IsZero() && !now.Before(l.Expiry) {
		return false
	}
	return true
}

// PriceEth converts the listing price from wei.
func (l Listing) PriceEth() decimal.Decimal {
	if l.PriceWei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(l.PriceWei, -18)
}

// UpdateKind discriminates pushed updates.
type UpdateKind string

const (
	UpdateStatus UpdateKind = "status"
	UpdateCounts UpdateKind = "counts"
)

// Update is what UI surfaces receive through the subscription channel instead
// of polling.
type Update struct {
	Kind   UpdateKind       `json:"kind"`
	Status *StatusRecord    `json:"status,omitempty"`
	Counts *AggregateCounts `json:"counts,omitempty"`
}
