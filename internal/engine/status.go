package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"soldout/internal/chain"
	"soldout/internal/domain"
)

// GetStatus produces the best available status for one item, consulting
// sources in priority order: active marketplace listing, then on-chain
// ownership, then the static-price default. Lookup failures degrade to the
// optimistic default rather than an error; the catalog must keep rendering.
func (e *Engine) GetStatus(ctx context.Context, itemID int) domain.StatusRecord {
	now := e.now()
	item, ok := e.Catalog.Get(itemID)
	if !ok {
		return unknownRecord(itemID, now)
	}

	e.mu.Lock()
	prior, exists := e.records[itemID]
	ep := e.epochs[itemID]
	e.mu.Unlock()
	if exists && e.freshRecord(prior, now) {
		return prior
	}

	state, source, owner := e.resolveItem(ctx, item, prior, exists)
	return e.applyResolved(itemID, state, source, owner, ep)
}

// resolveItem walks the priority chain for one item. Ownership is only
// consulted when the listing source could not be evaluated; a confirmed
// inactive listing is sufficient proof of sale, conserving call budget.
func (e *Engine) resolveItem(ctx context.Context, item domain.Item, prior domain.StatusRecord, hasPrior bool) (domain.ItemState, domain.StatusSource, *common.Address) {
	if item.HasListing() {
		var listing domain.Listing
		err := e.Limiter.Do(ctx, func(ctx context.Context) error {
			var lerr error
			listing, lerr = e.Provider.GetListing(ctx, *item.ListingID)
			return lerr
		})
		if err == nil {
			if listing.IsLive(e.now()) {
				return domain.StateForSale, domain.SourceActiveListing, nil
			}
			return domain.StateSold, domain.SourceActiveListing, nil
		}
		e.Log.Debug("listing lookup failed, falling back to ownership",
			zap.Int("item_id", item.ID),
			zap.Int64("listing_id", *item.ListingID),
			zap.Error(err))
	}

	var owner common.Address
	err := e.Limiter.Do(ctx, func(ctx context.Context) error {
		var oerr error
		owner, oerr = e.Provider.OwnerOf(ctx, int64(item.ID))
		return oerr
	})
	if err == nil {
		if owner == e.Treasury {
			return domain.StateForSale, domain.SourceOwnerLookup, &owner
		}
		return domain.StateSold, domain.SourceOwnerLookup, &owner
	}
	e.Log.Debug("ownership lookup failed, using static default",
		zap.Int("item_id", item.ID),
		zap.Error(err))

	// Neither chain source reachable: nonzero static price and not locally
	// marked sold means assume still for sale.
	if hasPrior && prior.State == domain.StateSold {
		return domain.StateSold, domain.SourceDefault, nil
	}
	if item.StaticPriceEth.IsPositive() {
		return domain.StateForSale, domain.SourceDefault, nil
	}
	return domain.StateSold, domain.SourceDefault, nil
}

// applyResolved installs a resolved status unless an optimistic flip happened
// while the read was in flight; explicit sold beats any earlier-initiated read.
func (e *Engine) applyResolved(itemID int, state domain.ItemState, source domain.StatusSource, owner *common.Address, ep uint64) domain.StatusRecord {
	now := e.now()
	e.mu.Lock()
	if e.epochs[itemID] != ep {
		rec := e.records[itemID]
		e.mu.Unlock()
		return rec
	}
	prior, hadPrior := e.records[itemID]
	rec := e.setRecordLocked(domain.StatusRecord{
		ItemID:     itemID,
		State:      state,
		Source:     source,
		ObservedAt: now,
	})
	if owner != nil {
		e.owners.Set(itemID, *owner)
	}
	var counts domain.AggregateCounts
	adjusted := false
	if hadPrior && conclusive(source) {
		counts, adjusted = e.adjustCountsLocked(prior.State, state)
	}
	changed := !hadPrior || prior.State != rec.State || prior.Source != rec.Source
	e.mu.Unlock()

	if conclusive(source) {
		e.persistStatus(rec)
	}
	if changed {
		e.publishStatus(rec)
	}
	if adjusted {
		e.publishCounts(counts)
	}
	return rec
}

// GetStatusForPage resolves a visible page of items, issuing at most one
// batched chain query for the whole page. If the active page changes before
// the batch resolves, the late result is discarded rather than applied; the
// in-flight call itself is not aborted since its quota is already spent.
func (e *Engine) GetStatusForPage(ctx context.Context, itemIDs []int) map[int]domain.StatusRecord {
	now := e.now()
	key := pageKeyOf(itemIDs)
	out := make(map[int]domain.StatusRecord, len(itemIDs))
	var need []int
	eps := make(map[int]uint64)

	e.mu.Lock()
	e.activePage = key
	for _, id := range uniqueIDs(itemIDs) {
		if _, ok := e.Catalog.Get(id); !ok {
			out[id] = unknownRecord(id, now)
			continue
		}
		rec, exists := e.records[id]
		if exists && e.freshRecord(rec, now) {
			out[id] = rec
			continue
		}
		if ownerAddr, ok := e.owners.Get(id); ok {
			out[id] = e.recordFromOwnerLocked(id, ownerAddr, now)
			continue
		}
		eps[id] = e.epochs[id]
		need = append(need, id)
		if exists {
			out[id] = rec
		} else {
			out[id] = unknownRecord(id, now)
		}
	}
	e.mu.Unlock()

	if len(need) == 0 {
		return out
	}
	owners := e.Batcher.OwnerLookup(ctx, need)

	applied := e.applyPage(key, need, eps, owners, out)
	if !applied {
		e.Log.Debug("page changed before batch resolved, result discarded",
			zap.String("page", key), zap.Int("items", len(need)))
	}
	return out
}

func (e *Engine) applyPage(key string, need []int, eps map[int]uint64, owners map[int]chain.OwnerResult, out map[int]domain.StatusRecord) bool {
	now := e.now()
	var toPersist []domain.StatusRecord
	var toPublish []domain.StatusRecord
	var counts domain.AggregateCounts
	countsDirty := false

	e.mu.Lock()
	if e.activePage != key {
		e.mu.Unlock()
		return false
	}
	for _, id := range need {
		res, ok := owners[id]
		if !ok || res.Err != nil {
			// Degrade to whatever out already holds: last cached status or
			// Unknown. Never hide the item.
			continue
		}
		if e.epochs[id] != eps[id] {
			out[id] = e.records[id]
			continue
		}
		prior, hadPrior := e.records[id]
		e.owners.Set(id, res.Owner)
		rec := e.recordFromOwnerLocked(id, res.Owner, now)
		out[id] = rec
		if hadPrior {
			if c, adj := e.adjustCountsLocked(prior.State, rec.State); adj {
				counts = c
				countsDirty = true
			}
		}
		toPersist = append(toPersist, rec)
		if !hadPrior || prior.State != rec.State || prior.Source != rec.Source {
			toPublish = append(toPublish, rec)
		}
	}
	e.mu.Unlock()

	for _, rec := range toPersist {
		e.persistStatus(rec)
	}
	for _, rec := range toPublish {
		e.publishStatus(rec)
	}
	if countsDirty {
		e.publishCounts(counts)
	}
	return true
}

// recordFromOwnerLocked derives and installs an ownership-sourced record.
// Callers hold mu.
func (e *Engine) recordFromOwnerLocked(id int, owner common.Address, now time.Time) domain.StatusRecord {
	state := domain.StateSold
	if owner == e.Treasury {
		state = domain.StateForSale
	}
	return e.setRecordLocked(domain.StatusRecord{
		ItemID:     id,
		State:      state,
		Source:     domain.SourceOwnerLookup,
		ObservedAt: now,
	})
}

// freshRecord reports whether a cached record can be served without a read.
// Optimistic records never expire on their own; they are superseded by the
// settle-delay reconciliation or a later refresh.
func (e *Engine) freshRecord(rec domain.StatusRecord, now time.Time) bool {
	switch rec.Source {
	case domain.SourceOptimisticEvent:
		return true
	case domain.SourceActiveListing, domain.SourceOwnerLookup:
		return now.Sub(rec.ObservedAt) < e.OwnershipTTL
	default:
		return false
	}
}

func conclusive(source domain.StatusSource) bool {
	return source == domain.SourceActiveListing || source == domain.SourceOwnerLookup
}

func unknownRecord(id int, now time.Time) domain.StatusRecord {
	return domain.StatusRecord{
		ItemID:     id,
		State:      domain.StateUnknown,
		Source:     domain.SourceDefault,
		ObservedAt: now,
	}
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
