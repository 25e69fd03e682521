package engine

import (
	"context"

	"go.uber.org/zap"

	"soldout/internal/domain"
)

// GetAggregateCounts serves the collection-wide live/sold tally. A cached
// value is returned immediately even past its TTL while exactly one
// background refresh runs; only a cold cache makes the caller wait.
func (e *Engine) GetAggregateCounts(ctx context.Context) (domain.AggregateCounts, error) {
	counts, stale, err := e.counts.GetOrRefresh(ctx, countsKey{}, e.refreshCounts)
	if err != nil {
		return domain.AggregateCounts{}, err
	}
	if stale {
		e.Log.Debug("serving stale counts while refresh is in flight",
			zap.Time("as_of", counts.AsOf))
	}
	return counts, nil
}

// ForceRefresh bypasses the cache, recomputes authoritative counts, and
// replaces the cached entry.
func (e *Engine) ForceRefresh(ctx context.Context) (domain.AggregateCounts, error) {
	counts, err := e.refreshCounts(ctx)
	if err != nil {
		return domain.AggregateCounts{}, err
	}
	e.counts.Set(countsKey{}, counts)
	return counts, nil
}

// refreshCounts recomputes the aggregate from a full-catalog ownership scan.
// Per-item failures count as live (assume still for sale) unless the engine
// already believes the item sold; an optimistic sold always stays sold here,
// whatever the possibly stale scan said.
func (e *Engine) refreshCounts(ctx context.Context) (domain.AggregateCounts, error) {
	ids := e.Catalog.IDs()
	owners := e.Batcher.OwnerLookup(ctx, ids)

	live, sold := 0, 0
	e.mu.Lock()
	for _, id := range ids {
		if rec, ok := e.records[id]; ok && rec.State == domain.StateSold && rec.Source == domain.SourceOptimisticEvent {
			sold++
			continue
		}
		res, ok := owners[id]
		switch {
		case !ok || res.Err != nil:
			if rec, has := e.records[id]; has && rec.State == domain.StateSold {
				sold++
			} else {
				live++
			}
		case res.Owner == e.Treasury:
			live++
		default:
			sold++
		}
	}
	e.mu.Unlock()

	counts := domain.AggregateCounts{
		LiveCount: live,
		SoldCount: sold,
		AsOf:      e.now(),
	}
	if counts.Total() != e.Catalog.Size() {
		e.Log.Error("counts refresh discarded",
			zap.Int("live", live),
			zap.Int("sold", sold),
			zap.Int("catalog_size", e.Catalog.Size()))
		return domain.AggregateCounts{}, ErrInconsistentCounts
	}
	e.persistCounts(counts, counts.AsOf.Add(e.CountsTTL))
	e.publishCounts(counts)
	return counts, nil
}
