// Package engine is the inventory status reconciliation engine: one shared
// service that maintains live/sold state for the whole catalog, batches and
// throttles the underlying chain reads, and merges optimistic purchase events
// with delayed ground-truth confirmation. Every UI surface talks to this
// engine instead of re-implementing status logic per screen.
package engine

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"soldout/internal/bus"
	"soldout/internal/cache"
	"soldout/internal/cachedb"
	"soldout/internal/catalog"
	"soldout/internal/chain"
	"soldout/internal/config"
	"soldout/internal/domain"
	"soldout/internal/limiter"
)

// ErrInconsistentCounts marks a computed aggregate that would violate the
// live+sold == catalog size invariant. The refresh is discarded and the last
// good value kept.
var ErrInconsistentCounts = errors.New("aggregate counts violate catalog size invariant")

type countsKey struct{}

// Engine is the single shared status service.
type Engine struct {
	Catalog  *catalog.Catalog
	Provider *chain.Provider
	Batcher  *chain.Batcher
	Limiter  *limiter.Limiter
	Bus      *bus.Bus
	Log      *zap.Logger

	// Store is the optional SQLite-backed local TTL cache; nil means
	// in-memory only.
	Store *cachedb.Store

	// Now is swappable for tests.
	Now func() time.Time

	Treasury     common.Address
	SettleDelay  time.Duration
	OwnershipTTL time.Duration
	CountsTTL    time.Duration

	mu         sync.Mutex
	records    map[int]domain.StatusRecord
	epochs     map[int]uint64
	pending    map[int]*purchaseFlow
	activePage string

	owners *cache.Store[int, common.Address]
	counts *cache.Store[countsKey, domain.AggregateCounts]

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool
}

// New wires an engine from config. caller is the chain transport (an
// *ethclient.Client in production); logger may be nil.
func New(cfg *config.Config, cat *catalog.Catalog, caller chain.ContractCaller, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := chain.NewProvider(caller, chain.Addresses{
		Collection:  common.HexToAddress(cfg.Chain.CollectionAddress),
		Marketplace: common.HexToAddress(cfg.Chain.MarketplaceAddress),
		Multicall:   common.HexToAddress(cfg.Chain.MulticallAddress),
	}, logger)
	lim := limiter.New(cfg.Limits.CallsPerWindow, cfg.Window())
	lim.CallTimeout = cfg.CallTimeout()
	lim.QueueTimeout = cfg.QueueTimeout()
	batcher := chain.NewBatcher(provider, lim)
	batcher.ChunkSize = cfg.Limits.ChunkSize
	batcher.Concurrency = cfg.Limits.BatchConcurrency

	e := &Engine{
		Catalog:      cat,
		Provider:     provider,
		Batcher:      batcher,
		Limiter:      lim,
		Bus:          bus.New(),
		Log:          logger,
		Now:          time.Now,
		Treasury:     cfg.Treasury(),
		SettleDelay:  cfg.SettleDelay(),
		OwnershipTTL: cfg.OwnershipTTL(),
		CountsTTL:    cfg.CountsTTL(),
		records:      make(map[int]domain.StatusRecord),
		epochs:       make(map[int]uint64),
		pending:      make(map[int]*purchaseFlow),
		owners:       cache.New[int, common.Address](cfg.OwnershipTTL()),
		counts:       cache.New[countsKey, domain.AggregateCounts](cfg.CountsTTL()),
		timers:       make(map[string]*time.Timer),
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Subscribe returns a push channel of StatusRecord / AggregateCounts updates.
func (e *Engine) Subscribe(buffer int) *bus.Subscription {
	return e.Bus.Subscribe(buffer)
}

// Close cancels pending reconciliation timers. In-flight chain reads are not
// aborted; their results are discarded by the epoch guard.
func (e *Engine) Close() {
	e.timersMu.Lock()
	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = map[string]*time.Timer{}
	e.timersMu.Unlock()
}

// WarmFromStore preloads unexpired records and counts from the local cache so
// a restart does not refetch the world.
func (e *Engine) WarmFromStore() error {
	if e.Store == nil {
		return nil
	}
	now := e.now()
	records, err := e.Store.LoadStatuses(now)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, rec := range records {
		e.records[rec.ItemID] = rec
	}
	e.mu.Unlock()
	counts, expiresAt, err := e.Store.LoadCounts(now)
	if err != nil {
		if errors.Is(err, cachedb.ErrNotFound) {
			return nil
		}
		return err
	}
	if counts.Total() == e.Catalog.Size() {
		e.counts.SetEntry(countsKey{}, cache.Entry[domain.AggregateCounts]{Value: counts, ExpiresAt: expiresAt})
	}
	e.Log.Info("warmed from local cache",
		zap.Int("records", len(records)),
		zap.Time("counts_as_of", counts.AsOf))
	return nil
}

// pageKeyOf builds the data-level cancellation key for a set of item ids.
func pageKeyOf(ids []int) string {
	sorted := make([]int, len(ids))
	copy(sorted, ids)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// setRecordLocked replaces an item's record and returns it. Callers hold mu.
func (e *Engine) setRecordLocked(rec domain.StatusRecord) domain.StatusRecord {
	e.records[rec.ItemID] = rec
	return rec
}

// adjustCountsLocked moves one item between the live and sold tallies of the
// cached aggregate, in place and without touching its expiry. Callers hold mu.
func (e *Engine) adjustCountsLocked(from, to domain.ItemState) (domain.AggregateCounts, bool) {
	if from == to {
		return domain.AggregateCounts{}, false
	}
	entry, ok := e.counts.Peek(countsKey{})
	if !ok {
		return domain.AggregateCounts{}, false
	}
	c := entry.Value
	switch {
	case to == domain.StateSold && from != domain.StateSold:
		c.LiveCount--
		c.SoldCount++
	case to == domain.StateForSale && from == domain.StateSold:
		c.LiveCount++
		c.SoldCount--
	default:
		return domain.AggregateCounts{}, false
	}
	if c.LiveCount < 0 || c.SoldCount < 0 {
		e.Log.Warn("count adjustment out of range, dropping cached counts",
			zap.Int("live", c.LiveCount), zap.Int("sold", c.SoldCount))
		e.counts.Invalidate(countsKey{})
		return domain.AggregateCounts{}, false
	}
	entry.Value = c
	e.counts.SetEntry(countsKey{}, entry)
	return c, true
}

// persistStatus writes a record through to the local cache, if configured.
func (e *Engine) persistStatus(rec domain.StatusRecord) {
	if e.Store == nil {
		return
	}
	if err := e.Store.PutStatus(rec, rec.ObservedAt.Add(e.OwnershipTTL)); err != nil {
		e.Log.Warn("persist status failed", zap.Int("item_id", rec.ItemID), zap.Error(err))
	}
}

// persistCounts writes the aggregate through to the local cache, if configured.
func (e *Engine) persistCounts(c domain.AggregateCounts, expiresAt time.Time) {
	if e.Store == nil {
		return
	}
	if err := e.Store.PutCounts(c, expiresAt); err != nil {
		e.Log.Warn("persist counts failed", zap.Error(err))
	}
}

func (e *Engine) publishStatus(rec domain.StatusRecord) {
	r := rec
	e.Bus.Publish(domain.Update{Kind: domain.UpdateStatus, Status: &r})
}

func (e *Engine) publishCounts(c domain.AggregateCounts) {
	cc := c
	e.Bus.Publish(domain.Update{Kind: domain.UpdateCounts, Counts: &cc})
}
