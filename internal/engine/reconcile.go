package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"soldout/internal/domain"
)

// flowState tracks one purchase event: Announced -> Optimistic -> Reconciled.
type flowState string

const (
	flowAnnounced  flowState = "announced"
	flowOptimistic flowState = "optimistic"
	flowReconciled flowState = "reconciled"
)

type purchaseFlow struct {
	event domain.PurchaseEvent
	state flowState
	epoch uint64
}

// OnPurchaseCompleted is the entry point the transaction flow calls the moment
// a local purchase lands. The status flip, count adjustment, and cache
// invalidation are synchronous; no chain read is awaited, because the whole
// point is to beat the chain to the update. A delayed authoritative read is
// scheduled to confirm. Duplicate signals for an already-sold item are no-ops.
func (e *Engine) OnPurchaseCompleted(itemID int, paidPriceEth *decimal.Decimal) {
	now := e.now()
	event := domain.PurchaseEvent{
		ID:           uuid.NewString(),
		ItemID:       itemID,
		PaidPriceEth: paidPriceEth,
		AnnouncedAt:  now,
	}

	e.mu.Lock()
	prior, hadPrior := e.records[itemID]
	if _, inflight := e.pending[itemID]; inflight {
		e.mu.Unlock()
		e.Log.Debug("duplicate purchase signal ignored", zap.Int("item_id", itemID))
		return
	}
	if hadPrior && prior.State == domain.StateSold &&
		(prior.Source == domain.SourceOptimisticEvent || prior.Source == domain.SourceOwnerLookup) {
		e.mu.Unlock()
		e.Log.Debug("purchase signal for already-sold item ignored", zap.Int("item_id", itemID))
		return
	}

	// The epoch bump invalidates every earlier-initiated read for this item:
	// a slower listing or ownership result can no longer downgrade the flip.
	e.epochs[itemID]++
	flow := &purchaseFlow{event: event, state: flowOptimistic, epoch: e.epochs[itemID]}
	e.pending[itemID] = flow
	rec := e.setRecordLocked(domain.StatusRecord{
		ItemID:     itemID,
		State:      domain.StateSold,
		Source:     domain.SourceOptimisticEvent,
		ObservedAt: now,
	})
	e.owners.Invalidate(itemID)
	from := domain.StateUnknown
	if hadPrior {
		from = prior.State
	}
	counts, adjusted := e.adjustCountsLocked(from, domain.StateSold)
	e.mu.Unlock()

	e.Log.Info("purchase announced, status flipped optimistically",
		zap.Int("item_id", itemID),
		zap.String("event_id", event.ID))
	e.persistStatus(rec)
	e.publishStatus(rec)
	if adjusted {
		e.publishCounts(counts)
	}
	e.scheduleReconcile(flow)
}

// scheduleReconcile arms the settle-delay timer for one purchase flow.
func (e *Engine) scheduleReconcile(flow *purchaseFlow) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	id := flow.event.ID
	e.timers[id] = time.AfterFunc(e.SettleDelay, func() {
		e.timersMu.Lock()
		delete(e.timers, id)
		closed := e.closed
		e.timersMu.Unlock()
		if closed {
			return
		}
		e.reconcile(flow)
	})
}

// reconcile performs the one authoritative ownership read for a purchase after
// the settle delay. Confirmation upgrades the record's source to OwnerLookup;
// a failed or contradicting read leaves the record optimistic, to be retried
// by the next natural refresh cycle.
func (e *Engine) reconcile(flow *purchaseFlow) {
	itemID := flow.event.ItemID
	ctx := context.Background()

	var owner common.Address
	err := e.Limiter.Do(ctx, func(ctx context.Context) error {
		addr, oerr := e.Provider.OwnerOf(ctx, int64(itemID))
		owner = addr
		return oerr
	})

	var rec domain.StatusRecord
	confirmed := false

	e.mu.Lock()
	delete(e.pending, itemID)
	switch {
	case err != nil:
		e.Log.Warn("reconciliation read failed, record stays optimistic",
			zap.Int("item_id", itemID), zap.Error(err))
	case e.epochs[itemID] != flow.epoch:
		// A newer purchase signal superseded this flow.
	case owner == e.Treasury:
		// Chain still shows the treasury as owner; either the node lags or
		// the purchase never landed. Keep the optimistic record rather than
		// resurrecting a sold item on screen.
		e.Log.Warn("reconciliation read contradicts purchase, keeping optimistic record",
			zap.Int("item_id", itemID))
	default:
		flow.state = flowReconciled
		rec = e.setRecordLocked(domain.StatusRecord{
			ItemID:     itemID,
			State:      domain.StateSold,
			Source:     domain.SourceOwnerLookup,
			ObservedAt: e.now(),
		})
		e.owners.Set(itemID, owner)
		confirmed = true
	}
	e.mu.Unlock()

	if confirmed {
		e.Log.Info("purchase reconciled against chain",
			zap.Int("item_id", itemID),
			zap.String("event_id", flow.event.ID))
		e.persistStatus(rec)
		e.publishStatus(rec)
	}
}

// PendingPurchases reports how many purchase events still await their
// settle-delay reconciliation.
func (e *Engine) PendingPurchases() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
