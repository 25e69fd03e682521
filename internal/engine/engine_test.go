package engine

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"soldout/internal/cachedb"
	"soldout/internal/catalog"
	"soldout/internal/config"
	"soldout/internal/domain"
)

var (
	testCollectionAddr  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	testMarketplaceAddr = common.HexToAddress("0x0000000000000000000000000000000000000022")
	testMulticallAddr   = common.HexToAddress("0x0000000000000000000000000000000000000033")
	testTreasuryAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testBuyerAddr       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

var (
	testERC721ABI      abi.ABI
	testMarketplaceABI abi.ABI
	testMulticallABI   abi.ABI
)

func init() {
	var err error
	testERC721ABI, err = abi.JSON(strings.NewReader(`[
  {"name":"ownerOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`))
	if err != nil {
		panic(err)
	}
	testMarketplaceABI, err = abi.JSON(strings.NewReader(`[
  {"name":"getListing","type":"function","stateMutability":"view",
   "inputs":[{"name":"listingId","type":"uint256"}],
   "outputs":[
     {"name":"seller","type":"address"},
     {"name":"tokenId","type":"uint256"},
     {"name":"quantity","type":"uint256"},
     {"name":"pricePerItem","type":"uint256"},
     {"name":"expiry","type":"uint256"},
     {"name":"active","type":"bool"}]}
]`))
	if err != nil {
		panic(err)
	}
	testMulticallABI, err = abi.JSON(strings.NewReader(`[
  {"name":"tryAggregate","type":"function","stateMutability":"payable",
   "inputs":[
     {"name":"requireSuccess","type":"bool"},
     {"name":"calls","type":"tuple[]","components":[
       {"name":"target","type":"address"},
       {"name":"callData","type":"bytes"}]}],
   "outputs":[
     {"name":"returnData","type":"tuple[]","components":[
       {"name":"success","type":"bool"},
       {"name":"returnData","type":"bytes"}]}]}
]`))
	if err != nil {
		panic(err)
	}
}

type fakeSubCall struct {
	Target   common.Address
	CallData []byte
}

type fakeSubResult struct {
	Success    bool
	ReturnData []byte
}

// fakeChain simulates the node behind CallContract.
type fakeChain struct {
	mu sync.Mutex

	owners   map[int64]common.Address
	reverts  map[int64]bool
	listings map[int64][]any
	callErr  error

	// Gates for orchestrating in-flight reads from tests. When set, the
	// matching call signals started once, then blocks until released.
	ownerOfStarted   chan struct{}
	ownerOfRelease   chan struct{}
	multicallStarted chan struct{}
	multicallRelease chan struct{}

	calls          int
	ownerOfCalls   int
	multicallCalls int
	listingCalls   int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		owners:   make(map[int64]common.Address),
		reverts:  make(map[int64]bool),
		listings: make(map[int64][]any),
	}
}

func (f *fakeChain) setListing(id int64, tokenID int64, active bool, expiry int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[id] = []any{
		testTreasuryAddr, big.NewInt(tokenID), big.NewInt(1), big.NewInt(1e18), big.NewInt(expiry), active,
	}
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	if f.callErr != nil {
		f.mu.Unlock()
		return nil, f.callErr
	}
	target := *msg.To
	var started, release chan struct{}
	switch target {
	case testCollectionAddr:
		f.ownerOfCalls++
		started, release = f.ownerOfStarted, f.ownerOfRelease
		f.ownerOfStarted = nil
	case testMulticallAddr:
		f.multicallCalls++
		started, release = f.multicallStarted, f.multicallRelease
		f.multicallStarted = nil
	case testMarketplaceAddr:
		f.listingCalls++
	}
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch target {
	case testCollectionAddr:
		return f.serveOwnerOf(msg.Data)
	case testMarketplaceAddr:
		return f.serveGetListing(msg.Data)
	case testMulticallAddr:
		return f.serveTryAggregate(msg.Data)
	}
	return nil, fmt.Errorf("unexpected target %s", target)
}

func (f *fakeChain) ownerOfLocked(tokenID int64) (common.Address, bool) {
	if f.reverts[tokenID] {
		return common.Address{}, false
	}
	owner, ok := f.owners[tokenID]
	if !ok {
		owner = testTreasuryAddr
	}
	return owner, true
}

func (f *fakeChain) serveOwnerOf(data []byte) ([]byte, error) {
	in, err := testERC721ABI.Methods["ownerOf"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	tokenID := in[0].(*big.Int).Int64()
	owner, ok := f.ownerOfLocked(tokenID)
	if !ok {
		return nil, fmt.Errorf("execution reverted: nonexistent token %d", tokenID)
	}
	return testERC721ABI.Methods["ownerOf"].Outputs.Pack(owner)
}

func (f *fakeChain) serveGetListing(data []byte) ([]byte, error) {
	in, err := testMarketplaceABI.Methods["getListing"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	id := in[0].(*big.Int).Int64()
	fields, ok := f.listings[id]
	if !ok {
		return nil, fmt.Errorf("execution reverted: no listing %d", id)
	}
	return testMarketplaceABI.Methods["getListing"].Outputs.Pack(fields...)
}

func (f *fakeChain) serveTryAggregate(data []byte) ([]byte, error) {
	in, err := testMulticallABI.Methods["tryAggregate"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(in[1], new([]fakeSubCall)).(*[]fakeSubCall)
	results := make([]fakeSubResult, len(calls))
	for i, call := range calls {
		sub, err := testERC721ABI.Methods["ownerOf"].Inputs.Unpack(call.CallData[4:])
		if err != nil {
			return nil, err
		}
		tokenID := sub[0].(*big.Int).Int64()
		owner, ok := f.ownerOfLocked(tokenID)
		if !ok {
			results[i] = fakeSubResult{Success: false}
			continue
		}
		packed, err := testERC721ABI.Methods["ownerOf"].Outputs.Pack(owner)
		if err != nil {
			return nil, err
		}
		results[i] = fakeSubResult{Success: true, ReturnData: packed}
	}
	return testMulticallABI.Methods["tryAggregate"].Outputs.Pack(results)
}

type testEnv struct {
	e *Engine
	f *fakeChain
}

// newTestEnv builds an engine over a synthetic catalog of n items. Item 42, if
// present, carries marketplace listing 9001.
func newTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()
	items := make([]domain.Item, n)
	for i := range items {
		items[i] = domain.Item{
			ID:             i,
			Name:           fmt.Sprintf("Item %d", i),
			StaticPriceEth: decimal.NewFromFloat(0.5),
		}
		if i == 42 {
			listingID := int64(9001)
			items[i].ListingID = &listingID
		}
	}
	cat, err := catalog.FromItems("test-collection", items)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	cfg := config.Default("test-collection")
	cfg.Chain.CollectionAddress = testCollectionAddr.Hex()
	cfg.Chain.MarketplaceAddress = testMarketplaceAddr.Hex()
	cfg.Chain.MulticallAddress = testMulticallAddr.Hex()
	cfg.Chain.TreasuryAddress = testTreasuryAddr.Hex()

	f := newFakeChain()
	e := New(cfg, cat, f, zap.NewNop())
	e.SettleDelay = 20 * time.Millisecond
	t.Cleanup(e.Close)
	return &testEnv{e: e, f: f}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestActiveListingIsConclusiveWithoutOwnershipCall(t *testing.T) {
	env := newTestEnv(t, 50)
	env.f.setListing(9001, 42, true, time.Now().Add(time.Hour).Unix())

	rec := env.e.GetStatus(context.Background(), 42)
	if rec.State != domain.StateForSale || rec.Source != domain.SourceActiveListing {
		t.Fatalf("got %s/%s, want for_sale/active_listing", rec.State, rec.Source)
	}
	if env.f.ownerOfCalls != 0 || env.f.multicallCalls != 0 {
		t.Fatalf("listing answer must not consult ownership: ownerOf=%d multicall=%d",
			env.f.ownerOfCalls, env.f.multicallCalls)
	}
}

func TestInactiveListingMeansSold(t *testing.T) {
	env := newTestEnv(t, 50)
	env.f.setListing(9001, 42, false, 0)

	rec := env.e.GetStatus(context.Background(), 42)
	if rec.State != domain.StateSold || rec.Source != domain.SourceActiveListing {
		t.Fatalf("got %s/%s, want sold/active_listing", rec.State, rec.Source)
	}
	if env.f.ownerOfCalls != 0 {
		t.Fatalf("inactive listing is conclusive, saw %d ownership calls", env.f.ownerOfCalls)
	}
}

func TestListingFailureFallsBackToOwnership(t *testing.T) {
	env := newTestEnv(t, 50)
	// No listing 9001 registered: the lookup reverts.
	env.f.owners[42] = testBuyerAddr

	rec := env.e.GetStatus(context.Background(), 42)
	if rec.State != domain.StateSold || rec.Source != domain.SourceOwnerLookup {
		t.Fatalf("got %s/%s, want sold/owner_lookup", rec.State, rec.Source)
	}
	if env.f.ownerOfCalls != 1 {
		t.Fatalf("expected one ownership fallback call, saw %d", env.f.ownerOfCalls)
	}
}

func TestOwnershipResolution(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.owners[3] = testBuyerAddr

	if rec := env.e.GetStatus(context.Background(), 3); rec.State != domain.StateSold || rec.Source != domain.SourceOwnerLookup {
		t.Fatalf("buyer-owned item: got %s/%s", rec.State, rec.Source)
	}
	if rec := env.e.GetStatus(context.Background(), 4); rec.State != domain.StateForSale || rec.Source != domain.SourceOwnerLookup {
		t.Fatalf("treasury-owned item: got %s/%s", rec.State, rec.Source)
	}
}

func TestStaticDefaultWhenChainUnreachable(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.callErr = fmt.Errorf("rpc down")

	rec := env.e.GetStatus(context.Background(), 1)
	if rec.State != domain.StateForSale || rec.Source != domain.SourceDefault {
		t.Fatalf("positive static price should default to for_sale, got %s/%s", rec.State, rec.Source)
	}
}

func TestFreshRecordServedWithoutNewCall(t *testing.T) {
	env := newTestEnv(t, 10)
	env.e.GetStatus(context.Background(), 1)
	before := env.f.calls
	env.e.GetStatus(context.Background(), 1)
	if env.f.calls != before {
		t.Fatalf("fresh record should be served from memory, calls went %d -> %d", before, env.f.calls)
	}
}

func TestUnknownItemReturnsUnknown(t *testing.T) {
	env := newTestEnv(t, 10)
	rec := env.e.GetStatus(context.Background(), 999)
	if rec.State != domain.StateUnknown {
		t.Fatalf("got %s, want unknown", rec.State)
	}
	if env.f.calls != 0 {
		t.Fatalf("unknown item must not hit the chain, saw %d calls", env.f.calls)
	}
}

func TestOptimisticFlipIsSynchronous(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.owners[3] = testBuyerAddr // settled state the reconciliation will see

	counts, err := env.e.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("seed counts: %v", err)
	}
	if counts.LiveCount != 9 || counts.SoldCount != 1 {
		t.Fatalf("seed counts %d/%d, want 9/1", counts.LiveCount, counts.SoldCount)
	}

	env.f.owners[5] = testBuyerAddr // the purchase we are about to announce
	paid := decimal.NewFromFloat(0.5)
	env.e.OnPurchaseCompleted(5, &paid)

	rec := env.e.GetStatus(context.Background(), 5)
	if rec.State != domain.StateSold || rec.Source != domain.SourceOptimisticEvent {
		t.Fatalf("flip not synchronous: got %s/%s", rec.State, rec.Source)
	}
	counts, err = env.e.GetAggregateCounts(context.Background())
	if err != nil {
		t.Fatalf("counts after flip: %v", err)
	}
	if counts.LiveCount != 8 || counts.SoldCount != 2 {
		t.Fatalf("counts after flip %d/%d, want 8/2", counts.LiveCount, counts.SoldCount)
	}
	if counts.Total() != env.e.Catalog.Size() {
		t.Fatalf("counts total %d != catalog size %d", counts.Total(), env.e.Catalog.Size())
	}
}

func TestReconciliationUpgradesSource(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.owners[5] = testBuyerAddr
	env.e.OnPurchaseCompleted(5, nil)

	waitFor(t, "reconciliation", func() bool {
		return env.e.PendingPurchases() == 0
	})
	waitFor(t, "source upgrade", func() bool {
		rec := env.e.GetStatus(context.Background(), 5)
		return rec.State == domain.StateSold && rec.Source == domain.SourceOwnerLookup
	})
}

func TestReconciliationContradictionKeepsOptimistic(t *testing.T) {
	env := newTestEnv(t, 10)
	// Chain keeps showing the treasury as owner: the node lags the purchase.
	env.e.OnPurchaseCompleted(5, nil)

	waitFor(t, "reconciliation", func() bool {
		return env.e.PendingPurchases() == 0
	})
	rec := env.e.GetStatus(context.Background(), 5)
	if rec.State != domain.StateSold || rec.Source != domain.SourceOptimisticEvent {
		t.Fatalf("contradicted purchase must stay optimistic, got %s/%s", rec.State, rec.Source)
	}
}

func TestDuplicatePurchaseSignalsAreIdempotent(t *testing.T) {
	env := newTestEnv(t, 10)
	env.e.SettleDelay = time.Second // keep the flow pending across both signals
	env.f.owners[5] = testBuyerAddr

	if _, err := env.e.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("seed counts: %v", err)
	}
	env.e.OnPurchaseCompleted(5, nil)
	env.e.OnPurchaseCompleted(5, nil)

	if n := env.e.PendingPurchases(); n != 1 {
		t.Fatalf("expected 1 pending flow, got %d", n)
	}
	counts, err := env.e.GetAggregateCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.SoldCount != 2 { // item 5 owned by buyer in seed, plus nothing double-counted
		t.Fatalf("sold count %d, want 2", counts.SoldCount)
	}
	if counts.Total() != env.e.Catalog.Size() {
		t.Fatalf("counts total %d != catalog size %d", counts.Total(), env.e.Catalog.Size())
	}
}

func TestPurchaseBeatsInFlightRead(t *testing.T) {
	env := newTestEnv(t, 10)
	started := make(chan struct{})
	release := make(chan struct{})
	env.f.ownerOfStarted = started
	env.f.ownerOfRelease = release

	// The slow read will come back saying "treasury owns it" (for sale).
	recCh := make(chan domain.StatusRecord, 1)
	go func() {
		recCh <- env.e.GetStatus(context.Background(), 5)
	}()
	<-started
	env.e.OnPurchaseCompleted(5, nil)
	close(release)

	rec := <-recCh
	if rec.State != domain.StateSold || rec.Source != domain.SourceOptimisticEvent {
		t.Fatalf("earlier-initiated read must not downgrade the flip: got %s/%s", rec.State, rec.Source)
	}
	if rec := env.e.GetStatus(context.Background(), 5); rec.State != domain.StateSold {
		t.Fatalf("item reverted to %s after slow read landed", rec.State)
	}
}

func TestPageStatusUsesOneBatchedCall(t *testing.T) {
	env := newTestEnv(t, 20)
	env.f.owners[2] = testBuyerAddr

	out := env.e.GetStatusForPage(context.Background(), []int{0, 1, 2, 3, 4})
	if env.f.multicallCalls != 1 {
		t.Fatalf("page of 5 should take one multicall, saw %d", env.f.multicallCalls)
	}
	if env.f.ownerOfCalls != 0 {
		t.Fatalf("page resolution must not issue single ownerOf calls, saw %d", env.f.ownerOfCalls)
	}
	if len(out) != 5 {
		t.Fatalf("expected 5 records, got %d", len(out))
	}
	if out[2].State != domain.StateSold {
		t.Fatalf("item 2: got %s, want sold", out[2].State)
	}
	for _, id := range []int{0, 1, 3, 4} {
		if out[id].State != domain.StateForSale || out[id].Source != domain.SourceOwnerLookup {
			t.Fatalf("item %d: got %s/%s", id, out[id].State, out[id].Source)
		}
	}
}

func TestPageFailureDegradesToUnknown(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.reverts[1] = true

	out := env.e.GetStatusForPage(context.Background(), []int{0, 1, 2})
	if out[1].State != domain.StateUnknown {
		t.Fatalf("failed item should degrade to unknown, got %s", out[1].State)
	}
	if out[0].State != domain.StateForSale || out[2].State != domain.StateForSale {
		t.Fatalf("healthy items affected by item 1's failure: %s / %s", out[0].State, out[2].State)
	}
}

func TestSupersededPageResultIsDiscarded(t *testing.T) {
	env := newTestEnv(t, 20)
	started := make(chan struct{})
	release := make(chan struct{})
	env.f.multicallStarted = started
	env.f.multicallRelease = release

	outCh := make(chan map[int]domain.StatusRecord, 1)
	go func() {
		outCh <- env.e.GetStatusForPage(context.Background(), []int{0, 1, 2})
	}()
	<-started
	// User navigated: a different page becomes active while the first page's
	// batch is still in flight.
	go env.e.GetStatusForPage(context.Background(), []int{10, 11})
	waitFor(t, "second page to become active", func() bool {
		env.e.mu.Lock()
		defer env.e.mu.Unlock()
		return env.e.activePage == pageKeyOf([]int{10, 11})
	})
	close(release)

	out := <-outCh
	for _, id := range []int{0, 1, 2} {
		if out[id].Source != domain.SourceDefault || out[id].State != domain.StateUnknown {
			t.Fatalf("superseded page must keep placeholders, item %d got %s/%s",
				id, out[id].State, out[id].Source)
		}
	}
	// The discarded batch must not have installed records either.
	env.e.mu.Lock()
	_, installed := env.e.records[0]
	env.e.mu.Unlock()
	if installed {
		t.Fatal("discarded batch leaked into the record store")
	}
}

func TestCountsInvariantHoldsWithFailures(t *testing.T) {
	env := newTestEnv(t, 30)
	env.f.owners[1] = testBuyerAddr
	env.f.owners[2] = testBuyerAddr
	env.f.reverts[7] = true
	env.f.reverts[8] = true

	counts, err := env.e.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if counts.Total() != 30 {
		t.Fatalf("counts total %d != catalog size 30", counts.Total())
	}
	if counts.SoldCount != 2 {
		t.Fatalf("sold %d, want 2; failures must count as live absent contrary evidence", counts.SoldCount)
	}
}

func TestCountsFailedItemStaysSoldIfKnownSold(t *testing.T) {
	env := newTestEnv(t, 10)
	env.f.owners[4] = testBuyerAddr
	// Learn item 4 is sold, then make its reads fail.
	if rec := env.e.GetStatus(context.Background(), 4); rec.State != domain.StateSold {
		t.Fatalf("setup: item 4 should be sold, got %s", rec.State)
	}
	env.f.reverts[4] = true

	counts, err := env.e.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if counts.SoldCount != 1 {
		t.Fatalf("sold %d, want 1; a known-sold item must not flip live on read failure", counts.SoldCount)
	}
}

func TestCountsFullScanChunked(t *testing.T) {
	env := newTestEnv(t, 250)
	counts, err := env.e.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if env.f.multicallCalls != 3 {
		t.Fatalf("250 items at chunk size 100 should take 3 calls, saw %d", env.f.multicallCalls)
	}
	if counts.Total() != 250 {
		t.Fatalf("counts total %d, want 250", counts.Total())
	}
}

func TestCountsCachedBetweenReads(t *testing.T) {
	env := newTestEnv(t, 10)
	if _, err := env.e.GetAggregateCounts(context.Background()); err != nil {
		t.Fatalf("first read: %v", err)
	}
	before := env.f.calls
	if _, err := env.e.GetAggregateCounts(context.Background()); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if env.f.calls != before {
		t.Fatalf("cached counts should not rescan, calls went %d -> %d", before, env.f.calls)
	}
}

func TestStatusUpdatesArePublished(t *testing.T) {
	env := newTestEnv(t, 10)
	sub := env.e.Subscribe(16)
	defer sub.Close()

	env.e.OnPurchaseCompleted(5, nil)

	select {
	case u := <-sub.C:
		if u.Kind != domain.UpdateStatus || u.Status.ItemID != 5 || u.Status.State != domain.StateSold {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update pushed for the optimistic flip")
	}
}

func TestPersistAndWarmFromStore(t *testing.T) {
	env := newTestEnv(t, 10)
	store, err := cachedb.Open(filepath.Join(t.TempDir(), "soldout.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	env.e.Store = store

	env.f.owners[3] = testBuyerAddr
	if rec := env.e.GetStatus(context.Background(), 3); rec.State != domain.StateSold {
		t.Fatalf("setup: got %s", rec.State)
	}
	if _, err := env.e.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("seed counts: %v", err)
	}

	// A second engine over the same store starts warm.
	env2 := newTestEnv(t, 10)
	env2.e.Store = store
	if err := env2.e.WarmFromStore(); err != nil {
		t.Fatalf("warm: %v", err)
	}
	before := env2.f.calls
	rec := env2.e.GetStatus(context.Background(), 3)
	if rec.State != domain.StateSold || rec.Source != domain.SourceOwnerLookup {
		t.Fatalf("warmed record got %s/%s", rec.State, rec.Source)
	}
	if env2.f.calls != before {
		t.Fatalf("warmed record should be served without a read, calls went %d -> %d", before, env2.f.calls)
	}
	counts, err := env2.e.GetAggregateCounts(context.Background())
	if err != nil {
		t.Fatalf("warmed counts: %v", err)
	}
	if counts.Total() != 10 {
		t.Fatalf("warmed counts total %d, want 10", counts.Total())
	}
	if env2.f.calls != before {
		t.Fatalf("warmed counts should be served without a scan, calls went %d -> %d", before, env2.f.calls)
	}
}
