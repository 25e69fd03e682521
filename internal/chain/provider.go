// Package chain reads ground truth from the blockchain: token ownership via
// the collection contract and listing records via the marketplace contract.
// Many ownership reads are packed into a single Multicall3 tryAggregate call
// because round-trips dominate at catalog scale.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"soldout/internal/domain"
)

// ErrCallFailed marks a network/provider failure on a read.
var ErrCallFailed = errors.New("chain call failed")

// ErrDecode marks a malformed response for one item within a batch.
var ErrDecode = errors.New("chain response decode failed")

var (
	erc721ABI      abi.ABI
	marketplaceABI abi.ABI
	multicallABI   abi.ABI
)

func init() {
	var err error
	erc721ABI, err = abi.JSON(strings.NewReader(`[
  {"name":"ownerOf","type":"function","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`))
	if err != nil {
		panic(err)
	}
	marketplaceABI, err = abi.JSON(strings.NewReader(`[
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
	multicallABI, err = abi.JSON(strings.NewReader(`[
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

// Multicall3Call is one packed sub-call.
type Multicall3Call struct {
	Target   common.Address
	CallData []byte
}

// Multicall3Result is one sub-call's outcome.
type Multicall3Result struct {
	Success    bool
	ReturnData []byte
}

// ContractCaller is the slice of ethclient.Client the provider needs; tests
// substitute a fake.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Addresses holds the deployed contracts the provider talks to.
type Addresses struct {
	Collection  common.Address
	Marketplace common.Address
	Multicall   common.Address
}

// Provider executes the engine's chain reads.
type Provider struct {
	caller ContractCaller
	addrs  Addresses
	log    *zap.Logger
}

// NewProvider wraps a contract caller. logger may be nil.
func NewProvider(caller ContractCaller, addrs Addresses, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{caller: caller, addrs: addrs, log: logger}
}

// OwnerOf reads the current owner of one token.
func (p *Provider) OwnerOf(ctx context.Context, tokenID int64) (common.Address, error) {
	data, err := erc721ABI.Pack("ownerOf", big.NewInt(tokenID))
	if err != nil {
		return common.Address{}, fmt.Errorf("pack ownerOf: %w", err)
	}
	raw, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.addrs.Collection, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: ownerOf(%d): %v", ErrCallFailed, tokenID, err)
	}
	return decodeOwner(raw)
}

// GetListing reads one marketplace listing record.
func (p *Provider) GetListing(ctx context.Context, listingID int64) (domain.Listing, error) {
	data, err := marketplaceABI.Pack("getListing", big.NewInt(listingID))
	if err != nil {
		return domain.Listing{}, fmt.Errorf("pack getListing: %w", err)
	}
	raw, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.addrs.Marketplace, Data: data}, nil)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("%w: getListing(%d): %v", ErrCallFailed, listingID, err)
	}
	out, err := marketplaceABI.Unpack("getListing", raw)
	if err != nil || len(out) != 6 {
		return domain.Listing{}, fmt.Errorf("%w: getListing(%d): %v", ErrDecode, listingID, err)
	}
	seller, ok0 := out[0].(common.Address)
	tokenID, ok1 := out[1].(*big.Int)
	quantity, ok2 := out[2].(*big.Int)
	price, ok3 := out[3].(*big.Int)
	expiry, ok4 := out[4].(*big.Int)
	active, ok5 := out[5].(bool)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5) {
		return domain.Listing{}, fmt.Errorf("%w: getListing(%d): unexpected output shape", ErrDecode, listingID)
	}
	listing := domain.Listing{
		ID:       listingID,
		Seller:   seller,
		TokenID:  tokenID.Int64(),
		Quantity: quantity.Uint64(),
		PriceWei: price,
		Active:   active,
	}
	if expiry.Sign() > 0 {
		listing.Expiry = time.Unix(expiry.Int64(), 0)
	}
	return listing, nil
}

// ownersChunk reads the owner of every token id in one tryAggregate call.
// requireSuccess is off so one reverting token does not sink the chunk; the
// per-item failure comes back as a failed sub-result instead.
func (p *Provider) ownersChunk(ctx context.Context, tokenIDs []int) (map[int]OwnerResult, error) {
	calls := make([]Multicall3Call, len(tokenIDs))
	for i, id := range tokenIDs {
		data, err := erc721ABI.Pack("ownerOf", big.NewInt(int64(id)))
		if err != nil {
			return nil, fmt.Errorf("pack ownerOf(%d): %w", id, err)
		}
		calls[i] = Multicall3Call{Target: p.addrs.Collection, CallData: data}
	}
	data, err := multicallABI.Pack("tryAggregate", false, calls)
	if err != nil {
		return nil, fmt.Errorf("pack tryAggregate: %w", err)
	}
	raw, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.addrs.Multicall, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tryAggregate of %d calls: %v", ErrCallFailed, len(calls), err)
	}
	out, err := multicallABI.Unpack("tryAggregate", raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("%w: tryAggregate: %v", ErrDecode, err)
	}
	results := *abi.ConvertType(out[0], new([]Multicall3Result)).(*[]Multicall3Result)
	if len(results) != len(tokenIDs) {
		return nil, fmt.Errorf("%w: tryAggregate returned %d results for %d calls", ErrDecode, len(results), len(tokenIDs))
	}
	owners := make(map[int]OwnerResult, len(tokenIDs))
	for i, res := range results {
		id := tokenIDs[i]
		if !res.Success {
			owners[id] = OwnerResult{Err: fmt.Errorf("%w: ownerOf(%d) reverted", ErrCallFailed, id)}
			continue
		}
		owner, err := decodeOwner(res.ReturnData)
		if err != nil {
			owners[id] = OwnerResult{Err: err}
			continue
		}
		owners[id] = OwnerResult{Owner: owner}
	}
	return owners, nil
}

func decodeOwner(raw []byte) (common.Address, error) {
	out, err := erc721ABI.Unpack("ownerOf", raw)
	if err != nil || len(out) != 1 {
		return common.Address{}, fmt.Errorf("%w: ownerOf: %v", ErrDecode, err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: ownerOf: not an address", ErrDecode)
	}
	return owner, nil
}
