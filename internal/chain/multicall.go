package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"soldout/internal/limiter"
)

// DefaultChunkSize is the protocol-comfortable ceiling of ownerOf calls per
// tryAggregate.
const DefaultChunkSize = 100

// OwnerResult is one item's outcome from a batched lookup: either an owner
// address or the failure that prevented reading it, never a default address.
type OwnerResult struct {
	Owner common.Address
	Err   error
}

// Batcher turns "read owner of item X" for many X into as few physical calls
// as possible, each admitted through the shared rate limiter.
type Batcher struct {
	Provider    *Provider
	Limiter     *limiter.Limiter
	ChunkSize   int
	Concurrency int
}

// NewBatcher wires a batcher with the package defaults.
func NewBatcher(p *Provider, l *limiter.Limiter) *Batcher {
	return &Batcher{
		Provider:    p,
		Limiter:     l,
		ChunkSize:   DefaultChunkSize,
		Concurrency: 4,
	}
}

// OwnerLookup resolves the owner of every token id. Input size is unbounded;
// it is re-chunked internally. An empty input returns an empty map without
// issuing any call. A chunk whose aggregated call fails outright marks every
// item in that chunk as failed rather than "owned by nobody".
func (b *Batcher) OwnerLookup(ctx context.Context, tokenIDs []int) map[int]OwnerResult {
	out := make(map[int]OwnerResult, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out
	}
	size := b.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := chunkIDs(tokenIDs, size)
	chunkResults := make([]map[int]OwnerResult, len(chunks))
	tasks := make([]func(context.Context) error, len(chunks))
	for i, ids := range chunks {
		tasks[i] = func(ctx context.Context) error {
			res, err := b.Provider.ownersChunk(ctx, ids)
			if err != nil {
				return err
			}
			chunkResults[i] = res
			return nil
		}
	}
	errs := b.Limiter.DoBatch(ctx, tasks, b.Concurrency)
	for i, ids := range chunks {
		if errs[i] != nil {
			b.Provider.log.Warn("owner chunk failed",
				zap.Int("chunk", i),
				zap.Int("items", len(ids)),
				zap.Error(errs[i]))
			for _, id := range ids {
				out[id] = OwnerResult{Err: errs[i]}
			}
			continue
		}
		for id, res := range chunkResults[i] {
			out[id] = res
		}
	}
	return out
}

func chunkIDs(ids []int, size int) [][]int {
	var chunks [][]int
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
