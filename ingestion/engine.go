// Package ingestion implements the ingestion engine of spec.md §4.3: the
// single long-running task that drives a ChainProvider forward, grows the
// canonical chain builder, seals completed segments into chain store, and
// publishes progress through the coordination KV.
package ingestion

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/blockstore"
	"github.com/dna-network/dna/canonicalchain"
	"github.com/dna-network/dna/chainprovider"
	"github.com/dna-network/dna/chainstore"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/objectstore"
)

// Mode selects the ingestion strategy of spec.md §4.3.
type Mode int

const (
	// ModeFinalized only ever ingests blocks the provider reports as
	// finalized. Simpler: a finalized block is never superseded, so there
	// is no fork handling, at the cost of trailing the chain head by
	// whatever the provider's finalization depth is.
	ModeFinalized Mode = iota
	// ModeAccepted ingests blocks as soon as the provider accepts them,
	// trailing the head far more closely, at the cost of needing full
	// reorg resolution when the provider's view of a height changes.
	ModeAccepted
)

// Config holds the tunables of spec.md §4.3.
type Config struct {
	// StartingBlock is where a fresh deployment begins. Ignored on restart
	// once coordkv already records progress.
	StartingBlock cursor.Cursor
	// ChainSegmentSize is the number of blocks folded into each sealed
	// segment.
	ChainSegmentSize int
	// ChainSegmentUploadOffset delays sealing by this many extra blocks
	// past ChainSegmentSize, so a shallow reorg at the tip never has to
	// unseal an already-immutable segment.
	ChainSegmentUploadOffset int
	// MaxConcurrentTasks bounds in-flight concurrent fetches.
	MaxConcurrentTasks int
	Mode               Mode
}

// pollInterval is how often Engine polls the provider for head/finalized
// progress while waiting for a block to become available.
const pollInterval = 500 * time.Millisecond

// Engine is the ingestion engine. Not safe for concurrent use: exactly one
// goroutine calls Run, per spec.md §9's ownership rule for the chain
// builder.
type Engine struct {
	provider chainprovider.Provider
	chain    *chainstore.Store
	blocks   *blockstore.Store
	state    *coordkv.State
	cfg      Config
	retry    RetryPolicy
	logger   zerolog.Logger

	builder    *canonicalchain.Builder
	recentETag string
}

// Option configures optional Engine fields.
type Option func(*Engine)

// WithRetryPolicy overrides the default retry policy used for provider
// calls. Object-store and coordination-KV writes are not retried.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithLogger overrides the package default logger (log.Logger).
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine. A cfg.MaxConcurrentTasks below 1 is treated as 1.
func New(provider chainprovider.Provider, chain *chainstore.Store, blocks *blockstore.Store, state *coordkv.State, cfg Config, opts ...Option) *Engine {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	e := &Engine{
		provider: provider,
		chain:    chain,
		blocks:   blocks,
		state:    state,
		cfg:      cfg,
		retry:    DefaultRetryPolicy(),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives ingestion forward forever, until ctx is canceled or a
// non-transient error occurs.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return err
	}

	queue := newOrderedFutureQueue(e.fetchByNumber, e.cfg.MaxConcurrentTasks)
	next := e.nextNumber()
	launched := next

	for i := 0; i < e.cfg.MaxConcurrentTasks; i++ {
		if err := e.launchNext(ctx, queue, &launched); err != nil {
			return err
		}
	}

	for {
		res, err := queue.take(ctx, next)
		if err != nil {
			return err
		}
		if res.err != nil {
			return res.err
		}
		if err := e.apply(ctx, res.block); err != nil {
			return err
		}
		next++
		if err := e.launchNext(ctx, queue, &launched); err != nil {
			return err
		}
	}
}

func (e *Engine) launchNext(ctx context.Context, queue *orderedFutureQueue, launched *uint64) error {
	n := *launched
	if err := e.waitForAvailable(ctx, n); err != nil {
		return err
	}
	if err := queue.launch(ctx, n); err != nil {
		return err
	}
	*launched++
	return nil
}

func (e *Engine) nextNumber() uint64 {
	info, ok := e.builder.Info()
	if !ok {
		return e.cfg.StartingBlock.Number
	}
	return info.LastBlock.Number + 1
}

// restore reconstructs builder state after a crash, per spec.md §4.2
// restore_from_segment: read the ingested pointer from coordkv, fetch that
// segment from chain store, and rebuild the in-memory window from it. A
// fresh deployment (no ingested pointer yet) starts an empty builder and
// will ingest cfg.StartingBlock as its first Grow.
func (e *Engine) restore(ctx context.Context) error {
	ptr, err := e.state.Ingested(ctx)
	if err != nil {
		if dnaerr.KindOf(err) == dnaerr.KindNotFound {
			e.builder = canonicalchain.New()
			return e.state.PutStartingBlock(ctx, e.cfg.StartingBlock)
		}
		return err
	}
	seg, err := e.chain.GetRecentByETag(ctx, ptr.ETag)
	if err != nil {
		return err
	}
	e.builder = canonicalchain.RestoreFromSegment(seg)
	e.recentETag = ptr.ETag
	return nil
}

func (e *Engine) fetchByNumber(ctx context.Context, number uint64) (chainprovider.IngestedBlock, error) {
	var block chainprovider.IngestedBlock
	err := e.retry.Do(ctx, func() error {
		var fetchErr error
		block, fetchErr = e.provider.IngestByNumber(ctx, number)
		return fetchErr
	})
	return block, err
}

func (e *Engine) waitForAvailable(ctx context.Context, number uint64) error {
	for {
		var head cursor.Cursor
		var err error
		if e.cfg.Mode == ModeFinalized {
			head, err = e.provider.FinalizedCursor(ctx)
		} else {
			head, err = e.provider.HeadCursor(ctx)
		}
		if err == nil && head.Number >= number {
			return nil
		}
		if err != nil && dnaerr.KindOf(err) != dnaerr.KindTransient {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// apply folds a fetched block into the builder, resolving a reorg first if
// the provider's view of this height no longer chains from our tip.
func (e *Engine) apply(ctx context.Context, block chainprovider.IngestedBlock) error {
	if err := e.builder.Grow(block.Info); err != nil {
		if !canonicalchain.IsBrokenChain(err) {
			return err
		}
		if e.cfg.Mode == ModeFinalized {
			return dnaerr.Invariant("ingestion: finalized block %d does not chain from prior tip: %v", block.Info.Number, err)
		}
		resolved, err := e.resolveReorg(ctx, block)
		if err != nil {
			return err
		}
		block = resolved
	}

	if err := e.blocks.Put(ctx, blockstore.Block{
		Number:  block.Info.Number,
		Hash:    block.Info.Hash,
		Payload: block.Payload,
		Index:   block.Index,
	}); err != nil {
		return err
	}

	if err := e.publishRecent(ctx); err != nil {
		return err
	}
	return e.sealIfDue(ctx)
}

// resolveReorg walks backward from mismatch along its provider-reported
// parent chain, fetching each ancestor by hash until it finds a number
// still present in the builder's window whose hash matches — the common
// ancestor — then replaces the builder's tail with the new fork (spec.md
// §4.3 reorg handling). It returns the originally-mismatched block info so
// the caller's Grow-equivalent bookkeeping (blockstore.Put) proceeds
// normally; ReplaceWithFork has already folded the whole fork into the
// builder.
func (e *Engine) resolveReorg(ctx context.Context, mismatch chainprovider.IngestedBlock) (chainprovider.IngestedBlock, error) {
	fork := []chainprovider.IngestedBlock{mismatch}
	cur := mismatch
	for {
		if cur.Info.Number == 0 {
			return chainprovider.IngestedBlock{}, dnaerr.Invariant("ingestion: reorg walked back to genesis without finding a common ancestor")
		}
		parentNumber := cur.Info.Number - 1
		if canonical, ok := e.builder.At(parentNumber); ok && bytes.Equal(canonical.Hash, cur.Info.ParentHash) {
			infos := make([]blockinfo.BlockInfo, len(fork))
			for i, ib := range fork {
				infos[i] = ib.Info
			}
			if err := e.builder.ReplaceWithFork(parentNumber, infos); err != nil {
				return chainprovider.IngestedBlock{}, err
			}
			for _, ib := range fork[:len(fork)-1] {
				if err := e.blocks.Put(ctx, blockstore.Block{
					Number: ib.Info.Number, Hash: ib.Info.Hash, Payload: ib.Payload, Index: ib.Index,
				}); err != nil {
					return chainprovider.IngestedBlock{}, err
				}
			}
			e.logger.Warn().
				Uint64("ancestor", parentNumber).
				Uint64("from", mismatch.Info.Number).
				Int("depth", len(fork)).
				Msg("ingestion: resolved reorg")
			return fork[len(fork)-1], nil
		}
		if parentNumber < e.windowFloor() {
			return chainprovider.IngestedBlock{}, dnaerr.Invariant("ingestion: reorg depth exceeds retained window at block %d", parentNumber)
		}
		var parentBlock chainprovider.IngestedBlock
		err := e.retry.Do(ctx, func() error {
			var fetchErr error
			parentBlock, fetchErr = e.provider.IngestByHash(ctx, parentNumber, cur.Info.ParentHash)
			return fetchErr
		})
		if err != nil {
			return chainprovider.IngestedBlock{}, err
		}
		fork = append([]chainprovider.IngestedBlock{parentBlock}, fork...)
		cur = parentBlock
	}
}

func (e *Engine) windowFloor() uint64 {
	info, ok := e.builder.Info()
	if !ok {
		return 0
	}
	return info.FirstBlock.Number
}

// publishRecent writes the builder's current unsealed tail to chain store
// as the "recent" segment and updates the ingested pointer in coordkv
// (spec.md §4.3 step "publish progress").
func (e *Engine) publishRecent(ctx context.Context) error {
	seg, ok := e.builder.CurrentSegment()
	if !ok {
		return nil
	}
	etag, err := e.chain.PutRecent(ctx, seg, e.recentETag)
	if err != nil {
		return err
	}
	e.recentETag = etag
	if err := e.state.PutIngested(ctx, coordkv.IngestedPointer{Path: objectstore.CanonicalRecentPath, ETag: etag}); err != nil {
		return err
	}
	finalized, err := e.finalizedCursor(ctx)
	if err != nil {
		return err
	}
	return e.state.PutFinalized(ctx, finalized)
}

// finalizedCursor fetches the provider's actual finalized cursor. Spec.md §3
// requires "finalized" to track the chain's real finalization state, never
// what has merely been ingested — in ModeAccepted the ingestion tail can run
// well ahead of the provider's finalized cursor, and publishing the tail in
// its place would let a block be reported finalized before it actually is.
func (e *Engine) finalizedCursor(ctx context.Context) (cursor.Cursor, error) {
	var c cursor.Cursor
	err := e.retry.Do(ctx, func() error {
		var fetchErr error
		c, fetchErr = e.provider.FinalizedCursor(ctx)
		return fetchErr
	})
	return c, err
}

// sealIfDue splits off a completed segment once the builder holds more than
// ChainSegmentSize + ChainSegmentUploadOffset blocks, keeping the upload
// offset's worth of recent blocks unsealed as a buffer against a shallow
// reorg needing to touch an already-sealed segment (spec.md §4.3).
func (e *Engine) sealIfDue(ctx context.Context) error {
	threshold := e.cfg.ChainSegmentSize + e.cfg.ChainSegmentUploadOffset
	if threshold <= 0 || e.builder.Len() <= threshold {
		return nil
	}
	seg, err := e.builder.TakeSegment(e.cfg.ChainSegmentSize)
	if err != nil {
		return err
	}
	path := objectstore.CanonicalSegmentPath(seg.Info.FirstBlock.Number)
	if err := e.chain.PutSealed(ctx, path, seg); err != nil {
		return err
	}
	if err := e.state.PutSegmented(ctx, seg.Info.LastBlock); err != nil {
		return err
	}
	e.logger.Info().
		Uint64("first", seg.Info.FirstBlock.Number).
		Uint64("last", seg.Info.LastBlock.Number).
		Msg("ingestion: sealed segment")
	return nil
}
