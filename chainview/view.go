// Package chainview implements the read-side ChainView and its background
// sync service of spec.md §4.4: a distributed, read-mostly projection of
// ingestion progress plus a cached window into the canonical chain, used by
// the stream server to answer client requests without touching the
// coordination KV on every call.
package chainview

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/mathutil"
	"github.com/dna-network/dna/objectstore"
)

// SegmentFetcher loads a sealed segment by its object-store path. Both
// chainstore.Store and a hotcache-wrapped chainstore satisfy this, so View
// is agnostic to whether sealed-segment reads go through the hot-file cache
// (spec.md §4.6) or straight to chain store.
type SegmentFetcher interface {
	GetSealed(ctx context.Context, path string) (*blockinfo.CanonicalChainSegment, error)
}

// View is the read-side projection described in spec.md §4.4 step 4: a
// read-write-locked snapshot of { starting_block, finalized, segmented,
// recent_segment }, plus an LRU of recently-resolved sealed segments.
// Updated exclusively by a Sync instance; read by arbitrarily many callers.
type View struct {
	fetcher     SegmentFetcher
	segmentSize uint64

	mu            sync.RWMutex
	startingBlock cursor.Cursor
	finalized     cursor.Cursor
	segmented     cursor.Cursor
	hasSegmented  bool
	recent        *blockinfo.CanonicalChainSegment
	initialized   bool

	sealedCache *lru.Cache[string, *blockinfo.CanonicalChainSegment]

	// headCh is closed and replaced every time the recent segment or
	// finalized cursor changes, so the stream server's AtHead wait (spec.md
	// §4.8 step 4) can block on it instead of polling.
	headMu sync.Mutex
	headCh chan struct{}
}

// NewView constructs an uninitialized View; a Sync marks it initialized
// once the bootstrap sequence of spec.md §4.4 completes. cacheSize bounds
// the sealed-segment LRU.
func NewView(fetcher SegmentFetcher, segmentSize uint64, cacheSize int) (*View, error) {
	cache, err := lru.New[string, *blockinfo.CanonicalChainSegment](cacheSize)
	if err != nil {
		return nil, dnaerr.Configuration("chainview: create segment cache: %v", err)
	}
	return &View{
		fetcher:     fetcher,
		segmentSize: segmentSize,
		sealedCache: cache,
		headCh:      make(chan struct{}),
	}, nil
}

// errNotInitialized is returned by every read method before the bootstrap
// sequence completes (spec.md §4.8 step 1: "wait for the local ChainView to
// be initialized, otherwise return Unavailable").
var errNotInitialized = dnaerr.Unavailable("chainview: not yet initialized")

func (v *View) requireInitialized() error {
	if !v.initialized {
		return errNotInitialized
	}
	return nil
}

// IsInitialized reports whether the bootstrap sequence has completed.
func (v *View) IsInitialized() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.initialized
}

// HeadSignal returns a channel closed the next time the head or finalized
// cursor advances, for the stream server's AtHead wait.
func (v *View) HeadSignal() <-chan struct{} {
	v.headMu.Lock()
	defer v.headMu.Unlock()
	return v.headCh
}

func (v *View) notifyHeadChanged() {
	v.headMu.Lock()
	old := v.headCh
	v.headCh = make(chan struct{})
	v.headMu.Unlock()
	close(old)
}

// GetHead returns the last block of the recent segment.
func (v *View) GetHead() (cursor.Cursor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.requireInitialized(); err != nil {
		return cursor.Cursor{}, err
	}
	if v.recent == nil {
		return v.startingBlock, nil
	}
	return v.recent.Info.LastBlock, nil
}

func (v *View) GetFinalizedCursor() (cursor.Cursor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.requireInitialized(); err != nil {
		return cursor.Cursor{}, err
	}
	return v.finalized, nil
}

// GetSegmentedCursor returns the last block folded into a sealed segment,
// if any segment has been sealed yet.
func (v *View) GetSegmentedCursor() (cursor.Cursor, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.requireInitialized(); err != nil {
		return cursor.Cursor{}, false, err
	}
	return v.segmented, v.hasSegmented, nil
}

func (v *View) GetStartingCursor() (cursor.Cursor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.requireInitialized(); err != nil {
		return cursor.Cursor{}, err
	}
	return v.startingBlock, nil
}

// GetCanonical resolves number to its canonical cursor, consulting the
// recent segment first and falling back to the sealed segment containing
// number (spec.md §4.4 get_canonical).
func (v *View) GetCanonical(ctx context.Context, number uint64) (cursor.CanonicalCursor, error) {
	v.mu.RLock()
	recent := v.recent
	starting := v.startingBlock
	size := v.segmentSize
	initialized := v.initialized
	v.mu.RUnlock()
	if !initialized {
		return cursor.CanonicalCursor{}, errNotInitialized
	}

	if number < starting.Number {
		return cursor.CanonicalCursor{Kind: cursor.KindBeforeAvailable, First: starting}, nil
	}
	if recent != nil && recent.Contains(number) {
		blk, _ := recent.At(number)
		return cursor.CanonicalCursor{Kind: cursor.KindCanonical, Canonical: blk.Cursor()}, nil
	}
	if recent != nil && number > recent.Info.LastBlock.Number {
		return cursor.CanonicalCursor{Kind: cursor.KindAfterAvailable, Last: recent.Info.LastBlock}, nil
	}

	seg, err := v.sealedSegmentFor(ctx, starting.Number, size, number)
	if err != nil {
		return cursor.CanonicalCursor{}, err
	}
	blk, ok := seg.At(number)
	if !ok {
		return cursor.CanonicalCursor{}, dnaerr.Invariant("chainview: sealed segment for %d does not contain it", number)
	}
	return cursor.CanonicalCursor{Kind: cursor.KindCanonical, Canonical: blk.Cursor()}, nil
}

func (v *View) sealedSegmentFor(ctx context.Context, starting, size, number uint64) (*blockinfo.CanonicalChainSegment, error) {
	start := mathutil.SegmentStart(starting, size, number)
	path := objectstore.CanonicalSegmentPath(start)
	if seg, ok := v.sealedCache.Get(path); ok {
		return seg, nil
	}
	seg, err := v.fetcher.GetSealed(ctx, path)
	if err != nil {
		return nil, err
	}
	v.sealedCache.Add(path, seg)
	return seg, nil
}

// segmentContaining returns the (recent or sealed) segment holding number,
// used by ValidateCursor and GetNextCursor to run offline reorg detection
// (spec.md §4.5) against the right window.
func (v *View) segmentContaining(ctx context.Context, number uint64) (*blockinfo.CanonicalChainSegment, error) {
	v.mu.RLock()
	recent := v.recent
	starting := v.startingBlock
	size := v.segmentSize
	v.mu.RUnlock()

	if recent != nil && recent.Contains(number) {
		return recent, nil
	}
	return v.sealedSegmentFor(ctx, starting.Number, size, number)
}

// ValidateCursor checks a client-supplied starting cursor (spec.md §4.4
// validate_cursor): valid if it names a canonical block or the wildcard
// height-only form; otherwise reports the canonical block and any known
// siblings at that height so the caller can build a diagnostic message.
func (v *View) ValidateCursor(ctx context.Context, c cursor.Cursor) (cursor.ValidatedCursor, error) {
	if err := v.requireInitialized(); err != nil {
		return cursor.ValidatedCursor{}, err
	}
	canonical, err := v.GetCanonical(ctx, c.Number)
	if err != nil {
		return cursor.ValidatedCursor{}, err
	}
	switch canonical.Kind {
	case cursor.KindBeforeAvailable, cursor.KindAfterAvailable:
		return cursor.ValidatedCursor{Valid: false, Canonical: canonical.Canonical}, nil
	}
	if c.Equivalent(canonical.Canonical) {
		return cursor.ValidatedCursor{Valid: true, Normalized: canonical.Canonical}, nil
	}
	seg, err := v.segmentContaining(ctx, c.Number)
	if err != nil {
		return cursor.ValidatedCursor{}, err
	}
	return cursor.ValidatedCursor{
		Valid:     false,
		Canonical: canonical.Canonical,
		Siblings:  seg.SiblingsAt(c.Number),
	}, nil
}

// GetNextCursor is the stream server's steady-state driver (spec.md §4.4
// get_next_cursor / §4.8 step 2-4): given the client's previous cursor (nil
// meaning "start of chain"), returns the next cursor to scan, an
// invalidation instruction if an offline reorg occurred, or AtHead if the
// client has caught up to limit. limit is the caller's finality ceiling — the
// recent segment's tip for Accepted/Pending requests, or GetFinalizedCursor
// for Finalized requests (spec.md §4.8 "finality"): a Finalized stream must
// never advance past a block the provider hasn't actually finalized yet,
// matching the original source's `is_after_finalized_block` gate.
func (v *View) GetNextCursor(ctx context.Context, prev *cursor.Cursor, limit cursor.Cursor) (cursor.NextCursor, error) {
	if prev == nil {
		starting, err := v.GetStartingCursor()
		if err != nil {
			return cursor.NextCursor{}, err
		}
		if starting.Number > limit.Number {
			return cursor.NextCursor{Kind: cursor.NextAtHead}, nil
		}
		canonical, err := v.GetCanonical(ctx, starting.Number)
		if err != nil {
			return cursor.NextCursor{}, err
		}
		if canonical.Kind != cursor.KindCanonical {
			return cursor.NextCursor{Kind: cursor.NextAtHead}, nil
		}
		return cursor.NextCursor{Kind: cursor.NextContinue, Cursor: canonical.Canonical, IsHead: starting.Number == limit.Number}, nil
	}

	seg, err := v.segmentContaining(ctx, prev.Number)
	if err != nil {
		return cursor.NextCursor{}, err
	}
	canonicalAtPrev, ok := seg.At(prev.Number)
	if ok && prev.Equivalent(canonicalAtPrev.Cursor()) {
		nextNumber := prev.Number + 1
		if nextNumber > limit.Number {
			return cursor.NextCursor{Kind: cursor.NextAtHead}, nil
		}
		nextSeg, err := v.segmentContaining(ctx, nextNumber)
		if err != nil {
			return cursor.NextCursor{}, err
		}
		blk, ok := nextSeg.At(nextNumber)
		if !ok {
			return cursor.NextCursor{}, dnaerr.Invariant("chainview: segment for %d missing it", nextNumber)
		}
		return cursor.NextCursor{Kind: cursor.NextContinue, Cursor: blk.Cursor(), IsHead: nextNumber == limit.Number}, nil
	}

	for _, sib := range seg.SiblingsAt(prev.Number) {
		if prev.Equivalent(sib) {
			target := v.latestCommonAncestor(ctx, seg, prev.Number)
			return cursor.NextCursor{Kind: cursor.NextInvalidate, Target: target}, nil
		}
	}
	return cursor.NextCursor{}, dnaerr.InvalidArgument("chainview: cursor %s is neither canonical nor a known sibling", prev)
}

func (v *View) latestCommonAncestor(ctx context.Context, seg *blockinfo.CanonicalChainSegment, number uint64) cursor.Cursor {
	if number == 0 {
		return cursor.New(0, nil)
	}
	if blk, ok := seg.At(number - 1); ok {
		return blk.Cursor()
	}
	ancestorSeg, err := v.segmentContaining(ctx, number-1)
	if err != nil {
		return cursor.New(number-1, nil)
	}
	if blk, ok := ancestorSeg.At(number - 1); ok {
		return blk.Cursor()
	}
	return cursor.New(number-1, nil)
}
