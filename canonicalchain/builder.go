// Package canonicalchain implements the in-memory canonical chain builder of
// spec.md §4.2: it grows by appending validated block-info records, detects
// forks, and splits off completed segments. It is exclusively owned by the
// ingestion loop (spec.md §9 "Ownership of the chain builder") — no
// cross-task sharing, so none of its methods are safe for concurrent use.
package canonicalchain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
)

// ErrNonConsecutive and ErrBrokenChain are the two ways Grow can reject a
// block. Callers distinguish them with errors.Is: a non-consecutive number
// is always a bug upstream, while a broken parent link during
// IngestAccepted mode is the expected signal to start reorg resolution
// (spec.md §4.3).
var (
	ErrNonConsecutive = errors.New("canonicalchain: non-consecutive block")
	ErrBrokenChain    = errors.New("canonicalchain: broken chain")
)

// Builder holds an ordered in-memory window of BlockInfo records plus, for
// each number in the window, the set of non-canonical siblings observed.
type Builder struct {
	blocks   []blockinfo.BlockInfo
	siblings map[uint64][]cursor.Cursor
}

// New creates an empty Builder.
func New() *Builder {
	return &Builder{siblings: make(map[uint64][]cursor.Cursor)}
}

// RestoreFromSegment initializes a builder whose window is seg's blocks,
// allowing a restart after crash (spec.md §4.2 restore_from_segment).
func RestoreFromSegment(seg *blockinfo.CanonicalChainSegment) *Builder {
	b := &Builder{
		blocks:   append([]blockinfo.BlockInfo(nil), seg.Blocks...),
		siblings: make(map[uint64][]cursor.Cursor, len(seg.Siblings)),
	}
	for num, cs := range seg.Siblings {
		b.siblings[num] = append([]cursor.Cursor(nil), cs...)
	}
	return b
}

// Info returns the (first, last) block of the window, if non-empty.
func (b *Builder) Info() (blockinfo.SegmentInfo, bool) {
	if len(b.blocks) == 0 {
		return blockinfo.SegmentInfo{}, false
	}
	first := b.blocks[0]
	last := b.blocks[len(b.blocks)-1]
	return blockinfo.SegmentInfo{FirstBlock: first.Cursor(), LastBlock: last.Cursor()}, true
}

// Len returns the number of blocks currently held ("segment_size" in
// spec.md §4.2/§4.3).
func (b *Builder) Len() int { return len(b.blocks) }

// Grow appends block, the normal ingestion path (spec.md §4.2).
//
// Fails with a dnaerr.KindInvariant classified error wrapping
// ErrNonConsecutive if block.Number != last.Number+1, or ErrBrokenChain if
// block.ParentHash != last.Hash. On ErrBrokenChain, the caller is expected
// to perform offline reorg resolution (spec.md §4.3) before retrying.
//
// Fork policy: if the builder already has a canonical entry at block.Number
// with a different hash, the existing entry is recorded as a sibling and
// replaced only when the caller has independently determined (by walking
// the provider forward) that the new chain extends further — Grow itself
// has no way to know that, so BUILDING A FORK through Grow is only valid via
// ReplaceWithFork, never by calling Grow again at an already-occupied
// height. Grow at an occupied height always fails with ErrNonConsecutive.
func (b *Builder) Grow(block blockinfo.BlockInfo) error {
	if len(b.blocks) == 0 {
		b.blocks = append(b.blocks, block)
		return nil
	}
	last := b.blocks[len(b.blocks)-1]
	if block.Number != last.Number+1 {
		return &dnaerr.Error{
			Kind:    dnaerr.KindInvariant,
			Message: fmt.Sprintf("non-consecutive block: have last=%d, got %d", last.Number, block.Number),
			Cause:   ErrNonConsecutive,
		}
	}
	if !bytes.Equal(block.ParentHash, last.Hash) {
		return &dnaerr.Error{
			Kind:    dnaerr.KindInvariant,
			Message: fmt.Sprintf("broken chain at block %d: parent=%x want=%x", block.Number, block.ParentHash, last.Hash),
			Cause:   ErrBrokenChain,
		}
	}
	b.blocks = append(b.blocks, block)
	return nil
}

// ReplaceWithFork implements the reorg resolution of spec.md §4.3: it
// rewinds the builder to ancestor.Number (recording every rewound block's
// cursor as a sibling at its height) and then appends replacement, which
// must chain from ancestor. The caller (ingestion's reorg handler) is
// responsible for having already confirmed, by walking the provider
// backwards, that ancestor is a genuine common ancestor and that the new
// fork extends further than the old tip.
func (b *Builder) ReplaceWithFork(ancestorNumber uint64, replacement []blockinfo.BlockInfo) error {
	idx, ok := b.indexOf(ancestorNumber)
	if !ok {
		return dnaerr.Invariant("canonicalchain: reorg ancestor %d not found in window", ancestorNumber)
	}
	ancestor := b.blocks[idx]
	// Record every rewound block as a sibling at its height before dropping it.
	for _, old := range b.blocks[idx+1:] {
		b.recordSibling(old.Number, old.Cursor())
	}
	b.blocks = b.blocks[:idx+1]
	for _, block := range replacement {
		prev := ancestor
		if len(b.blocks) > idx+1 {
			prev = b.blocks[len(b.blocks)-1]
		}
		if block.Number != prev.Number+1 {
			return dnaerr.Invariant("canonicalchain: reorg replacement non-consecutive: have=%d got=%d", prev.Number, block.Number)
		}
		if !bytes.Equal(block.ParentHash, prev.Hash) {
			return dnaerr.Invariant("canonicalchain: reorg replacement broken chain at %d", block.Number)
		}
		b.blocks = append(b.blocks, block)
	}
	return nil
}

// IsBrokenChain reports whether err is (or wraps) ErrBrokenChain.
func IsBrokenChain(err error) bool { return errors.Is(err, ErrBrokenChain) }

func (b *Builder) recordSibling(number uint64, c cursor.Cursor) {
	b.siblings[number] = append(b.siblings[number], c)
}

func (b *Builder) indexOf(number uint64) (int, bool) {
	if len(b.blocks) == 0 {
		return 0, false
	}
	first := b.blocks[0].Number
	if number < first {
		return 0, false
	}
	idx := int(number - first)
	if idx >= len(b.blocks) {
		return 0, false
	}
	return idx, true
}

// At returns the canonical BlockInfo at number, if held.
func (b *Builder) At(number uint64) (blockinfo.BlockInfo, bool) {
	idx, ok := b.indexOf(number)
	if !ok {
		return blockinfo.BlockInfo{}, false
	}
	return b.blocks[idx], true
}

// SiblingsAt returns the non-canonical cursors recorded at number.
func (b *Builder) SiblingsAt(number uint64) []cursor.Cursor {
	return b.siblings[number]
}

// TakeSegment splits off the leading size blocks as an immutable segment,
// retaining the remainder. Fails with a dnaerr.KindInvariant error if fewer
// than size blocks are held.
func (b *Builder) TakeSegment(size int) (*blockinfo.CanonicalChainSegment, error) {
	if len(b.blocks) < size {
		return nil, dnaerr.Invariant("canonicalchain: insufficient blocks: have=%d want=%d", len(b.blocks), size)
	}
	taken := b.blocks[:size]
	seg := &blockinfo.CanonicalChainSegment{
		Info: blockinfo.SegmentInfo{
			FirstBlock: taken[0].Cursor(),
			LastBlock:  taken[size-1].Cursor(),
		},
		Blocks:   append([]blockinfo.BlockInfo(nil), taken...),
		Siblings: siblingSubset(b.siblings, taken[0].Number, taken[size-1].Number),
	}

	remaining := append([]blockinfo.BlockInfo(nil), b.blocks[size:]...)
	b.blocks = remaining
	for num := range b.siblings {
		if num <= taken[size-1].Number {
			delete(b.siblings, num)
		}
	}
	return seg, nil
}

// CurrentSegment returns a copy of the unsealed tail as a (shorter) segment
// for publication as the "recent" segment. Returns false if the builder is
// empty.
func (b *Builder) CurrentSegment() (*blockinfo.CanonicalChainSegment, bool) {
	if len(b.blocks) == 0 {
		return nil, false
	}
	first := b.blocks[0].Number
	last := b.blocks[len(b.blocks)-1].Number
	return &blockinfo.CanonicalChainSegment{
		Info: blockinfo.SegmentInfo{
			FirstBlock: b.blocks[0].Cursor(),
			LastBlock:  b.blocks[len(b.blocks)-1].Cursor(),
		},
		Blocks:   append([]blockinfo.BlockInfo(nil), b.blocks...),
		Siblings: siblingSubset(b.siblings, first, last),
	}, true
}

func siblingSubset(all map[uint64][]cursor.Cursor, low, high uint64) map[uint64][]cursor.Cursor {
	if len(all) == 0 {
		return nil
	}
	out := make(map[uint64][]cursor.Cursor)
	for num, cs := range all {
		if num >= low && num <= high {
			out[num] = append([]cursor.Cursor(nil), cs...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Reconnect implements the offline reorg detection of spec.md §4.5: given a
// prior client cursor prev, it determines whether the client can simply
// continue, must be told to invalidate back to an ancestor, or is in an
// unrecoverable (Unknown) state because prev names neither a canonical
// block nor a known sibling.
func (b *Builder) Reconnect(prev cursor.Cursor) cursor.ReconnectResult {
	canonical, ok := b.At(prev.Number)
	if ok && prev.Equivalent(canonical.Cursor()) {
		return cursor.ReconnectResult{Action: cursor.ReconnectContinue}
	}
	for _, sib := range b.SiblingsAt(prev.Number) {
		if prev.Equivalent(sib) {
			target := b.latestCommonAncestor(prev.Number)
			return cursor.ReconnectResult{Action: cursor.ReconnectOfflineReorg, Target: target}
		}
	}
	return cursor.ReconnectResult{Action: cursor.ReconnectUnknown}
}

// latestCommonAncestor walks backwards from number-1 within the window
// until it finds a block that is canonical (which, since the window only
// holds canonical blocks plus a sibling side-table, is simply number-1 if
// present). This models spec.md §4.5 step 3 ("walk back number-by-number
// within the segment until the canonical and prior chains agree").
func (b *Builder) latestCommonAncestor(number uint64) cursor.Cursor {
	if number == 0 {
		return cursor.New(0, nil)
	}
	if blk, ok := b.At(number - 1); ok {
		return blk.Cursor()
	}
	return cursor.New(number-1, nil)
}
