// Package blockinfo holds the minimal per-block header record (BlockInfo)
// and the immutable CanonicalChainSegment that groups a contiguous run of
// them, per spec.md §3.
package blockinfo

import (
	"bytes"
	"fmt"

	"github.com/dna-network/dna/cursor"
)

// BlockInfo is the minimal per-block header record stored in the canonical
// chain representation. Invariant: ParentHash is either the hash of the
// BlockInfo at Number-1 in the same segment, or (for the first block of a
// segment restored from storage) a known accepted predecessor.
type BlockInfo struct {
	Number     uint64
	Hash       []byte
	ParentHash []byte
}

// Cursor returns the Cursor naming this block.
func (b BlockInfo) Cursor() cursor.Cursor {
	return cursor.New(b.Number, b.Hash)
}

func (b BlockInfo) String() string {
	return fmt.Sprintf("BlockInfo{number:%d hash:%x parent:%x}", b.Number, b.Hash, b.ParentHash)
}

// SegmentInfo carries the first and last block of a segment, per spec.md §3.
type SegmentInfo struct {
	FirstBlock cursor.Cursor
	LastBlock  cursor.Cursor
}

// CanonicalChainSegment is a contiguous window of BlockInfo records with
// monotonically increasing Number and chained ParentHash, plus an info
// header and an optional sibling map (Number -> non-canonical cursors
// observed at that height). Segments are immutable once sealed; exactly one
// segment is "recent" (unsealed, rewritten atomically via ETag).
type CanonicalChainSegment struct {
	Info     SegmentInfo
	Blocks   []BlockInfo
	Siblings map[uint64][]cursor.Cursor
}

// Validate checks the segment's internal invariants: monotonically
// increasing numbers and a chained parent-hash link between consecutive
// blocks. It does not check linkage against any block outside the segment.
func (s *CanonicalChainSegment) Validate() error {
	if len(s.Blocks) == 0 {
		return fmt.Errorf("blockinfo: empty segment")
	}
	for i, b := range s.Blocks {
		if i == 0 {
			continue
		}
		prev := s.Blocks[i-1]
		if b.Number != prev.Number+1 {
			return fmt.Errorf("blockinfo: non-consecutive numbers at index %d: %d -> %d", i, prev.Number, b.Number)
		}
		if !bytes.Equal(b.ParentHash, prev.Hash) {
			return fmt.Errorf("blockinfo: broken parent link at block %d: parent=%x want=%x", b.Number, b.ParentHash, prev.Hash)
		}
	}
	first := s.Blocks[0]
	last := s.Blocks[len(s.Blocks)-1]
	if !s.Info.FirstBlock.Equal(first.Cursor()) {
		return fmt.Errorf("blockinfo: info.first_block %s does not match blocks[0] %s", s.Info.FirstBlock, first.Cursor())
	}
	if !s.Info.LastBlock.Equal(last.Cursor()) {
		return fmt.Errorf("blockinfo: info.last_block %s does not match blocks[-1] %s", s.Info.LastBlock, last.Cursor())
	}
	return nil
}

// At returns the BlockInfo for the given block number, if present.
func (s *CanonicalChainSegment) At(number uint64) (BlockInfo, bool) {
	if len(s.Blocks) == 0 {
		return BlockInfo{}, false
	}
	first := s.Blocks[0].Number
	if number < first || number > s.Blocks[len(s.Blocks)-1].Number {
		return BlockInfo{}, false
	}
	idx := number - first
	if int(idx) >= len(s.Blocks) {
		return BlockInfo{}, false
	}
	return s.Blocks[idx], true
}

// SiblingsAt returns the recorded non-canonical cursors observed at number.
func (s *CanonicalChainSegment) SiblingsAt(number uint64) []cursor.Cursor {
	if s.Siblings == nil {
		return nil
	}
	return s.Siblings[number]
}

// Contains reports whether number falls within [FirstBlock.Number, LastBlock.Number].
func (s *CanonicalChainSegment) Contains(number uint64) bool {
	return number >= s.Info.FirstBlock.Number && number <= s.Info.LastBlock.Number
}

// Clone returns a deep copy, used whenever a caller must not observe later
// mutation of the source segment (e.g. ChainView.get_head snapshotting the
// recent segment while the sync task replaces it).
func (s *CanonicalChainSegment) Clone() *CanonicalChainSegment {
	out := &CanonicalChainSegment{
		Info:   s.Info,
		Blocks: append([]BlockInfo(nil), s.Blocks...),
	}
	if s.Siblings != nil {
		out.Siblings = make(map[uint64][]cursor.Cursor, len(s.Siblings))
		for k, v := range s.Siblings {
			out.Siblings[k] = append([]cursor.Cursor(nil), v...)
		}
	}
	return out
}
