package filter

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dna-network/dna/indexgroup"
)

// CandidateBlocks computes the set of absolute block numbers within a
// segment group that might match any filter, given the group's coarser
// IndexGroup (positions there are block-number offsets within the group,
// per spec.md §4.7 "Segment-group scan"). Returns nil if any filter
// requires every block's header unconditionally — the caller must then
// scan the whole group rather than fast-skip (spec.md §4.7 "Required-header
// guarantee").
func CandidateBlocks(groupIndex *indexgroup.Group, filters []Filter, groupStart uint64) *roaring.Bitmap {
	if AnyHeaderAlways(filters) {
		return nil
	}
	all := roaring.New()
	for _, f := range filters {
		for _, sel := range f.Events {
			all.Or(matchEvent(groupIndex, sel))
		}
		for _, sel := range f.Transactions {
			all.Or(matchTransaction(groupIndex, sel))
		}
	}
	if groupStart == 0 {
		return all
	}
	shifted := roaring.New()
	it := all.Iterator()
	for it.HasNext() {
		shifted.Add(it.Next() + uint32(groupStart))
	}
	return shifted
}
