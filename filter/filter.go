// Package filter implements the declarative filter and scan engine of
// spec.md §4.7: a chain-agnostic predicate language over IndexGroup bitmaps,
// evaluated per block and, for historical ranges, per segment group.
package filter

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dna-network/dna/indexgroup"
)

// EventSelector matches events by contract address and/or topic-0 prefix
// (spec.md §4.7). Both fields are optional; an unset field is not a
// constraint (neither is it a wildcard-match-all on its own — at least one
// selector field must be set for the selector to contribute any candidates).
type EventSelector struct {
	Address []byte
	Keys    [][]byte
}

// TransactionSelector matches transactions by from/to address, contract
// creation, or (for chains without a from/to notion) a chain-specific
// status enum.
type TransactionSelector struct {
	FromAddress []byte
	ToAddress   []byte
	Create      bool
	Status      *byte
}

// Filter is one declarative selection (spec.md §4.7). A client may
// multiplex several Filters over one stream, each identified by its index
// in Filters.ID.
type Filter struct {
	ID int
	// HeaderAlways, if true, includes every scanned block's header
	// unconditionally (spec.md §4.7 "Required-header guarantee").
	HeaderAlways bool
	Events       []EventSelector
	Transactions []TransactionSelector
}

// MatchResult is the per-filter output of scanning one block: the position
// sets of matched entries per section, deduplicated within the filter (a
// transaction matched by two selectors in the same filter appears once).
type MatchResult struct {
	FilterID             int
	IncludeHeader        bool
	TransactionPositions *roaring.Bitmap
	EventPositions       *roaring.Bitmap
}

// EvaluateBlock evaluates filters against one block's IndexGroup, per
// spec.md §4.7's per-block evaluation steps 1-3 (step 4, materializing
// entries from the payload, is the caller's responsibility — this package
// only computes position sets, staying agnostic to the payload's concrete
// encoding).
func EvaluateBlock(idx *indexgroup.Group, filters []Filter) []MatchResult {
	out := make([]MatchResult, 0, len(filters))
	for _, f := range filters {
		res := MatchResult{FilterID: f.ID, IncludeHeader: f.HeaderAlways}

		events := roaring.New()
		for _, sel := range f.Events {
			events.Or(matchEvent(idx, sel))
		}
		if r, ok := idx.ValidRange[indexgroup.TagEventByAddress]; ok {
			events.And(rangeBitmap(r))
		}

		txns := roaring.New()
		for _, sel := range f.Transactions {
			txns.Or(matchTransaction(idx, sel))
		}
		if r, ok := idx.ValidRange[indexgroup.TagTransactionByFromAddress]; ok {
			txns.And(rangeBitmap(r))
		}

		res.EventPositions = events
		res.TransactionPositions = txns
		out = append(out, res)
	}
	return out
}

func matchEvent(idx *indexgroup.Group, sel EventSelector) *roaring.Bitmap {
	if len(sel.Address) == 0 && len(sel.Keys) == 0 {
		return roaring.New()
	}
	var candidates *roaring.Bitmap
	if len(sel.Address) > 0 {
		candidates = idx.Get(indexgroup.TagEventByAddress, sel.Address)
	}
	for _, key := range sel.Keys {
		byKey := idx.Get(indexgroup.TagEventByKey0, key)
		if candidates == nil {
			candidates = byKey
		} else {
			candidates.And(byKey)
		}
	}
	if candidates == nil {
		return roaring.New()
	}
	return candidates
}

func matchTransaction(idx *indexgroup.Group, sel TransactionSelector) *roaring.Bitmap {
	out := roaring.New()
	if len(sel.FromAddress) > 0 {
		out.Or(idx.Get(indexgroup.TagTransactionByFromAddress, sel.FromAddress))
	}
	if len(sel.ToAddress) > 0 {
		out.Or(idx.Get(indexgroup.TagTransactionByToAddress, sel.ToAddress))
	}
	if sel.Create {
		out.Or(idx.Get(indexgroup.TagTransactionByCreate, nil))
	}
	if sel.Status != nil {
		out.Or(idx.Get(indexgroup.TagValidatorByStatus, []byte{*sel.Status}))
	}
	return out
}

func rangeBitmap(r indexgroup.Range) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(uint64(r.Low), uint64(r.High)+1)
	return bm
}

// AnyHeaderAlways reports whether any filter in the set requires every
// block's header unconditionally (spec.md §4.7 "Required-header
// guarantee"), which drives the stream scanner's block-bitmap fast path.
func AnyHeaderAlways(filters []Filter) bool {
	for _, f := range filters {
		if f.HeaderAlways {
			return true
		}
	}
	return false
}
