package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/indexgroup"
)

func buildBlockIndex() *indexgroup.Group {
	idx := indexgroup.NewGroup()
	addrA := []byte{0xAA}
	addrB := []byte{0xBB}
	idx.Add(indexgroup.TagEventByAddress, addrA, 0)
	idx.Add(indexgroup.TagEventByAddress, addrB, 1)
	idx.Add(indexgroup.TagTransactionByFromAddress, addrA, 0)
	idx.Add(indexgroup.TagTransactionByCreate, nil, 2)
	idx.SetValidRange(indexgroup.TagEventByAddress, 0, 1)
	idx.SetValidRange(indexgroup.TagTransactionByFromAddress, 0, 2)
	return idx
}

func TestEvaluateBlockMatchesByAddress(t *testing.T) {
	idx := buildBlockIndex()
	filters := []Filter{
		{ID: 1, Events: []EventSelector{{Address: []byte{0xAA}}}},
	}
	results := EvaluateBlock(idx, filters)
	require.Len(t, results, 1)
	require.True(t, results[0].EventPositions.Contains(0))
	require.False(t, results[0].EventPositions.Contains(1))
}

func TestEvaluateBlockUnionsSelectorsWithinFilter(t *testing.T) {
	idx := buildBlockIndex()
	filters := []Filter{
		{ID: 1, Events: []EventSelector{{Address: []byte{0xAA}}, {Address: []byte{0xBB}}}},
	}
	results := EvaluateBlock(idx, filters)
	require.True(t, results[0].EventPositions.Contains(0))
	require.True(t, results[0].EventPositions.Contains(1))
}

func TestEvaluateBlockTransactionSelectors(t *testing.T) {
	idx := buildBlockIndex()
	filters := []Filter{
		{ID: 1, Transactions: []TransactionSelector{{FromAddress: []byte{0xAA}}, {Create: true}}},
	}
	results := EvaluateBlock(idx, filters)
	require.True(t, results[0].TransactionPositions.Contains(0))
	require.True(t, results[0].TransactionPositions.Contains(2))
}

func TestAnyHeaderAlways(t *testing.T) {
	require.True(t, AnyHeaderAlways([]Filter{{HeaderAlways: true}}))
	require.False(t, AnyHeaderAlways([]Filter{{HeaderAlways: false}}))
}

func TestCandidateBlocksShiftsByGroupStart(t *testing.T) {
	idx := indexgroup.NewGroup()
	idx.Add(indexgroup.TagTransactionByFromAddress, []byte{0xAA}, 3)
	filters := []Filter{{ID: 1, Transactions: []TransactionSelector{{FromAddress: []byte{0xAA}}}}}
	candidates := CandidateBlocks(idx, filters, 100)
	require.NotNil(t, candidates)
	require.True(t, candidates.Contains(103))
}

func TestCandidateBlocksNilWhenHeaderAlways(t *testing.T) {
	idx := indexgroup.NewGroup()
	filters := []Filter{{ID: 1, HeaderAlways: true}}
	require.Nil(t, CandidateBlocks(idx, filters, 0))
}
