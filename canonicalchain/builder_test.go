package canonicalchain

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/cursor"
)

func block(number uint64, hash, parent byte) blockinfo.BlockInfo {
	return blockinfo.BlockInfo{Number: number, Hash: []byte{hash}, ParentHash: []byte{parent}}
}

func TestGrowAppendsConsecutiveBlocks(t *testing.T) {
	b := New()
	require.NoError(t, b.Grow(block(1, 0x11, 0x00)))
	require.NoError(t, b.Grow(block(2, 0x22, 0x11)))
	require.Equal(t, 2, b.Len())
	info, ok := b.Info()
	require.True(t, ok)
	require.Equal(t, uint64(1), info.FirstBlock.Number)
	require.Equal(t, uint64(2), info.LastBlock.Number)
}

func TestGrowRejectsNonConsecutive(t *testing.T) {
	b := New()
	require.NoError(t, b.Grow(block(1, 0x11, 0x00)))
	err := b.Grow(block(3, 0x33, 0x11))
	require.Error(t, err)
}

func TestGrowRejectsBrokenChain(t *testing.T) {
	b := New()
	require.NoError(t, b.Grow(block(1, 0x11, 0x00)))
	err := b.Grow(block(2, 0x22, 0xFF))
	require.Error(t, err)
}

func TestTakeSegmentSplitsWindow(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, b.Grow(block(i, byte(i), byte(i-1))))
	}
	seg, err := b.TakeSegment(3)
	require.NoError(t, err)
	require.Len(t, seg.Blocks, 3)
	require.Equal(t, 2, b.Len())
	require.NoError(t, seg.Validate())
}

func TestTakeSegmentInsufficientBlocks(t *testing.T) {
	b := New()
	require.NoError(t, b.Grow(block(1, 0x11, 0x00)))
	_, err := b.TakeSegment(5)
	require.Error(t, err)
}

func TestReplaceWithForkRecordsSiblings(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Grow(block(i, byte(i), byte(i-1))))
	}
	// Old chain: 1(0x01) -> 2(0x02) -> 3(0x03). Reorg at 1 to a new fork.
	fork := []blockinfo.BlockInfo{
		{Number: 2, Hash: []byte{0xA2}, ParentHash: []byte{0x01}},
		{Number: 3, Hash: []byte{0xA3}, ParentHash: []byte{0xA2}},
	}
	require.NoError(t, b.ReplaceWithFork(1, fork))
	require.Equal(t, 3, b.Len())
	blk, ok := b.At(2)
	require.True(t, ok)
	require.Equal(t, []byte{0xA2}, blk.Hash)
	sibs := b.SiblingsAt(2)
	require.Len(t, sibs, 1)
	require.Equal(t, []byte{0x02}, sibs[0].Hash)
}

func TestReconnectContinue(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Grow(block(i, byte(i), byte(i-1))))
	}
	res := b.Reconnect(cursor.New(2, []byte{0x02}))
	require.Equal(t, cursor.ReconnectContinue, res.Action)
}

func TestReconnectOfflineReorg(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Grow(block(i, byte(i), byte(i-1))))
	}
	fork := []blockinfo.BlockInfo{
		{Number: 2, Hash: []byte{0xA2}, ParentHash: []byte{0x01}},
		{Number: 3, Hash: []byte{0xA3}, ParentHash: []byte{0xA2}},
	}
	require.NoError(t, b.ReplaceWithFork(1, fork))
	res := b.Reconnect(cursor.New(2, []byte{0x02}))
	require.Equal(t, cursor.ReconnectOfflineReorg, res.Action)
	require.Equal(t, uint64(1), res.Target.Number)
}

func TestReconnectUnknown(t *testing.T) {
	b := New()
	require.NoError(t, b.Grow(block(1, 0x11, 0x00)))
	res := b.Reconnect(cursor.New(1, []byte{0xFF}))
	require.Equal(t, cursor.ReconnectUnknown, res.Action)
}

func TestRestoreFromSegmentRoundTrips(t *testing.T) {
	b := New()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, b.Grow(block(i, byte(i), byte(i-1))))
	}
	seg, ok := b.CurrentSegment()
	require.True(t, ok)
	restored := RestoreFromSegment(seg)
	require.Equal(t, b.Len(), restored.Len())
	info, _ := restored.Info()
	require.Equal(t, uint64(1), info.FirstBlock.Number)
}
