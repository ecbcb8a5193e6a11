package chainview

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/chainstore"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/objectstore"
)

func seal(t *testing.T, chain *chainstore.Store, first, last uint64) *blockinfo.CanonicalChainSegment {
	t.Helper()
	var blocks []blockinfo.BlockInfo
	var parent []byte
	for n := first; n <= last; n++ {
		hash := []byte{byte(n + 1)}
		blocks = append(blocks, blockinfo.BlockInfo{Number: n, Hash: hash, ParentHash: parent})
		parent = hash
	}
	seg := &blockinfo.CanonicalChainSegment{
		Info:   blockinfo.SegmentInfo{FirstBlock: blocks[0].Cursor(), LastBlock: blocks[len(blocks)-1].Cursor()},
		Blocks: blocks,
	}
	require.NoError(t, chain.PutSealed(context.Background(), objectstore.CanonicalSegmentPath(first), seg))
	return seg
}

func setupView(t *testing.T) (*View, *chainstore.Store, *coordkv.State, *coordkv.BoltStore) {
	t.Helper()
	objs, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	chain := chainstore.New(objs, nil)

	db, err := coordkv.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	state := coordkv.NewState(db)

	view, err := NewView(chain, 5, 16)
	require.NoError(t, err)
	return view, chain, state, db
}

func TestViewNotInitializedReturnsUnavailable(t *testing.T) {
	view, _, _, _ := setupView(t)
	_, err := view.GetHead()
	require.Error(t, err)
}

func TestSyncBootstrapAndGetCanonical(t *testing.T) {
	view, chain, state, db := setupView(t)
	ctx := context.Background()

	seal(t, chain, 0, 4)
	recentBlocks := []blockinfo.BlockInfo{
		{Number: 5, Hash: []byte{6}, ParentHash: []byte{5}},
		{Number: 6, Hash: []byte{7}, ParentHash: []byte{6}},
	}
	recent := &blockinfo.CanonicalChainSegment{
		Info:   blockinfo.SegmentInfo{FirstBlock: recentBlocks[0].Cursor(), LastBlock: recentBlocks[1].Cursor()},
		Blocks: recentBlocks,
	}
	etag, err := chain.PutRecent(ctx, recent, "")
	require.NoError(t, err)

	require.NoError(t, state.PutStartingBlock(ctx, cursor.New(0, nil)))
	require.NoError(t, state.PutFinalized(ctx, cursor.New(6, []byte{7})))
	require.NoError(t, state.PutSegmented(ctx, cursor.New(4, []byte{5})))
	require.NoError(t, state.PutIngested(ctx, coordkv.IngestedPointer{Path: objectstore.CanonicalRecentPath, ETag: etag}))

	sync := NewSync(db, "", view, chain.GetRecentByETag)
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = sync.Run(syncCtx) }()

	require.Eventually(t, view.IsInitialized, 2*time.Second, 10*time.Millisecond)

	head, err := view.GetHead()
	require.NoError(t, err)
	require.Equal(t, uint64(6), head.Number)

	canon, err := view.GetCanonical(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, cursor.KindCanonical, canon.Kind)
	require.Equal(t, uint64(2), canon.Canonical.Number)

	canon, err = view.GetCanonical(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, cursor.KindCanonical, canon.Kind)
	require.Equal(t, []byte{6}, canon.Canonical.Hash)
}

func TestGetNextCursorFromNil(t *testing.T) {
	view, chain, state, db := setupView(t)
	ctx := context.Background()

	recentBlocks := []blockinfo.BlockInfo{{Number: 0, Hash: []byte{1}, ParentHash: nil}}
	recent := &blockinfo.CanonicalChainSegment{
		Info:   blockinfo.SegmentInfo{FirstBlock: recentBlocks[0].Cursor(), LastBlock: recentBlocks[0].Cursor()},
		Blocks: recentBlocks,
	}
	etag, err := chain.PutRecent(ctx, recent, "")
	require.NoError(t, err)
	require.NoError(t, state.PutStartingBlock(ctx, cursor.New(0, nil)))
	require.NoError(t, state.PutFinalized(ctx, cursor.New(0, []byte{1})))
	require.NoError(t, state.PutIngested(ctx, coordkv.IngestedPointer{ETag: etag}))

	sync := NewSync(db, "", view, chain.GetRecentByETag)
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = sync.Run(syncCtx) }()
	require.Eventually(t, view.IsInitialized, 2*time.Second, 10*time.Millisecond)

	head, err := view.GetHead()
	require.NoError(t, err)
	next, err := view.GetNextCursor(ctx, nil, head)
	require.NoError(t, err)
	require.Equal(t, cursor.NextContinue, next.Kind)
	require.Equal(t, uint64(0), next.Cursor.Number)
	require.True(t, next.IsHead)
}
