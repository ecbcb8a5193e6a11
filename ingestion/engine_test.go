package ingestion

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/blockstore"
	"github.com/dna-network/dna/chainprovider"
	"github.com/dna-network/dna/chainstore"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/indexgroup"
	"github.com/dna-network/dna/objectstore"
)

// linearProvider is a fixed-length chain with no forks, used to exercise
// the straight-line ingestion path.
type linearProvider struct {
	blocks []blockinfo.BlockInfo
}

func newLinearProvider(n int) *linearProvider {
	p := &linearProvider{}
	var parent []byte
	for i := 0; i < n; i++ {
		hash := []byte{byte(i + 1)}
		p.blocks = append(p.blocks, blockinfo.BlockInfo{Number: uint64(i), Hash: hash, ParentHash: parent})
		parent = hash
	}
	return p
}

func (p *linearProvider) HeadCursor(ctx context.Context) (cursor.Cursor, error) {
	last := p.blocks[len(p.blocks)-1]
	return last.Cursor(), nil
}

func (p *linearProvider) FinalizedCursor(ctx context.Context) (cursor.Cursor, error) {
	return p.HeadCursor(ctx)
}

func (p *linearProvider) IngestByNumber(ctx context.Context, number uint64) (chainprovider.IngestedBlock, error) {
	if number >= uint64(len(p.blocks)) {
		return chainprovider.IngestedBlock{}, fmt.Errorf("out of range")
	}
	info := p.blocks[number]
	idx := indexgroup.NewGroup()
	idx.Add(indexgroup.TagTransactionByCreate, nil, 0)
	return chainprovider.IngestedBlock{Info: info, Payload: []byte("payload"), Index: idx}, nil
}

func (p *linearProvider) IngestByHash(ctx context.Context, number uint64, hash []byte) (chainprovider.IngestedBlock, error) {
	return p.IngestByNumber(ctx, number)
}

func newTestHarness(t *testing.T) (*chainstore.Store, *blockstore.Store, *coordkv.State) {
	t.Helper()
	objs, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	chain := chainstore.New(objs, nil)
	blocks := blockstore.New(objs)
	db, err := coordkv.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return chain, blocks, coordkv.NewState(db)
}

func TestEngineIngestsLinearChainAndSeals(t *testing.T) {
	chain, blocks, state := newTestHarness(t)
	provider := newLinearProvider(10)

	cfg := Config{
		StartingBlock:            cursor.New(0, nil),
		ChainSegmentSize:         3,
		ChainSegmentUploadOffset: 1,
		MaxConcurrentTasks:       2,
		Mode:                     ModeFinalized,
	}
	eng := New(provider, chain, blocks, state, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run the engine in the background and stop it once a segment has been
	// sealed; with the fake chain finalized at block 9, Run keeps polling
	// for block 10 and never returns on its own.
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := state.Segmented(context.Background())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err) // canceled once a segment was sealed

	segmented, err := state.Segmented(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, segmented.Number, uint64(2))

	seg, err := chain.GetSealed(context.Background(), objectstore.CanonicalSegmentPath(0))
	require.NoError(t, err)
	require.Len(t, seg.Blocks, 3)

	blk, err := blocks.Get(context.Background(), 0, []byte{1})
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), blk.Payload)
}
