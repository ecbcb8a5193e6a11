package scenario

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/dna-network/dna/chainprovider"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/filter"
	"github.com/dna-network/dna/indexgroup"
	"github.com/dna-network/dna/ingestion"
	"github.com/dna-network/dna/streamserver"
)

// S1: a linear chain 0..150 trailing head by finalization at 120 seals
// everything up to the upload-offset boundary and keeps the rest as the
// recent segment.
func TestGenesisLinearChainSealsAtUploadOffset(t *testing.T) {
	h := New(t, ingestion.Config{
		ChainSegmentSize:         100,
		ChainSegmentUploadOffset: 10,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeFinalized,
	}, 16, streamserver.Config{})

	h.PutLinearBlocks(0, 150, nil)
	h.Provider.SetHead(cursorAt(150, hashOf(150)))
	h.Provider.SetFinalized(cursorAt(120, hashOf(120)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	require.NoError(t, h.AwaitInitialized(5*time.Second))
	require.NoError(t, h.AwaitHead(120, 5*time.Second))

	segmented, ok, err := h.View.GetSegmentedCursor()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(99), segmented.Number)

	head, err := h.View.GetHead()
	require.NoError(t, err)
	assert.Equal(t, uint64(120), head.Number)

	first, err := h.View.GetCanonical(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, cursor.KindCanonical, first.Kind)
	assert.Equal(t, hashOf(0), first.Canonical.Hash)

	mid, err := h.View.GetCanonical(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, cursor.KindCanonical, mid.Kind)
	assert.Equal(t, hashOf(100), mid.Canonical.Hash)
}

// countingProvider wraps a *devprovider.Provider, recording how many times
// each block number was fetched via IngestByNumber, so a cold resume can be
// checked against having never re-fetched an already-ingested block.
type countingProvider struct {
	inner chainprovider.Provider

	mu    sync.Mutex
	calls map[uint64]int
}

func newCountingProvider(inner chainprovider.Provider) *countingProvider {
	return &countingProvider{inner: inner, calls: make(map[uint64]int)}
}

func (c *countingProvider) HeadCursor(ctx context.Context) (cursor.Cursor, error) {
	return c.inner.HeadCursor(ctx)
}

func (c *countingProvider) FinalizedCursor(ctx context.Context) (cursor.Cursor, error) {
	return c.inner.FinalizedCursor(ctx)
}

func (c *countingProvider) IngestByNumber(ctx context.Context, number uint64) (chainprovider.IngestedBlock, error) {
	c.mu.Lock()
	c.calls[number]++
	c.mu.Unlock()
	return c.inner.IngestByNumber(ctx, number)
}

func (c *countingProvider) IngestByHash(ctx context.Context, number uint64, hash []byte) (chainprovider.IngestedBlock, error) {
	return c.inner.IngestByHash(ctx, number, hash)
}

func (c *countingProvider) countAt(number uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[number]
}

// S2: restarting the ingestion engine against state a prior run already
// published must not re-fetch any block already folded into a sealed or
// recent segment, while still making forward progress on newly finalized
// blocks.
func TestColdResumeDoesNotRefetchIngestedBlocks(t *testing.T) {
	cfg := ingestion.Config{
		ChainSegmentSize:         100,
		ChainSegmentUploadOffset: 10,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeFinalized,
	}
	h := New(t, cfg, 16, streamserver.Config{})

	h.PutLinearBlocks(0, 150, nil)
	h.Provider.SetHead(cursorAt(150, hashOf(150)))
	h.Provider.SetFinalized(cursorAt(120, hashOf(120)))

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	require.NoError(t, h.AwaitHead(120, 5*time.Second))
	cancel()
	h.Stop()

	counting := newCountingProvider(h.Provider)
	engine2 := ingestion.New(counting, h.Chain, h.Blocks, h.State, cfg)
	h.Provider.SetFinalized(cursorAt(130, hashOf(130)))

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = engine2.Run(ctx2) }()
	go func() { _ = h.Sync.Run(ctx2) }()

	require.NoError(t, h.AwaitHead(130, 5*time.Second))

	for n := uint64(0); n <= 120; n++ {
		assert.Zero(t, counting.countAt(n), "block %d should not be re-fetched on cold resume", n)
	}
	for n := uint64(121); n <= 130; n++ {
		assert.GreaterOrEqual(t, counting.countAt(n), 1, "block %d should have been fetched after resume", n)
	}
}

// S3: a live reorg discovered mid-stream must invalidate back to the common
// ancestor before resuming on the new fork.
func TestReorgDuringStreamingInvalidatesToCommonAncestor(t *testing.T) {
	h := New(t, ingestion.Config{
		ChainSegmentSize:         1000,
		ChainSegmentUploadOffset: 0,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeAccepted,
	}, 16, streamserver.Config{})

	h.PutLinearBlocks(0, 104, nil)
	h.Provider.SetHead(cursorAt(104, hashOf(104)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	require.NoError(t, h.AwaitInitialized(5*time.Second))
	require.NoError(t, h.AwaitHead(104, 5*time.Second))

	send, collected := collectSend()
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go func() {
		_ = h.Server.StreamData(streamCtx, streamserver.Request{
			StartingCursor:    ptrCursor(cursorAt(104, hashOf(104))),
			Finality:          streamserver.FinalityAccepted,
			HeartbeatInterval: 50 * time.Millisecond,
		}, send)
	}()

	// Give the stream time to observe AtHead before the reorg lands.
	time.Sleep(50 * time.Millisecond)

	h.Reorg(104, 105, "fork-b")
	h.Provider.SetHead(cursorAt(105, hashOf105Fork()))

	require.Eventually(t, func() bool {
		for _, r := range collected() {
			if r.Kind == streamserver.RespInvalidate {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, r := range collected() {
			if r.Kind == streamserver.RespData && r.Data != nil && r.Data.EndCursor.Number == 104 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	var invalidate, resumed *streamserver.Response
	snapshot := collected()
	for i := range snapshot {
		r := snapshot[i]
		if r.Kind == streamserver.RespInvalidate && invalidate == nil {
			invalidate = &snapshot[i]
		}
		if r.Kind == streamserver.RespData && r.Data != nil && r.Data.EndCursor.Number == 104 && resumed == nil {
			resumed = &snapshot[i]
		}
	}
	require.NotNil(t, invalidate)
	require.NotNil(t, resumed)
	assert.Equal(t, uint64(103), invalidate.InvalidateTarget.Number)
	assert.Equal(t, hashOf(103), invalidate.InvalidateTarget.Hash)
	assert.Equal(t, uint64(103), resumed.Data.Cursor.Number)
	assert.Equal(t, forkHash(104, "fork-b"), resumed.Data.EndCursor.Hash)
}

func hashOf105Fork() []byte { return forkHash(105, "fork-b") }

// A Finalized stream must not advance past the provider's actual finalized
// cursor even though ModeAccepted ingestion has already ingested well past
// it; once the provider's finalized cursor catches up, the stream resumes.
func TestFinalizedStreamCapsAtFinalizedCursor(t *testing.T) {
	h := New(t, ingestion.Config{
		ChainSegmentSize:         1000,
		ChainSegmentUploadOffset: 0,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeAccepted,
	}, 16, streamserver.Config{})

	h.PutLinearBlocks(0, 5, nil)
	h.Provider.SetHead(cursorAt(5, hashOf(5)))
	h.Provider.SetFinalized(cursorAt(2, hashOf(2)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	require.NoError(t, h.AwaitInitialized(5*time.Second))
	require.NoError(t, h.AwaitHead(5, 5*time.Second))
	require.NoError(t, h.AwaitFinalized(2, 5*time.Second))

	send, collected := collectSend()
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go func() {
		_ = h.Server.StreamData(streamCtx, streamserver.Request{
			Finality:          streamserver.FinalityFinalized,
			HeartbeatInterval: 20 * time.Millisecond,
		}, send)
	}()

	require.Eventually(t, func() bool {
		for _, r := range collected() {
			if r.Kind == streamserver.RespData && r.Data != nil && r.Data.EndCursor.Number == 2 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// Give the stream several heartbeat cycles to (incorrectly) run ahead of
	// the finalized cursor before asserting it never did.
	time.Sleep(100 * time.Millisecond)
	for _, r := range collected() {
		if r.Kind == streamserver.RespData {
			assert.LessOrEqual(t, r.Data.EndCursor.Number, uint64(2), "finalized stream must not advance past the finalized cursor")
		}
	}

	h.PutLinearBlocks(6, 6, nil)
	h.Provider.SetHead(cursorAt(6, hashOf(6)))
	h.Provider.SetFinalized(cursorAt(5, hashOf(5)))
	require.NoError(t, h.AwaitFinalized(5, 5*time.Second))

	require.Eventually(t, func() bool {
		for _, r := range collected() {
			if r.Kind == streamserver.RespData && r.Data != nil && r.Data.EndCursor.Number == 5 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

// S4: a header-always filter and an event-selector filter over a short
// range, where only one block carries the matching event.
func TestFilterWithHeaderAlwaysAndEventSelector(t *testing.T) {
	h := New(t, ingestion.Config{
		StartingBlock:            cursor.New(200, nil),
		ChainSegmentSize:         1000,
		ChainSegmentUploadOffset: 0,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeAccepted,
	}, 16, streamserver.Config{})

	matchedAddr := []byte{0xAA, 0xAA, 0xAA}
	h.PutLinearBlocks(200, 202, func(n uint64) *indexgroup.Group {
		g := indexgroup.NewGroup()
		if n == 201 {
			g.Add(indexgroup.TagEventByAddress, matchedAddr, 0)
		}
		return g
	})
	h.Provider.SetHead(cursorAt(202, hashOf(202)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()
	require.NoError(t, h.AwaitInitialized(5*time.Second))
	require.NoError(t, h.AwaitHead(202, 5*time.Second))

	send, collected := collectSend()
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go func() {
		_ = h.Server.StreamData(streamCtx, streamserver.Request{
			StartingCursor: ptrCursor(cursorAt(200, hashOf(200))),
			Finality:       streamserver.FinalityAccepted,
			Filters: []filter.Filter{
				{ID: 0, HeaderAlways: true},
				{ID: 1, Events: []filter.EventSelector{{Address: matchedAddr}}},
			},
		}, send)
	}()

	require.Eventually(t, func() bool {
		count := 0
		for _, r := range collected() {
			if r.Kind == streamserver.RespData {
				count++
			}
		}
		return count >= 2
	}, 5*time.Second, 10*time.Millisecond)

	var block201, block202 *streamserver.DataPayload
	for _, r := range collected() {
		if r.Kind != streamserver.RespData {
			continue
		}
		switch r.Data.EndCursor.Number {
		case 201:
			block201 = r.Data
		case 202:
			block202 = r.Data
		}
	}
	require.NotNil(t, block201)
	require.NotNil(t, block202)

	f0at201 := findFilterData(block201.PerFilter, 0)
	f1at201 := findFilterData(block201.PerFilter, 1)
	require.NotNil(t, f0at201)
	require.NotNil(t, f1at201)
	assert.NotEmpty(t, f0at201.Header)
	assert.Len(t, f1at201.Events, 1)

	f0at202 := findFilterData(block202.PerFilter, 0)
	f1at202 := findFilterData(block202.PerFilter, 1)
	require.NotNil(t, f0at202)
	require.NotNil(t, f1at202)
	assert.NotEmpty(t, f0at202.Header)
	assert.Empty(t, f1at202.Events)
}

func findFilterData(data []streamserver.FilterData, id int) *streamserver.FilterData {
	for i := range data {
		if data[i].FilterID == id {
			return &data[i]
		}
	}
	return nil
}

// S5: with no new blocks arriving, a stream parked at head emits heartbeats
// on the configured interval until new data appears. Intervals here are
// scaled down from the real-world 15s/30s/40s bounds to keep the test fast;
// only the heartbeat-before-data ordering is asserted, not exact timing.
func TestHeartbeatWhileParkedAtHead(t *testing.T) {
	h := New(t, ingestion.Config{
		ChainSegmentSize:         1000,
		ChainSegmentUploadOffset: 0,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeAccepted,
	}, 16, streamserver.Config{})

	h.PutLinearBlocks(0, 0, nil)
	h.Provider.SetHead(cursorAt(0, hashOf(0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()
	require.NoError(t, h.AwaitInitialized(5*time.Second))
	require.NoError(t, h.AwaitHead(0, 5*time.Second))

	send, collected := collectSend()
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go func() {
		_ = h.Server.StreamData(streamCtx, streamserver.Request{
			StartingCursor:    ptrCursor(cursorAt(0, hashOf(0))),
			Finality:          streamserver.FinalityAccepted,
			HeartbeatInterval: 30 * time.Millisecond,
		}, send)
	}()

	require.Eventually(t, func() bool {
		count := 0
		for _, r := range collected() {
			if r.Kind == streamserver.RespHeartbeat {
				count++
			}
		}
		return count >= 2
	}, 5*time.Second, 10*time.Millisecond)

	for _, r := range collected() {
		assert.NotEqual(t, streamserver.RespData, r.Kind, "no data should be emitted before a new block lands")
	}

	h.PutLinearBlocks(1, 1, nil)
	h.Provider.SetHead(cursorAt(1, hashOf(1)))

	require.Eventually(t, func() bool {
		for _, r := range collected() {
			if r.Kind == streamserver.RespData {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

// S6: stream_data enforces max_concurrent_streams, rejecting an
// over-the-cap caller with ResourceExhausted well within its acquire
// timeout rather than blocking indefinitely.
func TestStreamCapRejectsOverTheLimitConnection(t *testing.T) {
	h := New(t, ingestion.Config{
		ChainSegmentSize:         1000,
		ChainSegmentUploadOffset: 0,
		MaxConcurrentTasks:       8,
		Mode:                     ingestion.ModeAccepted,
	}, 16, streamserver.Config{
		MaxConcurrentStreams: 2,
		AcquireTimeout:       300 * time.Millisecond,
		MinHeartbeatInterval: time.Millisecond,
	})

	h.PutLinearBlocks(0, 0, nil)
	h.Provider.SetHead(cursorAt(0, hashOf(0)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()
	require.NoError(t, h.AwaitInitialized(5*time.Second))

	holdCtx, holdCancel := context.WithCancel(ctx)
	defer holdCancel()
	for i := 0; i < 2; i++ {
		send, _ := collectSend()
		go func() {
			_ = h.Server.StreamData(holdCtx, streamserver.Request{
				StartingCursor:    ptrCursor(cursorAt(0, hashOf(0))),
				Finality:          streamserver.FinalityAccepted,
				HeartbeatInterval: 5 * time.Second,
			}, send)
		}()
	}
	time.Sleep(50 * time.Millisecond)

	send3, _ := collectSend()
	start := time.Now()
	err := h.Server.StreamData(ctx, streamserver.Request{
		StartingCursor:    ptrCursor(cursorAt(0, hashOf(0))),
		Finality:          streamserver.FinalityAccepted,
		HeartbeatInterval: 5 * time.Second,
	}, send3)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, dnaerr.KindClient, dnaerr.KindOf(err))
	var derr *dnaerr.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, codes.ResourceExhausted, derr.Code)
}
