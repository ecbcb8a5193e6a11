// Package scenario wires a full ingest-to-stream deployment in-process,
// backed by devprovider, so the testable properties of spec.md §8 can be
// exercised end to end without a real chain-specific provider or a network
// transport.
package scenario

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/blockstore"
	"github.com/dna-network/dna/chainprovider"
	"github.com/dna-network/dna/chainstore"
	"github.com/dna-network/dna/chainview"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/indexgroup"
	"github.com/dna-network/dna/ingestion"
	"github.com/dna-network/dna/internal/devprovider"
	"github.com/dna-network/dna/objectstore"
	"github.com/dna-network/dna/streamserver"
)

// Harness bundles one deployment's stores, ingestion engine, chain view, and
// stream server, all backed by the same in-memory devprovider so a test can
// mutate the provider and observe the effect through a live stream.
type Harness struct {
	T        *testing.T
	Dir      string
	Provider *devprovider.Provider
	Objects  objectstore.Store
	Chain    *chainstore.Store
	Blocks   *blockstore.Store
	Coord    *coordkv.BoltStore
	State    *coordkv.State
	Engine   *ingestion.Engine
	View     *chainview.View
	Sync     *chainview.Sync
	Server   *streamserver.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Harness rooted at a fresh temp directory, with an empty
// mutable provider and a server configured for fast-turnaround tests (short
// acquire timeouts, a heartbeat floor of 1ms so tests can exercise the
// heartbeat path without waiting spec.md's real-world [10s,60s] bounds).
func New(t *testing.T, cfg ingestion.Config, segmentCacheSize int, streamCfg streamserver.Config) *Harness {
	t.Helper()
	dir := t.TempDir()

	objs, err := objectstore.NewLocalStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	chain := chainstore.New(objs, nil)
	blocks := blockstore.New(objs)

	db, err := coordkv.Open(filepath.Join(dir, "coord.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	state := coordkv.NewState(db)

	provider := devprovider.NewMutable()
	engine := ingestion.New(provider, chain, blocks, state, cfg)

	view, err := chainview.NewView(chain, uint64(cfg.ChainSegmentSize), segmentCacheSize)
	require.NoError(t, err)
	sync := chainview.NewSync(db, "", view, chain.GetRecentByETag)

	if streamCfg.MaxConcurrentStreams == 0 {
		streamCfg.MaxConcurrentStreams = 8
	}
	if streamCfg.AcquireTimeout == 0 {
		streamCfg.AcquireTimeout = time.Second
	}
	if streamCfg.DefaultHeartbeatInterval == 0 {
		streamCfg.DefaultHeartbeatInterval = 10 * time.Second
	}
	if streamCfg.MinHeartbeatInterval == 0 {
		streamCfg.MinHeartbeatInterval = time.Millisecond
	}
	if streamCfg.MaxHeartbeatInterval == 0 {
		streamCfg.MaxHeartbeatInterval = 60 * time.Second
	}
	srv, err := streamserver.New(view, blocks, passthroughMaterializer{}, streamCfg)
	require.NoError(t, err)

	return &Harness{
		T:        t,
		Dir:      dir,
		Provider: provider,
		Objects:  objs,
		Chain:    chain,
		Blocks:   blocks,
		Coord:    db,
		State:    state,
		Engine:   engine,
		View:     view,
		Sync:     sync,
		Server:   srv,
	}
}

// Start runs the ingestion engine and chain-view sync loop in the
// background until ctx is canceled or Stop is called.
func (h *Harness) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		_ = h.Engine.Run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		_ = h.Sync.Run(ctx)
	}()
}

func (h *Harness) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// AwaitInitialized blocks until the chain view finishes its bootstrap
// sequence or the timeout elapses.
func (h *Harness) AwaitInitialized(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.View.IsInitialized() {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("scenario: chain view did not initialize within %s", timeout)
}

// AwaitHead blocks until the chain view's head reaches at least number.
func (h *Harness) AwaitHead(number uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if head, err := h.View.GetHead(); err == nil && head.Number >= number {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("scenario: chain view did not reach head %d within %s", number, timeout)
}

// AwaitFinalized blocks until the chain view's finalized cursor reaches at
// least number.
func (h *Harness) AwaitFinalized(number uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if finalized, err := h.View.GetFinalizedCursor(); err == nil && finalized.Number >= number {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return fmt.Errorf("scenario: chain view did not reach finalized %d within %s", number, timeout)
}

// PutLinearBlocks populates the provider with a contiguous run of blocks
// [from, to], each chained to the previous by hash, and marks every one of
// them canonical. index, if non-nil, supplies that block's IndexGroup.
func (h *Harness) PutLinearBlocks(from, to uint64, index func(number uint64) *indexgroup.Group) {
	for n := from; n <= to; n++ {
		var parent []byte
		if n > 0 {
			parent = hashOf(n - 1)
		}
		idx := indexgroup.NewGroup()
		if index != nil {
			if g := index(n); g != nil {
				idx = g
			}
		}
		ib := chainprovider.IngestedBlock{
			Info:    blockinfo.BlockInfo{Number: n, Hash: hashOf(n), ParentHash: parent},
			Payload: []byte(fmt.Sprintf("block-%d", n)),
			Index:   idx,
		}
		h.Provider.PutBlock(ib)
		h.Provider.SetCanonical(n, hashOf(n))
	}
}

// Reorg replaces the canonical fork from atNumber through toNumber with
// freshly derived blocks salted so they differ from the superseded fork,
// keeping everything below atNumber untouched. The superseded blocks remain
// resolvable by their old hash via IngestByHash, which is what the
// ingestion engine's reorg walk depends on to find the common ancestor.
func (h *Harness) Reorg(atNumber, toNumber uint64, salt string) {
	parent := []byte(nil)
	if atNumber > 0 {
		parent = hashOf(atNumber - 1)
	}
	for n := atNumber; n <= toNumber; n++ {
		fh := forkHash(n, salt)
		ib := chainprovider.IngestedBlock{
			Info:    blockinfo.BlockInfo{Number: n, Hash: fh, ParentHash: parent},
			Payload: []byte(fmt.Sprintf("block-%d-%s", n, salt)),
			Index:   indexgroup.NewGroup(),
		}
		h.Provider.PutBlock(ib)
		h.Provider.SetCanonical(n, fh)
		parent = fh
	}
}

func hashOf(number uint64) []byte {
	return []byte(fmt.Sprintf("h%08d", number))
}

func forkHash(number uint64, salt string) []byte {
	return []byte(fmt.Sprintf("h%08d-%s", number, salt))
}

// collectSend returns a Send callback that appends every Response to a
// thread-safe slice retrievable via the returned accessor.
func collectSend() (streamserver.Send, func() []streamserver.Response) {
	var mu sync.Mutex
	var out []streamserver.Response
	send := func(r streamserver.Response) error {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, r)
		return nil
	}
	get := func() []streamserver.Response {
		mu.Lock()
		defer mu.Unlock()
		return append([]streamserver.Response(nil), out...)
	}
	return send, get
}

type passthroughMaterializer struct{}

func (passthroughMaterializer) Header(payload []byte) []byte                 { return payload }
func (passthroughMaterializer) Transaction(payload []byte, pos uint32) []byte { return payload }
func (passthroughMaterializer) Event(payload []byte, pos uint32) []byte       { return payload }

// cursorAt is a small convenience for building cursor.Cursor values in
// table-driven test data.
func cursorAt(number uint64, hash []byte) cursor.Cursor {
	return cursor.New(number, hash)
}

// ptrCursor returns a pointer to a copy of c, for building
// streamserver.Request.StartingCursor without an addressable local.
func ptrCursor(c cursor.Cursor) *cursor.Cursor {
	return &c
}
