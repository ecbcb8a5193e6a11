package hotcache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/objectstore"
)

type countingStore struct {
	objectstore.Store
	calls int64
}

func (s *countingStore) Get(ctx context.Context, path string, opts objectstore.GetOptions) (objectstore.GetResult, error) {
	atomic.AddInt64(&s.calls, 1)
	return s.Store.Get(ctx, path, opts)
}

func newTestCache(t *testing.T) (*Cache, *countingStore) {
	t.Helper()
	backend, err := objectstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	counting := &countingStore{Store: backend}

	cfg := Config{
		L2Dir:            filepath.Join(t.TempDir(), "l2"),
		L2AdmissionRate:  1000,
		L2AdmissionBurst: 1000,
	}
	cache, err := New(counting, cfg)
	require.NoError(t, err)
	return cache, counting
}

func TestCacheFetchPopulatesL1AfterBackendMiss(t *testing.T) {
	cache, backend := newTestCache(t)
	ctx := context.Background()

	_, err := backend.Store.Put(ctx, "blocks/1.bin", []byte("payload-1"), objectstore.PutOptions{Mode: objectstore.ModeOverwrite})
	require.NoError(t, err)

	data, err := cache.Fetch(ctx, "blocks/1.bin")
	require.NoError(t, err)
	require.Equal(t, "payload-1", string(data))
	require.EqualValues(t, 1, backend.calls)

	data, err = cache.Fetch(ctx, "blocks/1.bin")
	require.NoError(t, err)
	require.Equal(t, "payload-1", string(data))
	require.EqualValues(t, 1, backend.calls, "second fetch should be served from L1 without hitting the backend")
}

func TestCacheFetchCoalescesConcurrentMisses(t *testing.T) {
	cache, backend := newTestCache(t)
	ctx := context.Background()

	_, err := backend.Store.Put(ctx, "blocks/2.bin", []byte("payload-2"), objectstore.PutOptions{Mode: objectstore.ModeOverwrite})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			data, err := cache.Fetch(ctx, "blocks/2.bin")
			require.NoError(t, err)
			require.Equal(t, "payload-2", string(data))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, backend.calls, int64(2), "concurrent fetches of the same path should coalesce into at most a couple of backend calls")
}

func TestCacheStatsReflectActivity(t *testing.T) {
	cache, backend := newTestCache(t)
	ctx := context.Background()
	_, err := backend.Store.Put(ctx, "x", []byte("y"), objectstore.PutOptions{Mode: objectstore.ModeOverwrite})
	require.NoError(t, err)

	_, err = cache.Fetch(ctx, "x")
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, "x")
	require.NoError(t, err)

	stats := cache.Stats()
	require.GreaterOrEqual(t, stats.L1Hits, int64(1))
}
