package coordkv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dna-network/dna/cursor"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coord.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	db := openTestStore(t)
	_, err := db.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, "a/1", []byte("hello")))
	v, err := db.Get(ctx, "a/1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)
}

func TestGetPrefixOrdersKeys(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, "seg/2", []byte("b")))
	require.NoError(t, db.Put(ctx, "seg/1", []byte("a")))
	require.NoError(t, db.Put(ctx, "other/1", []byte("c")))
	got, err := db.GetPrefix(ctx, "seg/")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "seg/1", got[0].Key)
	require.Equal(t, "seg/2", got[1].Key)
}

func TestWatchPrefixDeliversExistingThenNewEvents(t *testing.T) {
	db := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, db.Put(ctx, "w/1", []byte("one")))

	ch, err := db.WatchPrefix(ctx, "w/")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, "w/1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial event")
	}

	require.NoError(t, db.Put(ctx, "w/2", []byte("two")))
	select {
	case ev := <-ch:
		require.Equal(t, "w/2", ev.Key)
		require.Equal(t, EventPut, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for put event")
	}
}

func TestStateTypedAccessors(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()
	state := NewState(db)

	require.NoError(t, state.PutStartingBlock(ctx, cursor.New(100, []byte{0x01})))
	got, err := state.StartingBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), got.Number)

	require.NoError(t, state.PutIngested(ctx, IngestedPointer{Path: "canonical/recent", ETag: "etag-1"}))
	ptr, err := state.Ingested(ctx)
	require.NoError(t, err)
	require.Equal(t, "etag-1", ptr.ETag)
}
