package hotcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestL2(t *testing.T, compress bool, maxBytes int64, maxFiles int) *l2Cache {
	t.Helper()
	cfg := Config{
		L2Dir:            filepath.Join(t.TempDir(), "l2"),
		L2MaxBytes:       maxBytes,
		L2MaxFiles:       maxFiles,
		L2AdmissionRate:  1000,
		L2AdmissionBurst: 1000,
		Compress:         compress,
	}.WithDefaults()
	c, err := newL2Cache(cfg)
	require.NoError(t, err)
	return c
}

func TestL2CachePutGetRoundTripUncompressed(t *testing.T) {
	c := newTestL2(t, false, 1<<20, 100)
	admitted, err := c.put("segments/0-10.bin", []byte("hello world"))
	require.NoError(t, err)
	require.True(t, admitted)

	h, ok, err := c.get("segments/0-10.bin")
	require.NoError(t, err)
	require.True(t, ok)
	defer h.Close()
	require.Equal(t, "hello world", string(h.Bytes()))
}

func TestL2CachePutGetRoundTripCompressed(t *testing.T) {
	c := newTestL2(t, true, 1<<20, 100)
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly: " +
		"the quick brown fox jumps over the lazy dog")
	_, err := c.put("segments/compressed.bin", payload)
	require.NoError(t, err)

	h, ok, err := c.get("segments/compressed.bin")
	require.NoError(t, err)
	require.True(t, ok)
	defer h.Close()
	require.Equal(t, payload, h.Bytes())
}

func TestL2CacheMissReturnsFalse(t *testing.T) {
	c := newTestL2(t, false, 1<<20, 100)
	_, ok, err := c.get("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestL2CacheEvictsByFileCount(t *testing.T) {
	c := newTestL2(t, false, 1<<20, 2)
	_, err := c.put("a", []byte("aaaa"))
	require.NoError(t, err)
	_, err = c.put("b", []byte("bbbb"))
	require.NoError(t, err)
	_, err = c.put("c", []byte("cccc"))
	require.NoError(t, err)

	_, ok, err := c.get("a")
	require.NoError(t, err)
	require.False(t, ok, "oldest entry should have been evicted by file-count bound")

	_, ok, err = c.get("c")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestL2CacheAdmissionRateLimiting(t *testing.T) {
	cfg := Config{
		L2Dir:            filepath.Join(t.TempDir(), "l2"),
		L2MaxBytes:       1 << 20,
		L2MaxFiles:       100,
		L2AdmissionRate:  0.0001,
		L2AdmissionBurst: 1,
	}.WithDefaults()
	c, err := newL2Cache(cfg)
	require.NoError(t, err)

	admitted, err := c.put("first", []byte("x"))
	require.NoError(t, err)
	require.True(t, admitted, "first put should consume the initial burst token")

	admitted, err = c.put("second", []byte("y"))
	require.NoError(t, err)
	require.False(t, admitted, "second put should be rejected by the rate limiter")
}
