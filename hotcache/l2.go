package hotcache

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/dna-network/dna/dnaerr"
)

// Handle is a bytes-like view over an L2 entry (spec.md §4.6 "cache hits
// may return a mapped file (opaque to this specification)"). When the
// entry is uncompressed, Bytes() is backed directly by an mmap'd view of
// the file — zero-copy; Close unmaps it. A compressed entry must be
// decompressed into a heap buffer first, so Bytes() is a plain copy there
// and Close is a no-op.
type Handle struct {
	data []byte
	mm   mmap.MMap
}

func (h *Handle) Bytes() []byte { return h.data }

func (h *Handle) Close() error {
	if h.mm != nil {
		return h.mm.Unmap()
	}
	return nil
}

// l2Cache is the on-disk tier of spec.md §4.6: bounded by total bytes and
// file count, admission rate-limited, optionally zstd-compressed.
type l2Cache struct {
	dir      string
	maxBytes int64
	maxFiles int
	compress bool
	limiter  *rate.Limiter

	mu         sync.Mutex
	order      []string // filenames, oldest-admitted first
	sizes      map[string]int64
	totalBytes int64

	hits, misses, admitted, rejected int64
}

func newL2Cache(cfg Config) (*l2Cache, error) {
	if err := os.MkdirAll(cfg.L2Dir, 0o755); err != nil {
		return nil, dnaerr.Configuration("hotcache: create l2 dir %s: %v", cfg.L2Dir, err)
	}
	c := &l2Cache{
		dir:      cfg.L2Dir,
		maxBytes: cfg.L2MaxBytes,
		maxFiles: cfg.L2MaxFiles,
		compress: cfg.Compress,
		limiter:  rate.NewLimiter(rate.Limit(cfg.L2AdmissionRate), cfg.L2AdmissionBurst),
		sizes:    make(map[string]int64),
	}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

// rebuildIndex repopulates the in-memory index from whatever is already on
// disk, ordering by modification time so a restart preserves approximate
// FIFO eviction order.
func (c *l2Cache) rebuildIndex() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return dnaerr.Transient(err, "hotcache: read l2 dir %s", c.dir)
	}
	type fileInfo struct {
		name    string
		size    int64
		modUnix int64
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), size: info.Size(), modUnix: info.ModTime().Unix()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modUnix < files[j].modUnix })
	for _, f := range files {
		c.order = append(c.order, f.name)
		c.sizes[f.name] = f.size
		c.totalBytes += f.size
	}
	return nil
}

func (c *l2Cache) filename(path string) string {
	return strconv.FormatUint(xxhash.Sum64String(path), 16)
}

func (c *l2Cache) abs(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *l2Cache) get(path string) (*Handle, bool, error) {
	name := c.filename(path)
	abs := c.abs(name)

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			c.misses++
			c.mu.Unlock()
			return nil, false, nil
		}
		return nil, false, dnaerr.Transient(err, "hotcache: open l2 entry %s", abs)
	}
	defer f.Close()

	if !c.compress {
		mm, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			return nil, false, dnaerr.Transient(err, "hotcache: mmap l2 entry %s", abs)
		}
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return &Handle{data: mm, mm: mm}, true, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, false, dnaerr.Transient(err, "hotcache: read l2 entry %s", abs)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, dnaerr.Invariant("hotcache: create zstd reader: %v", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, dnaerr.Invariant("hotcache: corrupt l2 entry %s: %v", abs, err)
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return &Handle{data: data}, true, nil
}

// put admits data under path, subject to the admission rate limiter
// (spec.md §4.6 "admission rate-limiting to avoid write amplification").
// Returns admitted=false rather than an error when the limiter rejects —
// skipping the cache write is always a safe, silent fallback.
func (c *l2Cache) put(path string, data []byte) (admitted bool, err error) {
	if !c.limiter.Allow() {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		return false, nil
	}

	body := data
	if c.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return false, dnaerr.Invariant("hotcache: create zstd writer: %v", err)
		}
		body = enc.EncodeAll(data, nil)
		enc.Close()
	}

	name := c.filename(path)
	abs := c.abs(name)
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return false, dnaerr.Transient(err, "hotcache: write l2 entry %s", abs)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return false, dnaerr.Transient(err, "hotcache: rename l2 entry %s", abs)
	}

	c.mu.Lock()
	if _, exists := c.sizes[name]; !exists {
		c.order = append(c.order, name)
	}
	c.totalBytes += int64(len(body)) - c.sizes[name]
	c.sizes[name] = int64(len(body))
	c.admitted++
	c.evictIfNeeded()
	c.mu.Unlock()
	return true, nil
}

// evictIfNeeded removes the oldest-admitted entries until both bounds are
// satisfied. Caller must hold c.mu.
func (c *l2Cache) evictIfNeeded() {
	for (c.totalBytes > c.maxBytes || len(c.order) > c.maxFiles) && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.totalBytes -= c.sizes[oldest]
		delete(c.sizes, oldest)
		_ = os.Remove(c.abs(oldest))
	}
}

func (c *l2Cache) stats() (hits, misses, admitted, rejected int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.admitted, c.rejected
}
