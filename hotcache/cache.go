package hotcache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/objectstore"
)

// Cache fronts an objectstore.Store with the two-tier L1/L2 hierarchy of
// spec.md §4.6 and coalesces concurrent fetches of the same path via
// singleflight, so a burst of clients reading the same sealed segment
// triggers exactly one backend download.
type Cache struct {
	backend objectstore.Store
	l1      *l1Cache
	l2      *l2Cache
	group   singleflight.Group
	cfg     Config
}

// New builds a Cache in front of backend. cfg is defaulted via WithDefaults
// and validated before use.
func New(backend objectstore.Store, cfg Config) (*Cache, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l2, err := newL2Cache(cfg)
	if err != nil {
		return nil, err
	}
	return &Cache{
		backend: backend,
		l1:      newL1Cache(cfg.L1MaxBytes),
		l2:      l2,
		cfg:     cfg,
	}, nil
}

// Fetch returns the bytes at path, consulting L1 then L2 before falling
// through to the backend object store. A successful backend fetch is
// admitted into both tiers (subject to each tier's own size limits and,
// for L2, admission rate-limiting).
func (c *Cache) Fetch(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.l1.get(path); ok {
		return data, nil
	}

	if h, ok, err := c.l2.get(path); err != nil {
		return nil, err
	} else if ok {
		data := append([]byte(nil), h.Bytes()...)
		_ = h.Close()
		if int64(len(data)) <= c.cfg.L1MaxObjectBytes {
			c.l1.put(path, data)
		}
		return data, nil
	}

	ch := c.group.DoChan(path, func() (any, error) {
		res, err := c.backend.Get(ctx, path, objectstore.GetOptions{})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-time.After(c.cfg.SingleflightTimeout):
		return nil, dnaerr.Transient(nil, "hotcache: timed out waiting for %s", path)
	}
	if res.Err != nil {
		return nil, res.Err
	}
	data := res.Val.([]byte)

	if int64(len(data)) <= c.cfg.L1MaxObjectBytes {
		c.l1.put(path, data)
	}
	if _, err := c.l2.put(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Stats reports per-tier hit/miss counters for observing cache
// effectiveness.
type Stats struct {
	L1Hits, L1Misses                       int64
	L2Hits, L2Misses, L2Admitted, L2Rejected int64
}

func (c *Cache) Stats() Stats {
	h1, m1 := c.l1.stats()
	h2, m2, adm, rej := c.l2.stats()
	return Stats{
		L1Hits: h1, L1Misses: m1,
		L2Hits: h2, L2Misses: m2, L2Admitted: adm, L2Rejected: rej,
	}
}

// Store adapts a Cache to the objectstore.Store interface: reads go through
// the cache's Fetch path, writes and deletes pass straight to the underlying
// backend. Get ignores GetOptions and returns no ETag, and a cached body is
// never refreshed after a Put, so it serves immutable objects (sealed
// segments, block payloads) only; ETag-checked reads of the recent segment
// (chainstore.GetRecentByETag) fail through it.
type Store struct {
	*Cache
}

// NewStore wraps backend in a Cache and returns the objectstore.Store
// adapter over it.
func NewStore(backend objectstore.Store, cfg Config) (Store, error) {
	c, err := New(backend, cfg)
	if err != nil {
		return Store{}, err
	}
	return Store{Cache: c}, nil
}

func (s Store) Get(ctx context.Context, path string, _ objectstore.GetOptions) (objectstore.GetResult, error) {
	data, err := s.Fetch(ctx, path)
	if err != nil {
		return objectstore.GetResult{}, err
	}
	return objectstore.GetResult{Body: data}, nil
}

func (s Store) Put(ctx context.Context, path string, body []byte, opts objectstore.PutOptions) (objectstore.PutResult, error) {
	return s.backend.Put(ctx, path, body, opts)
}

func (s Store) Delete(ctx context.Context, path string) error {
	return s.backend.Delete(ctx, path)
}

func (s Store) List(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.List(ctx, prefix)
}
