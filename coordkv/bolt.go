package coordkv

import (
	"context"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/dna-network/dna/dnaerr"
)

var bucketName = []byte("coordkv")

// BoltStore is the reference Store implementation: a single bbolt file
// provides the strongly-consistent single-writer guarantee spec.md §4.4
// requires (bbolt serializes writers via its own internal lock and gives
// readers a consistent snapshot via MVCC), and an in-process broadcaster
// fans out Put/Delete notifications to WatchPrefix subscribers. This is
// adequate for a single-process deployment or for tests; a multi-process
// deployment needs a real distributed KV (etcd, Consul, ...) behind the same
// Store interface, which spec.md §1 treats as an external collaborator.
type BoltStore struct {
	db *bbolt.DB

	mu          sync.Mutex
	subscribers map[string][]chan Event
}

// Open creates or opens a bbolt database at path and ensures the coordkv
// bucket exists.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, dnaerr.Transient(err, "coordkv: open %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, dnaerr.Invariant("coordkv: create bucket: %v", err)
	}
	return &BoltStore{db: db, subscribers: make(map[string][]chan Event)}, nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	for _, chans := range s.subscribers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.subscribers = make(map[string][]chan Event)
	s.mu.Unlock()
	return s.db.Close()
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return dnaerr.NotFound("coordkv: key %q not found", key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return dnaerr.Invariant("coordkv: put %q: %v", key, err)
	}
	s.publish(Event{Type: EventPut, Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return dnaerr.Invariant("coordkv: delete %q: %v", key, err)
	}
	s.publish(Event{Type: EventDelete, Key: key})
	return nil
}

func (s *BoltStore) GetPrefix(ctx context.Context, prefix string) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out = append(out, KV{Key: string(k), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	if err != nil {
		return nil, dnaerr.Invariant("coordkv: get_prefix %q: %v", prefix, err)
	}
	return out, nil
}

// WatchPrefix registers a subscriber for prefix and immediately delivers a
// synthetic Put event for every key currently present under prefix, so a
// caller that subscribes then reads never misses a concurrent write that
// landed between the two.
func (s *BoltStore) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subscribers[prefix] = append(s.subscribers[prefix], ch)
	s.mu.Unlock()

	existing, err := s.GetPrefix(ctx, prefix)
	if err != nil {
		s.unsubscribe(prefix, ch)
		return nil, err
	}

	go func() {
		for _, kv := range existing {
			select {
			case ch <- Event{Type: EventPut, Key: kv.Key, Value: kv.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.unsubscribe(prefix, ch)
	}()

	return ch, nil
}

func (s *BoltStore) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for prefix, chans := range s.subscribers {
		if !strings.HasPrefix(ev.Key, prefix) {
			continue
		}
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
				// Slow subscriber: drop rather than block the single writer
				// (spec.md §5, writer throughput must never depend on reader
				// pace). A dropped event is not redelivered; the subscriber
				// sees that key again only on its next write or via GetPrefix.
			}
		}
	}
}

func (s *BoltStore) unsubscribe(prefix string, target chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.subscribers[prefix]
	for i, ch := range chans {
		if ch == target {
			s.subscribers[prefix] = append(chans[:i], chans[i+1:]...)
			close(ch)
			break
		}
	}
}
