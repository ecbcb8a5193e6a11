package chainview

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/coordkv"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
)

// bootstrapPollInterval is how often Sync retries while waiting for the
// coordination KV's well-known keys to appear (spec.md §4.4 step 1).
const bootstrapPollInterval = 500 * time.Millisecond

// RecentLoader loads the recent segment given the ETag recorded under
// coordkv.KeyIngested. chainstore.Store.GetRecentByETag satisfies this
// signature; it is passed in rather than imported directly so chainview
// does not need to depend on chainstore's Codec machinery.
type RecentLoader func(ctx context.Context, etag string) (*blockinfo.CanonicalChainSegment, error)

// Sync drives a View through the bootstrap sequence and then keeps it
// current via the coordination KV's watch_prefix stream (spec.md §4.4).
type Sync struct {
	store  coordkv.Store
	root   string
	view   *View
	loader RecentLoader
	logger zerolog.Logger
}

// NewSync builds a Sync.
func NewSync(store coordkv.Store, root string, view *View, loadRecent RecentLoader) *Sync {
	return &Sync{store: store, root: root, view: view, loader: loadRecent, logger: log.Logger}
}

// WithLogger overrides the default logger.
func (s *Sync) WithLogger(l zerolog.Logger) *Sync {
	s.logger = l
	return s
}

func (s *Sync) key(suffix string) string { return s.root + suffix }

// Run executes the bootstrap sequence of spec.md §4.4 and then processes
// watch_prefix events until ctx is canceled.
func (s *Sync) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}

	events, err := s.store.WatchPrefix(ctx, s.root)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return dnaerr.Transient(nil, "chainview: watch_prefix channel closed")
			}
			if ev.Type != coordkv.EventPut {
				continue
			}
			if err := s.applyEvent(ctx, ev); err != nil {
				s.logger.Warn().Err(err).Str("key", ev.Key).Msg("chainview: failed to apply coordkv event")
			}
		}
	}
}

// bootstrap implements spec.md §4.4 steps 1-4: poll until starting_block,
// finalized, and ingested all exist, then load segmented (optional) and the
// recent segment, and mark the view initialized.
func (s *Sync) bootstrap(ctx context.Context) error {
	for {
		starting, errS := s.store.Get(ctx, s.key(coordkv.KeyStartingBlock))
		finalized, errF := s.store.Get(ctx, s.key(coordkv.KeyFinalized))
		ingested, errI := s.store.Get(ctx, s.key(coordkv.KeyIngested))
		if errS == nil && errF == nil && errI == nil {
			startingCursor, err := decodeCursorValue(starting)
			if err != nil {
				return err
			}
			finalizedCursor, err := decodeCursorValue(finalized)
			if err != nil {
				return err
			}
			var ptr coordkv.IngestedPointer
			if err := json.Unmarshal(ingested, &ptr); err != nil {
				return dnaerr.Invariant("chainview: corrupt ingested pointer: %v", err)
			}

			recent, err := s.loader(ctx, ptr.ETag)
			if err != nil {
				return err
			}

			segmentedVal, errSeg := s.store.Get(ctx, s.key(coordkv.KeySegmented))

			s.view.mu.Lock()
			s.view.startingBlock = startingCursor
			s.view.finalized = finalizedCursor
			s.view.recent = recent
			if errSeg == nil {
				if c, err := decodeCursorValue(segmentedVal); err == nil {
					s.view.segmented = c
					s.view.hasSegmented = true
				}
			}
			s.view.initialized = true
			s.view.mu.Unlock()
			s.view.notifyHeadChanged()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bootstrapPollInterval):
		}
	}
}

func (s *Sync) applyEvent(ctx context.Context, ev coordkv.Event) error {
	switch ev.Key {
	case s.key(coordkv.KeyStartingBlock):
		c, err := decodeCursorValue(ev.Value)
		if err != nil {
			return err
		}
		s.view.mu.Lock()
		s.view.startingBlock = c
		s.view.mu.Unlock()
	case s.key(coordkv.KeyFinalized):
		c, err := decodeCursorValue(ev.Value)
		if err != nil {
			return err
		}
		s.view.mu.Lock()
		s.view.finalized = c
		s.view.mu.Unlock()
		s.view.notifyHeadChanged()
	case s.key(coordkv.KeySegmented):
		c, err := decodeCursorValue(ev.Value)
		if err != nil {
			return err
		}
		s.view.mu.Lock()
		s.view.segmented = c
		s.view.hasSegmented = true
		s.view.mu.Unlock()
	case s.key(coordkv.KeyIngested):
		var ptr coordkv.IngestedPointer
		if err := json.Unmarshal(ev.Value, &ptr); err != nil {
			return dnaerr.Invariant("chainview: corrupt ingested pointer: %v", err)
		}
		recent, err := s.loader(ctx, ptr.ETag)
		if err != nil {
			return err
		}
		s.view.mu.Lock()
		s.view.recent = recent
		s.view.mu.Unlock()
		s.view.notifyHeadChanged()
	}
	return nil
}

// decodeCursorValue mirrors coordkv/state.go's private wire format, kept as
// a small duplicate here rather than exporting coordkv internals purely for
// this one helper.
func decodeCursorValue(data []byte) (cursor.Cursor, error) {
	var w struct {
		Number uint64 `json:"number"`
		Hash   []byte `json:"hash,omitempty"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return cursor.Cursor{}, dnaerr.Invariant("chainview: corrupt cursor value: %v", err)
	}
	return cursor.New(w.Number, w.Hash), nil
}
