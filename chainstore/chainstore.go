// Package chainstore is a typed accessor over objectstore for one kind of
// record: canonical chain segments, each a contiguous window of block
// headers with parent links (spec.md §2 "Chain store").
package chainstore

import (
	"context"
	"encoding/json"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/objectstore"
)

// Codec serializes and deserializes CanonicalChainSegment records. The wire
// format is chain-specific and explicitly out of spec.md's scope (§1, "the
// file-format codecs for the on-disk records, treated as an external Codec
// collaborator"); this package depends only on the Codec interface. JSONCodec
// below is the default implementation, adequate for local-backend operation
// and tests; a production deployment would plug in the archived zero-copy
// format described in spec.md §9.
type Codec interface {
	Encode(seg *blockinfo.CanonicalChainSegment) ([]byte, error)
	Decode(data []byte) (*blockinfo.CanonicalChainSegment, error)
}

// JSONCodec is a Codec backed by encoding/json. It satisfies the round-trip
// requirement of spec.md §8 ("writing a chain segment and reading it back
// yields identical BlockInfo records") but not the zero-copy/O(1) random
// access properties spec.md §9 requires of the real wire format — those are
// the responsibility of whatever codec a deployment wires in.
type JSONCodec struct{}

type wireSegment struct {
	Info     wireInfo                `json:"info"`
	Blocks   []wireBlockInfo         `json:"blocks"`
	Siblings map[uint64][]wireCursor `json:"siblings,omitempty"`
}

type wireInfo struct {
	FirstBlock wireCursor `json:"first_block"`
	LastBlock  wireCursor `json:"last_block"`
}

type wireCursor struct {
	Number uint64 `json:"number"`
	Hash   []byte `json:"hash,omitempty"`
}

type wireBlockInfo struct {
	Number     uint64 `json:"number"`
	Hash       []byte `json:"hash"`
	ParentHash []byte `json:"parent_hash"`
}

func (JSONCodec) Encode(seg *blockinfo.CanonicalChainSegment) ([]byte, error) {
	w := wireSegment{
		Info: wireInfo{
			FirstBlock: wireCursor{Number: seg.Info.FirstBlock.Number, Hash: seg.Info.FirstBlock.Hash},
			LastBlock:  wireCursor{Number: seg.Info.LastBlock.Number, Hash: seg.Info.LastBlock.Hash},
		},
		Blocks: make([]wireBlockInfo, len(seg.Blocks)),
	}
	for i, b := range seg.Blocks {
		w.Blocks[i] = wireBlockInfo{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}
	}
	if len(seg.Siblings) > 0 {
		w.Siblings = make(map[uint64][]wireCursor, len(seg.Siblings))
		for num, cs := range seg.Siblings {
			wcs := make([]wireCursor, len(cs))
			for i, c := range cs {
				wcs[i] = wireCursor{Number: c.Number, Hash: c.Hash}
			}
			w.Siblings[num] = wcs
		}
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(data []byte) (*blockinfo.CanonicalChainSegment, error) {
	var w wireSegment
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, dnaerr.Invariant("chainstore: corrupt segment: %v", err)
	}
	seg := &blockinfo.CanonicalChainSegment{
		Info: blockinfo.SegmentInfo{
			FirstBlock: cursorFrom(w.Info.FirstBlock),
			LastBlock:  cursorFrom(w.Info.LastBlock),
		},
		Blocks: make([]blockinfo.BlockInfo, len(w.Blocks)),
	}
	for i, b := range w.Blocks {
		seg.Blocks[i] = blockinfo.BlockInfo{Number: b.Number, Hash: b.Hash, ParentHash: b.ParentHash}
	}
	if len(w.Siblings) > 0 {
		seg.Siblings = make(map[uint64][]cursor.Cursor, len(w.Siblings))
		for num, wcs := range w.Siblings {
			cs := make([]cursor.Cursor, len(wcs))
			for i, wc := range wcs {
				cs[i] = cursorFrom(wc)
			}
			seg.Siblings[num] = cs
		}
	}
	return seg, nil
}

// Store is the typed accessor over objectstore.Store for chain segments.
type Store struct {
	objects objectstore.Store
	codec   Codec
}

func New(objects objectstore.Store, codec Codec) *Store {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Store{objects: objects, codec: codec}
}

// PutSealed writes an immutable sealed segment. It uses ModeCreate: sealed
// segments are never rewritten, so a collision is an invariant violation
// upstream (two ingestion writers), not a normal race.
func (s *Store) PutSealed(ctx context.Context, path string, seg *blockinfo.CanonicalChainSegment) error {
	if err := seg.Validate(); err != nil {
		return dnaerr.Invariant("chainstore: refusing to write invalid segment: %v", err)
	}
	body, err := s.codec.Encode(seg)
	if err != nil {
		return dnaerr.Invariant("chainstore: encode segment: %v", err)
	}
	_, err = s.objects.Put(ctx, path, body, objectstore.PutOptions{Mode: objectstore.ModeCreate})
	return err
}

// GetSealed reads a previously-sealed segment.
func (s *Store) GetSealed(ctx context.Context, path string) (*blockinfo.CanonicalChainSegment, error) {
	res, err := s.objects.Get(ctx, path, objectstore.GetOptions{})
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(res.Body)
}

// PutRecent writes the recent (unsealed) segment with ETag compare-and-swap
// semantics: mode is ModeCreate on first write (no etag yet known) or
// ModeUpdate(etag) thereafter. Returns the new ETag on success, or a
// Precondition error if another writer raced. The ingestion engine does not
// retry on Precondition: the error ends its Run.
func (s *Store) PutRecent(ctx context.Context, seg *blockinfo.CanonicalChainSegment, prevETag string) (string, error) {
	if err := seg.Validate(); err != nil {
		return "", dnaerr.Invariant("chainstore: refusing to write invalid recent segment: %v", err)
	}
	body, err := s.codec.Encode(seg)
	if err != nil {
		return "", dnaerr.Invariant("chainstore: encode recent segment: %v", err)
	}
	mode := objectstore.PutOptions{Mode: objectstore.ModeCreate}
	if prevETag != "" {
		mode = objectstore.PutOptions{Mode: objectstore.ModeUpdate, ETag: prevETag}
	}
	res, err := s.objects.Put(ctx, objectstore.CanonicalRecentPath, body, mode)
	if err != nil {
		return "", err
	}
	return res.ETag, nil
}

// GetRecentByETag reads the recent segment and verifies it matches etag.
// Returns Invariant if the referenced object doesn't exist — spec.md §8
// invariant 3: "the ingested ETag in the coordination KV always references
// an object that exists in chain store".
func (s *Store) GetRecentByETag(ctx context.Context, etag string) (*blockinfo.CanonicalChainSegment, error) {
	res, err := s.objects.Get(ctx, objectstore.CanonicalRecentPath, objectstore.GetOptions{})
	if err != nil {
		if dnaerr.KindOf(err) == dnaerr.KindNotFound {
			return nil, dnaerr.Invariant("chainstore: ingested etag %s references missing recent segment", etag)
		}
		return nil, err
	}
	if res.ETag != etag {
		return nil, dnaerr.Invariant("chainstore: recent segment etag %s does not match ingested etag %s", res.ETag, etag)
	}
	return s.codec.Decode(res.Body)
}

func cursorFrom(w wireCursor) cursor.Cursor { return cursor.New(w.Number, w.Hash) }
