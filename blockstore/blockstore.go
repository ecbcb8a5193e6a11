// Package blockstore is a typed accessor for per-block ingested payloads:
// headers + bodies + receipts/events, chain-specific but opaque here
// (spec.md §2 "Block store", §3 "Block").
package blockstore

import (
	"context"
	"encoding/json"

	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/indexgroup"
	"github.com/dna-network/dna/objectstore"
)

// Block is the ingested data for one block: an opaque payload blob produced
// by the chain-specific ChainProvider collaborator, plus its attached
// IndexGroup. The payload is never interpreted by this package — only
// stored, fetched, and handed to the filter/scan engine, which treats it as
// a columnar/zero-copy archived representation supporting O(1) random
// access by position (spec.md §9).
type Block struct {
	Number  uint64
	Hash    []byte
	Payload []byte
	Index   *indexgroup.Group
}

type wireBlock struct {
	Number  uint64 `json:"number"`
	Hash    []byte `json:"hash"`
	Payload []byte `json:"payload"`
	Index   []byte `json:"index"`
}

// Store is the typed per-block accessor over objectstore.Store. Block
// payloads are content-addressed by (number, hash) and never mutated once
// written (spec.md §3 "Block" lifecycle); a fork's block at the same number
// is stored under a different path and simply stops being canonical.
type Store struct {
	objects objectstore.Store
}

func New(objects objectstore.Store) *Store {
	return &Store{objects: objects}
}

// Put writes a block. Uses ModeCreate: a (number, hash) pair is immutable
// once ingested, so re-ingesting the identical block is idempotent (the
// object store's Precondition on the second Put is treated as "already have
// it" and Put returns nil) while a genuine hash collision at a different
// payload would be a bug upstream.
func (s *Store) Put(ctx context.Context, b Block) error {
	idxBytes, err := b.Index.MarshalBinary()
	if err != nil {
		return dnaerr.Invariant("blockstore: encode index group: %v", err)
	}
	w := wireBlock{Number: b.Number, Hash: b.Hash, Payload: b.Payload, Index: idxBytes}
	body, err := json.Marshal(w)
	if err != nil {
		return dnaerr.Invariant("blockstore: encode block: %v", err)
	}
	path := objectstore.BlockPath(b.Number, b.Hash)
	_, err = s.objects.Put(ctx, path, body, objectstore.PutOptions{Mode: objectstore.ModeCreate})
	if err != nil && dnaerr.KindOf(err) == dnaerr.KindPrecondition {
		return nil
	}
	return err
}

// Get fetches the block at (number, hash).
func (s *Store) Get(ctx context.Context, number uint64, hash []byte) (Block, error) {
	path := objectstore.BlockPath(number, hash)
	res, err := s.objects.Get(ctx, path, objectstore.GetOptions{})
	if err != nil {
		return Block{}, err
	}
	var w wireBlock
	if err := json.Unmarshal(res.Body, &w); err != nil {
		return Block{}, dnaerr.Invariant("blockstore: corrupt block at %s: %v", path, err)
	}
	idx := indexgroup.NewGroup()
	if err := idx.UnmarshalBinary(w.Index); err != nil {
		return Block{}, dnaerr.Invariant("blockstore: corrupt index group at %s: %v", path, err)
	}
	return Block{Number: w.Number, Hash: w.Hash, Payload: w.Payload, Index: idx}, nil
}

// Path returns the deterministic storage path for (number, hash), exposed so
// hotcache can address the same object without re-deriving the layout rule.
func Path(number uint64, hash []byte) string {
	return objectstore.BlockPath(number, hash)
}
