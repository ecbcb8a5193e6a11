// Package chainprovider defines the ChainProvider capability-set interface
// of spec.md §4.3/§9: the chain-specific external collaborator the ingestion
// engine drives to discover and fetch blocks. DNA itself never speaks to a
// node's native RPC; it only calls this interface.
package chainprovider

import (
	"context"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/indexgroup"
)

// IngestedBlock is the result of fetching and indexing one block: the
// minimal header record plus the opaque payload and its IndexGroup, ready
// for blockstore.Put.
type IngestedBlock struct {
	Info    blockinfo.BlockInfo
	Payload []byte
	Index   *indexgroup.Group
}

// Provider is the capability set a chain-specific implementation must
// supply. Every method may block on network I/O and must respect ctx
// cancellation; the ingestion engine calls these concurrently across many
// in-flight block numbers (spec.md §4.3, "bounded concurrent fetch").
type Provider interface {
	// HeadCursor returns the chain's current head (its most recently
	// observed, possibly non-finalized, tip).
	HeadCursor(ctx context.Context) (cursor.Cursor, error)

	// FinalizedCursor returns the chain's most recent finalized block, used
	// to drive IngestFinalized mode (spec.md §4.3).
	FinalizedCursor(ctx context.Context) (cursor.Cursor, error)

	// IngestByNumber fetches and indexes the canonical block at number as
	// currently known to the provider. Used by IngestFinalized mode, where
	// by construction there is no ambiguity about which fork is canonical.
	IngestByNumber(ctx context.Context, number uint64) (IngestedBlock, error)

	// IngestByHash fetches and indexes the specific block named by
	// (number, hash), used by IngestAccepted mode and by reorg resolution
	// to walk a specific (possibly non-canonical) fork. Returns a NotFound
	// dnaerr if the provider has pruned or never observed that hash.
	IngestByHash(ctx context.Context, number uint64, hash []byte) (IngestedBlock, error)
}
