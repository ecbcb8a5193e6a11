// Package devprovider implements a deterministic, in-memory/file-backed
// chainprovider.Provider for local testing, scenario harnesses, and the
// cmd/dnaingest demo mode. A production deployment plugs in a chain-specific
// provider that talks to a real node (spec.md §1 treats that as an external
// collaborator this repository never implements); devprovider exists so the
// ingestion pipeline has something concrete to drive end to end without one,
// including simulated reorgs.
package devprovider

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"

	"github.com/dna-network/dna/blockinfo"
	"github.com/dna-network/dna/chainprovider"
	"github.com/dna-network/dna/cursor"
	"github.com/dna-network/dna/dnaerr"
	"github.com/dna-network/dna/indexgroup"
)

// record is one line of the newline-delimited JSON fixture file: a block
// header plus a base64 payload. No index entries are derived from it — a
// real provider's indexer is itself chain-specific and out of scope.
type record struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Payload    string `json:"payload"`
}

// Provider serves IngestedBlock records keyed by (number, hash), with one
// hash per number marked canonical at a time. Mutating the canonical hash
// after blocks have already been ingested simulates a live reorg: the next
// IngestByNumber call at that height returns the new fork, and
// IngestByHash remains able to fetch the superseded block by its old hash
// (the ingestion engine's reorg walk depends on exactly this).
type Provider struct {
	mu        sync.RWMutex
	byHash    map[uint64]map[string]chainprovider.IngestedBlock
	canonical map[uint64]string
	head      cursor.Cursor
	finalized cursor.Cursor
}

// NewMutable builds an empty Provider for scenario harnesses to populate
// and mutate directly via PutBlock/SetCanonical/SetHead/SetFinalized.
func NewMutable() *Provider {
	return &Provider{
		byHash:    make(map[uint64]map[string]chainprovider.IngestedBlock),
		canonical: make(map[uint64]string),
	}
}

// PutBlock records a block under its (number, hash), without affecting
// which hash is currently canonical at that height.
func (p *Provider) PutBlock(ib chainprovider.IngestedBlock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byHash[ib.Info.Number]
	if !ok {
		m = make(map[string]chainprovider.IngestedBlock)
		p.byHash[ib.Info.Number] = m
	}
	m[hex.EncodeToString(ib.Info.Hash)] = ib
}

// SetCanonical marks hash as the block IngestByNumber(number) returns.
func (p *Provider) SetCanonical(number uint64, hash []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canonical[number] = hex.EncodeToString(hash)
}

func (p *Provider) SetHead(c cursor.Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = c
}

func (p *Provider) SetFinalized(c cursor.Cursor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalized = c
}

// Load reads path as newline-delimited JSON records, treating each as
// canonical in a single linear chain, and sets head/finalized to the last
// record read.
func Load(path string) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dnaerr.Configuration("devprovider: open %s: %v", path, err)
	}
	defer f.Close()

	p := NewMutable()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last chainprovider.IngestedBlock
	haveLast := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, dnaerr.Configuration("devprovider: corrupt fixture line: %v", err)
		}
		hash, err := base64.StdEncoding.DecodeString(r.Hash)
		if err != nil {
			return nil, dnaerr.Configuration("devprovider: bad hash encoding at block %d: %v", r.Number, err)
		}
		parent, err := base64.StdEncoding.DecodeString(r.ParentHash)
		if err != nil {
			return nil, dnaerr.Configuration("devprovider: bad parent_hash encoding at block %d: %v", r.Number, err)
		}
		payload, err := base64.StdEncoding.DecodeString(r.Payload)
		if err != nil {
			return nil, dnaerr.Configuration("devprovider: bad payload encoding at block %d: %v", r.Number, err)
		}
		ib := chainprovider.IngestedBlock{
			Info:    blockinfo.BlockInfo{Number: r.Number, Hash: hash, ParentHash: parent},
			Payload: payload,
			Index:   indexgroup.NewGroup(),
		}
		p.PutBlock(ib)
		p.SetCanonical(r.Number, hash)
		last, haveLast = ib, true
	}
	if err := scanner.Err(); err != nil {
		return nil, dnaerr.Transient(err, "devprovider: read %s", path)
	}
	if haveLast {
		p.SetHead(last.Info.Cursor())
		p.SetFinalized(last.Info.Cursor())
	}
	return p, nil
}

func (p *Provider) HeadCursor(ctx context.Context) (cursor.Cursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head, nil
}

func (p *Provider) FinalizedCursor(ctx context.Context) (cursor.Cursor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.finalized, nil
}

func (p *Provider) IngestByNumber(ctx context.Context, number uint64) (chainprovider.IngestedBlock, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashHex, ok := p.canonical[number]
	if !ok {
		return chainprovider.IngestedBlock{}, dnaerr.NotFound("devprovider: no canonical block at %d", number)
	}
	return p.byHash[number][hashHex], nil
}

func (p *Provider) IngestByHash(ctx context.Context, number uint64, hash []byte) (chainprovider.IngestedBlock, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.byHash[number]
	if !ok {
		return chainprovider.IngestedBlock{}, dnaerr.NotFound("devprovider: no block at %d", number)
	}
	b, ok := m[hex.EncodeToString(hash)]
	if !ok {
		return chainprovider.IngestedBlock{}, dnaerr.NotFound("devprovider: no block %d with that hash", number)
	}
	return b, nil
}
