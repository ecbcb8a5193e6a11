// Package indexgroup implements the tagged roaring-bitmap indices of
// spec.md §3 "IndexGroup": a collection of tagged bitmap maps attached to
// each block (or each segment group). Each tagged index maps a key of a
// fixed type (address, status enum, unit type, ...) to a roaring bitmap of
// block-relative positions.
package indexgroup

import (
	"encoding/json"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Tag is a small integer identifying one index within a group. Per spec.md
// §3, a given tag's key type never changes across the deployment.
type Tag uint16

// The fixed set of tags used by the filter engine (spec.md §4.7). KeyWidth
// documents the expected key size in bytes; KeyWidthUnit (0) means the key
// is the single zero-length "unit" key used by e.g. contract-creation
// selectors.
const (
	TagEventByAddress Tag = iota
	TagEventByKey0
	TagTransactionByFromAddress
	TagTransactionByToAddress
	TagTransactionByCreate
	TagValidatorByStatus
)

const KeyWidthUnit = 0

// tagInfo carries the diagnostic metadata spec.md §3 requires ("a fixed key
// width and a human-readable name for diagnostics").
type tagInfo struct {
	Name     string
	KeyWidth int
}

var tagRegistry = map[Tag]tagInfo{
	TagEventByAddress:           {Name: "event_by_address", KeyWidth: 20},
	TagEventByKey0:              {Name: "event_by_key0", KeyWidth: 32},
	TagTransactionByFromAddress: {Name: "transaction_by_from_address", KeyWidth: 20},
	TagTransactionByToAddress:   {Name: "transaction_by_to_address", KeyWidth: 20},
	TagTransactionByCreate:      {Name: "transaction_by_create", KeyWidth: KeyWidthUnit},
	TagValidatorByStatus:        {Name: "validator_by_status", KeyWidth: 1},
}

// Name returns t's diagnostic name, or "tag(<n>)" if unregistered.
func (t Tag) Name() string {
	if info, ok := tagRegistry[t]; ok {
		return info.Name
	}
	return fmt.Sprintf("tag(%d)", t)
}

// KeyWidth returns t's fixed key width in bytes, or -1 if unregistered.
func (t Tag) KeyWidth() int {
	if info, ok := tagRegistry[t]; ok {
		return info.KeyWidth
	}
	return -1
}

type entry struct {
	key    string // keys are usually short (addresses, enum bytes); string is an immutable, comparable map key
	bitmap *roaring.Bitmap
}

// Group is a mutable collection of tagged bitmap indices, built while
// ingesting one block (or one segment group).
type Group struct {
	tags map[Tag]map[string]*roaring.Bitmap
	// ValidRange bounds the valid positions for each section, so the scan
	// engine can intersect a section's candidate set with the section's
	// true extent (spec.md §4.7 step 3).
	ValidRange map[Tag]Range
}

// Range is an inclusive [Low, High] bound on valid positions for a section.
type Range struct {
	Low, High uint32
}

// NewGroup creates an empty, ready-to-populate Group.
func NewGroup() *Group {
	return &Group{
		tags:       make(map[Tag]map[string]*roaring.Bitmap),
		ValidRange: make(map[Tag]Range),
	}
}

// Add records that position pos matches key under tag.
func (g *Group) Add(tag Tag, key []byte, pos uint32) {
	m, ok := g.tags[tag]
	if !ok {
		m = make(map[string]*roaring.Bitmap)
		g.tags[tag] = m
	}
	k := string(key)
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	bm.Add(pos)
}

// SetValidRange records the [low, high] position range for everything
// stored under tag (e.g. the transaction count of the block).
func (g *Group) SetValidRange(tag Tag, low, high uint32) {
	g.ValidRange[tag] = Range{Low: low, High: high}
}

// Get returns the bitmap of positions matching (tag, key), or an empty
// (non-nil) bitmap if there is no match — so callers can always intersect or
// union the result without a nil check.
func (g *Group) Get(tag Tag, key []byte) *roaring.Bitmap {
	m, ok := g.tags[tag]
	if !ok {
		return roaring.New()
	}
	bm, ok := m[string(key)]
	if !ok {
		return roaring.New()
	}
	return bm.Clone()
}

// Recompute rebuilds an index from scratch given a source of (tag, key, pos)
// triples, used by spec.md §8's round-trip property ("Block -> IndexGroup.get
// equals recomputing the index from the block payload from scratch").
func Recompute(entries []struct {
	Tag Tag
	Key []byte
	Pos uint32
}) *Group {
	g := NewGroup()
	for _, e := range entries {
		g.Add(e.Tag, e.Key, e.Pos)
	}
	return g
}

// Equal reports whether g and other hold identical bitmaps for every
// (tag, key) pair either holds. Used by round-trip tests (spec.md §8).
func (g *Group) Equal(other *Group) bool {
	if len(g.tags) != len(other.tags) {
		return false
	}
	for tag, m := range g.tags {
		om, ok := other.tags[tag]
		if !ok || len(m) != len(om) {
			return false
		}
		for key, bm := range m {
			obm, ok := om[key]
			if !ok || !bm.Equals(obm) {
				return false
			}
		}
	}
	return true
}

// wireGroup is the JSON-serializable form used by blockstore's default codec.
type wireGroup struct {
	Tags       map[Tag]map[string][]byte `json:"tags"`
	ValidRange map[Tag]Range             `json:"valid_range,omitempty"`
}

// MarshalBinary serializes the group (roaring bitmaps in their native binary
// format, base-wrapped in JSON for the default codec).
func (g *Group) MarshalBinary() ([]byte, error) {
	w := wireGroup{Tags: make(map[Tag]map[string][]byte, len(g.tags)), ValidRange: g.ValidRange}
	for tag, m := range g.tags {
		wm := make(map[string][]byte, len(m))
		for key, bm := range m {
			buf, err := bm.ToBytes()
			if err != nil {
				return nil, fmt.Errorf("indexgroup: serialize tag %s key %x: %w", tag.Name(), key, err)
			}
			wm[key] = buf
		}
		w.Tags[tag] = wm
	}
	return json.Marshal(w)
}

// UnmarshalBinary is the inverse of MarshalBinary, and rejects truncated or
// corrupt input per spec.md §9's codec contract.
func (g *Group) UnmarshalBinary(data []byte) error {
	var w wireGroup
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("indexgroup: corrupt group: %w", err)
	}
	g.tags = make(map[Tag]map[string]*roaring.Bitmap, len(w.Tags))
	for tag, wm := range w.Tags {
		m := make(map[string]*roaring.Bitmap, len(wm))
		for key, buf := range wm {
			bm := roaring.New()
			if _, err := bm.FromBuffer(buf); err != nil {
				return fmt.Errorf("indexgroup: corrupt bitmap for tag %s key %x: %w", tag.Name(), []byte(key), err)
			}
			m[key] = bm
		}
		g.tags[tag] = m
	}
	g.ValidRange = w.ValidRange
	if g.ValidRange == nil {
		g.ValidRange = make(map[Tag]Range)
	}
	return nil
}
