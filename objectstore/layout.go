package objectstore

import "fmt"

// Object-store path layout (spec.md §6 "Object-store layout"). Naming and
// doc-comment style follow the teacher's erigon-lib/kv/tables.go convention
// of documented string-constant tables describing key layout.
const (
	// CanonicalRecentPath is the single unsealed tail segment, updated via
	// ETag compare-and-swap (spec.md §3 "recent segment").
	CanonicalRecentPath = "canonical/recent"

	// SnapshotPath is a JSON-encoded introspection document:
	// { revision, first_block_number, segment_options, group_count }.
	SnapshotPath = "snapshot"
)

// CanonicalSegmentPath returns the path of the sealed segment starting at
// startBlock: "canonical/<start_block>".
func CanonicalSegmentPath(startBlock uint64) string {
	return fmt.Sprintf("canonical/%d", startBlock)
}

// BlockPath returns the path of a per-block payload:
// "blocks/<block_number>-<hash_hex>/block".
func BlockPath(number uint64, hash []byte) string {
	return fmt.Sprintf("blocks/%d-%x/block", number, hash)
}

// SegmentGroupIndexPath returns the path of a segment-group index:
// "group/<group_start_block>".
func SegmentGroupIndexPath(groupStartBlock uint64) string {
	return fmt.Sprintf("group/%d", groupStartBlock)
}
